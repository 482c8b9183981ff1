package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/geoattend/internal/api"
	"github.com/sells-group/geoattend/internal/attendance"
	"github.com/sells-group/geoattend/internal/auth"
	"github.com/sells-group/geoattend/internal/config"
	"github.com/sells-group/geoattend/internal/eventbus"
	"github.com/sells-group/geoattend/internal/ingest"
	"github.com/sells-group/geoattend/internal/metrics"
	"github.com/sells-group/geoattend/internal/mqttingest"
	"github.com/sells-group/geoattend/internal/resilience"
	"github.com/sells-group/geoattend/internal/store"
	"github.com/sells-group/geoattend/internal/tracker"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion and live API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openMigratedStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		svc, err := buildServices(ctx, cfg, st, reg)
		if err != nil {
			return err
		}
		defer svc.close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		return svc.run(ctx, port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// services is the wired server: every long-running component plus the HTTP
// handler in front of them.
type services struct {
	cfg        *config.Config
	store      store.Store
	bus        *eventbus.Bus
	tracker    *tracker.Tracker
	sequencer  *ingest.Sequencer
	gateway    *ingest.Gateway
	reconciler *attendance.Reconciler
	memLimiter *ingest.MemoryLimiter
	redis      *redis.Client
	relay      *eventbus.Relay
	handler    http.Handler
}

func buildServices(ctx context.Context, c *config.Config, st store.Store, reg *prometheus.Registry) (*services, error) {
	m := metrics.New(reg)
	svc := &services{cfg: c, store: st}

	decider, err := buildDecider(c, st, m)
	if err != nil {
		return nil, err
	}
	svc.reconciler = attendance.NewReconciler(decider, st, attendance.ReconcilerConfig{
		Interval: time.Duration(c.Attendance.ReconcileIntervalSecs) * time.Second,
	})

	svc.bus = eventbus.New(eventbus.Config{
		SubscriberBuffer: c.EventBus.SubscriberBuffer,
		RecentEvents:     c.EventBus.RecentEvents,
		Metrics:          m,
	})
	if c.Redis.Enabled {
		svc.redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		svc.relay = eventbus.NewRelay(svc.redis, svc.bus, uuid.NewString())
	}

	svc.tracker = tracker.New(tracker.Config{
		InsideReconfirmInterval: time.Duration(c.Tracker.InsideReconfirmIntervalSecs) * time.Second,
	}, st)
	tenants, err := st.ListTenants(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "list tenants")
	}
	for _, tenant := range tenants {
		n, err := svc.tracker.Warm(ctx, tenant)
		if err != nil {
			return nil, eris.Wrapf(err, "warm tracker for %s", tenant)
		}
		zap.L().Info("tracker warmed", zap.String("tenant_id", tenant), zap.Int("pairs", n))
	}

	pipeline := ingest.NewPipeline(ingest.PipelineDeps{
		Zones: ingest.NewZoneCache(ingest.ZoneCacheConfig{
			TTL:           time.Duration(c.Ingest.ZoneCacheTTLSecs) * time.Second,
			DefaultMargin: c.Geofence.HysteresisMarginMeters,
		}, st),
		Tracker:   svc.tracker,
		Events:    st,
		Decider:   decider,
		Publisher: svc.bus,
		Metrics:   m,
	})
	svc.sequencer = ingest.NewSequencer(ingest.SequencerConfig{
		Partitions: c.Ingest.Workers,
		QueueDepth: c.Ingest.QueueDepth,
	}, pipeline.Handle)

	limit := ingest.LimitConfig{
		Count:  c.Ingest.RateLimit.Count,
		Window: time.Duration(c.Ingest.RateLimit.WindowSeconds) * time.Second,
	}
	var limiter ingest.Limiter
	if c.Ingest.RateLimit.Backend == "redis" && svc.redis != nil {
		limiter = ingest.NewRedisLimiter(svc.redis, limit)
	} else {
		svc.memLimiter = ingest.NewMemoryLimiter(limit)
		limiter = svc.memLimiter
	}
	svc.gateway = ingest.NewGateway(ingest.GatewayConfig{
		MinAccuracyMeters: c.Ingest.MinAccuracyMeters,
		Metrics:           m,
	}, limiter, svc.sequencer)

	var verifier *auth.Verifier
	if c.Auth.Enabled {
		verifier, err = auth.NewVerifier(c.Auth.JWTSecret, c.Auth.Issuer)
		if err != nil {
			return nil, err
		}
	}
	svc.handler = api.New(api.Config{
		IPRateLimitPerMinute: c.Server.IPRateLimitPerMinute,
		AllowedOrigins:       c.Server.AllowedOrigins,
		Heartbeat:            time.Duration(c.Server.HeartbeatSecs) * time.Second,
	}, api.Deps{
		Gateway:  svc.gateway,
		Bus:      svc.bus,
		States:   svc.tracker,
		Health:   st,
		Verifier: verifier,
		Gatherer: reg,
	}).Handler()

	return svc, nil
}

func buildDecider(c *config.Config, st store.Store, m *metrics.Metrics) (*attendance.Decider, error) {
	window, err := attendance.ParseWindow(c.Attendance.Window)
	if err != nil {
		return nil, eris.Wrap(err, "attendance window")
	}
	zones, err := attendance.LoadTimezones(c.Attendance.Timezone, c.Attendance.TenantTimezones)
	if err != nil {
		return nil, eris.Wrap(err, "attendance timezones")
	}

	return attendance.NewDecider(attendance.Config{
		Window:            window,
		Timezones:         zones,
		Lookup:            resilience.FromRetryConfig(c.Attendance.LookupRetries+1, 0, 0, c.Attendance.LookupTimeoutMs),
		Breaker:           resilience.FromCircuitConfig(c.Attendance.BreakerFailureThreshold, c.Attendance.BreakerResetSecs),
		PendingMaxRetries: c.Attendance.MaxReconcileAttempts,
		Metrics:           m,
	}, st, attendance.NewStoreGroupResolver(st)), nil
}

// run serves until ctx is done, then shuts the HTTP server down before the
// workers drain.
func (s *services) run(ctx context.Context, port int) error {
	var mqttClient mqtt.Client
	if s.cfg.MQTT.Enabled {
		c, err := mqttingest.Connect(s.cfg.MQTT)
		if err != nil {
			return err
		}
		mqttClient = c
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.handler,
		ReadHeaderTimeout: time.Duration(s.cfg.Server.ReadHeaderTimeoutSecs) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Hijacked websocket connections outlive Shutdown; ending their
		// subscriptions closes them with going-away.
		s.bus.Close()
		return err
	})
	g.Go(func() error { return s.sequencer.Run(gctx) })
	g.Go(func() error { return s.reconciler.Run(gctx) })
	g.Go(func() error { return s.sweep(gctx) })

	if s.relay != nil {
		g.Go(func() error { return s.relay.Run(gctx) })
	}
	if mqttClient != nil {
		adapter := mqttingest.New(s.gateway, mqttClient, s.cfg.MQTT.QoS)
		g.Go(func() error { return adapter.Run(gctx, mqttClient) })
	}

	return g.Wait()
}

// sweep evicts idle OUTSIDE pairs past retention and prunes the in-memory
// rate limiter.
func (s *services) sweep(ctx context.Context) error {
	interval := time.Duration(s.cfg.Tracker.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	retention := time.Duration(s.cfg.Tracker.RetentionHours) * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.tracker.Sweep(ctx, time.Now().Add(-retention))
			if err != nil {
				zap.L().Warn("tracker sweep failed", zap.Error(err))
			} else if n > 0 {
				zap.L().Info("tracker swept idle pairs", zap.Int("removed", n))
			}
			if s.memLimiter != nil {
				s.memLimiter.Prune()
			}
		}
	}
}

func (s *services) close() {
	s.bus.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
}
