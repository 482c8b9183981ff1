// Package api serves the HTTP interface: sample submission for devices, a
// websocket stream and snapshot endpoint for dashboards, health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/geoattend/internal/auth"
	"github.com/sells-group/geoattend/internal/eventbus"
	"github.com/sells-group/geoattend/internal/ingest"
	"github.com/sells-group/geoattend/internal/model"
)

// Acceptor admits one sample. *ingest.Gateway satisfies it.
type Acceptor interface {
	Accept(ctx context.Context, s model.LocationSample) ingest.Result
}

// StateSource lists tracked pair states. *tracker.Tracker satisfies it.
type StateSource interface {
	Snapshot(tenantID string) []model.ZoneState
}

// Pinger checks a backing dependency for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls server-level behavior.
type Config struct {
	// IPRateLimitPerMinute caps requests per client IP. Zero disables it.
	IPRateLimitPerMinute int
	// AllowedOrigins for CORS and websocket origin checks. Empty allows only
	// same-origin websocket upgrades and no cross-origin requests.
	AllowedOrigins []string
	// Heartbeat is the websocket ping interval. Default: 20s.
	Heartbeat time.Duration
	// MaxBodyBytes caps sample request bodies. Default: 64 KiB.
	MaxBodyBytes int64
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Gateway Acceptor
	Bus     *eventbus.Bus
	States  StateSource
	Health  Pinger
	// Verifier checks bearer tokens. Nil disables authentication.
	Verifier *auth.Verifier
	Gatherer prometheus.Gatherer
	Clock    quartz.Clock
}

// Server holds the handlers' dependencies.
type Server struct {
	cfg  Config
	deps Deps
}

// New creates a Server.
func New(cfg Config, deps Deps) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 20 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, deps: deps}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.IPRateLimitPerMinute > 0 {
			r.Use(httprate.Limit(
				s.cfg.IPRateLimitPerMinute,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeRetryAfter(w, time.Minute, "too many requests from this address")
				}),
			))
		}

		r.With(s.authenticate(auth.ScopeIngest)).Post("/samples", s.handleSample)

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Use(s.authenticate(auth.ScopeObserve))
			r.Get("/live", s.handleLive)
			r.Get("/snapshot", s.handleSnapshot)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !authorizeTenant(w, r, tenantID) {
		return
	}

	states := s.deps.States.Snapshot(tenantID)
	if states == nil {
		states = []model.ZoneState{}
	}
	events := s.deps.Bus.Recent(tenantID)
	if events == nil {
		events = []model.ZoneEvent{}
	}
	writeJSON(w, http.StatusOK, model.Snapshot{
		TenantID:    tenantID,
		States:      states,
		Events:      events,
		GeneratedAt: s.deps.Clock.Now().UTC(),
	})
}
