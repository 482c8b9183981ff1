package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Geofence   GeofenceConfig   `yaml:"geofence" mapstructure:"geofence"`
	Tracker    TrackerConfig    `yaml:"tracker" mapstructure:"tracker"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Attendance AttendanceConfig `yaml:"attendance" mapstructure:"attendance"`
	EventBus   EventBusConfig   `yaml:"eventbus" mapstructure:"eventbus"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	MQTT       MQTTConfig       `yaml:"mqtt" mapstructure:"mqtt"`
	Agent      AgentConfig      `yaml:"agent" mapstructure:"agent"`
	Live       LiveConfig       `yaml:"live" mapstructure:"live"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port                  int      `yaml:"port" mapstructure:"port"`
	ReadHeaderTimeoutSecs int      `yaml:"read_header_timeout_secs" mapstructure:"read_header_timeout_secs"`
	IPRateLimitPerMinute  int      `yaml:"ip_rate_limit_per_minute" mapstructure:"ip_rate_limit_per_minute"`
	AllowedOrigins        []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	HeartbeatSecs         int      `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `yaml:"issuer" mapstructure:"issuer"`
}

// GeofenceConfig configures containment matching.
type GeofenceConfig struct {
	HysteresisMarginMeters float64 `yaml:"hysteresis_margin_meters" mapstructure:"hysteresis_margin_meters"`
}

// TrackerConfig configures transition tracking and state retention.
type TrackerConfig struct {
	InsideReconfirmIntervalSecs int `yaml:"inside_reconfirm_interval_seconds" mapstructure:"inside_reconfirm_interval_seconds"`
	RetentionHours              int `yaml:"retention_hours" mapstructure:"retention_hours"`
	SweepIntervalMinutes        int `yaml:"sweep_interval_minutes" mapstructure:"sweep_interval_minutes"`
}

// RateLimitConfig configures the per-subject sliding window.
type RateLimitConfig struct {
	Count         int    `yaml:"count" mapstructure:"count"`
	WindowSeconds int    `yaml:"window_seconds" mapstructure:"window_seconds"`
	Backend       string `yaml:"backend" mapstructure:"backend"`
}

// IngestConfig configures the ingestion gateway and its workers.
type IngestConfig struct {
	MinAccuracyMeters float64         `yaml:"min_accuracy_meters" mapstructure:"min_accuracy_meters"`
	RateLimit         RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Workers           int             `yaml:"workers" mapstructure:"workers"`
	QueueDepth        int             `yaml:"queue_depth" mapstructure:"queue_depth"`
	ZoneCacheTTLSecs  int             `yaml:"zone_cache_ttl_secs" mapstructure:"zone_cache_ttl_secs"`
}

// WindowConfig is the daily attendance window in tenant-local HH:MM.
type WindowConfig struct {
	StartLocal  string `yaml:"start_local" mapstructure:"start_local"`
	EndLocal    string `yaml:"end_local" mapstructure:"end_local"`
	CutoffLocal string `yaml:"cutoff_local" mapstructure:"cutoff_local"`
}

// AttendanceConfig configures attendance decisions and reconciliation.
type AttendanceConfig struct {
	Window                WindowConfig      `yaml:"window" mapstructure:"window"`
	Timezone              string            `yaml:"timezone" mapstructure:"timezone"`
	TenantTimezones       map[string]string `yaml:"tenant_timezones" mapstructure:"tenant_timezones"`
	LookupTimeoutMs       int               `yaml:"lookup_timeout_ms" mapstructure:"lookup_timeout_ms"`
	LookupRetries         int               `yaml:"lookup_retries" mapstructure:"lookup_retries"`
	ReconcileIntervalSecs int               `yaml:"reconcile_interval_secs" mapstructure:"reconcile_interval_secs"`
	MaxReconcileAttempts  int               `yaml:"max_reconcile_attempts" mapstructure:"max_reconcile_attempts"`

	// BreakerFailureThreshold consecutive lookup failures open the circuit
	// for BreakerResetSecs.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerResetSecs        int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// EventBusConfig configures live fan-out.
type EventBusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer" mapstructure:"subscriber_buffer"`
	RecentEvents     int `yaml:"recent_events" mapstructure:"recent_events"`
}

// RedisConfig configures the optional Redis relay and rate limiter backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// MQTTConfig configures the MQTT ingest adapter.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker   string `yaml:"broker" mapstructure:"broker"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	QoS      byte   `yaml:"qos" mapstructure:"qos"`
}

// AgentConfig configures the device-side agent.
type AgentConfig struct {
	QueuePath  string  `yaml:"queue_path" mapstructure:"queue_path"`
	MaxEntries int     `yaml:"max_entries" mapstructure:"max_entries"`
	ServerURL  string  `yaml:"server_url" mapstructure:"server_url"`
	Token      string  `yaml:"token" mapstructure:"token"`
	SubmitRPS  float64 `yaml:"submit_rps" mapstructure:"submit_rps"`
}

// LiveConfig configures the live subscription client.
type LiveConfig struct {
	ServerURL            string `yaml:"server_url" mapstructure:"server_url"`
	Token                string `yaml:"token" mapstructure:"token"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	PollIntervalSecs     int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GEOATTEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "geoattend.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout_secs", 10)
	v.SetDefault("server.ip_rate_limit_per_minute", 600)
	v.SetDefault("server.heartbeat_secs", 20)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("geofence.hysteresis_margin_meters", 10.0)
	v.SetDefault("tracker.inside_reconfirm_interval_seconds", 300)
	v.SetDefault("tracker.retention_hours", 72)
	v.SetDefault("tracker.sweep_interval_minutes", 30)
	v.SetDefault("ingest.min_accuracy_meters", 100.0)
	v.SetDefault("ingest.rate_limit.count", 20)
	v.SetDefault("ingest.rate_limit.window_seconds", 10)
	v.SetDefault("ingest.rate_limit.backend", "memory")
	v.SetDefault("ingest.workers", 16)
	v.SetDefault("ingest.queue_depth", 256)
	v.SetDefault("ingest.zone_cache_ttl_secs", 60)
	v.SetDefault("attendance.window.start_local", "07:00")
	v.SetDefault("attendance.window.end_local", "09:00")
	v.SetDefault("attendance.window.cutoff_local", "08:00")
	v.SetDefault("attendance.timezone", "UTC")
	v.SetDefault("attendance.lookup_timeout_ms", 800)
	v.SetDefault("attendance.lookup_retries", 2)
	v.SetDefault("attendance.reconcile_interval_secs", 60)
	v.SetDefault("attendance.max_reconcile_attempts", 5)
	v.SetDefault("attendance.breaker_failure_threshold", 5)
	v.SetDefault("attendance.breaker_reset_secs", 30)
	v.SetDefault("eventbus.subscriber_buffer", 64)
	v.SetDefault("eventbus.recent_events", 100)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "geoattend")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("agent.queue_path", "geoattend-agent.db")
	v.SetDefault("agent.max_entries", 5000)
	v.SetDefault("agent.server_url", "http://localhost:8080")
	v.SetDefault("agent.submit_rps", 5.0)
	v.SetDefault("live.server_url", "http://localhost:8080")
	v.SetDefault("live.max_reconnect_attempts", 5)
	v.SetDefault("live.poll_interval_secs", 15)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the given command mode needs. Modes are
// "serve", "store" (migrate, zones, reconcile), "agent" and "watch". All
// problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "serve":
		c.validateStore(add)
		c.validateServe(add)
	case "store":
		c.validateStore(add)
		if err := c.Attendance.Window.Validate(); err != nil {
			add("%s", err.Error())
		}
	case "agent":
		if c.Agent.QueuePath == "" {
			add("agent.queue_path is required")
		}
		if c.Agent.ServerURL == "" {
			add("agent.server_url is required")
		}
		if c.Agent.MaxEntries <= 0 {
			add("agent.max_entries must be > 0")
		}
		if c.Agent.SubmitRPS <= 0 {
			add("agent.submit_rps must be > 0")
		}
	case "watch":
		if c.Live.ServerURL == "" {
			add("live.server_url is required")
		}
		if c.Live.MaxReconnectAttempts <= 0 {
			add("live.max_reconnect_attempts must be > 0")
		}
		if c.Live.PollIntervalSecs <= 0 {
			add("live.poll_interval_secs must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore(add func(string, ...any)) {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}
}

func (c *Config) validateServe(add func(string, ...any)) {
	if c.Server.Port <= 0 {
		add("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		add("auth.jwt_secret is required when auth is enabled")
	}
	if c.Geofence.HysteresisMarginMeters < 0 {
		add("geofence.hysteresis_margin_meters must be >= 0")
	}
	if c.Tracker.InsideReconfirmIntervalSecs <= 0 {
		add("tracker.inside_reconfirm_interval_seconds must be > 0")
	}
	if c.Ingest.MinAccuracyMeters <= 0 {
		add("ingest.min_accuracy_meters must be > 0")
	}
	if c.Ingest.RateLimit.Count <= 0 || c.Ingest.RateLimit.WindowSeconds <= 0 {
		add("ingest.rate_limit count and window_seconds must be > 0")
	}
	switch c.Ingest.RateLimit.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			add("ingest.rate_limit.backend redis requires redis.enabled")
		}
	default:
		add("unknown ingest.rate_limit.backend %q", c.Ingest.RateLimit.Backend)
	}
	if c.Ingest.Workers <= 0 || c.Ingest.QueueDepth <= 0 {
		add("ingest.workers and ingest.queue_depth must be > 0")
	}
	if err := c.Attendance.Window.Validate(); err != nil {
		add("%s", err.Error())
	}
	if _, err := time.LoadLocation(c.Attendance.Timezone); err != nil {
		add("attendance.timezone %q is not a known location", c.Attendance.Timezone)
	}
	for tenant, tz := range c.Attendance.TenantTimezones {
		if _, err := time.LoadLocation(tz); err != nil {
			add("attendance.tenant_timezones[%s] %q is not a known location", tenant, tz)
		}
	}
	if c.EventBus.SubscriberBuffer <= 0 {
		add("eventbus.subscriber_buffer must be > 0")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		add("mqtt.broker is required when mqtt is enabled")
	}
}

// Validate checks that start < cutoff <= end.
func (w WindowConfig) Validate() error {
	start, err := ParseClock(w.StartLocal)
	if err != nil {
		return eris.Wrap(err, "attendance.window.start_local")
	}
	end, err := ParseClock(w.EndLocal)
	if err != nil {
		return eris.Wrap(err, "attendance.window.end_local")
	}
	cutoff, err := ParseClock(w.CutoffLocal)
	if err != nil {
		return eris.Wrap(err, "attendance.window.cutoff_local")
	}
	if start >= cutoff || cutoff > end {
		return eris.Errorf("attendance window must satisfy start < cutoff <= end (%s, %s, %s)",
			w.StartLocal, w.CutoffLocal, w.EndLocal)
	}
	return nil
}

// ParseClock parses "HH:MM" into an offset from local midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, eris.Wrapf(err, "parse clock %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
