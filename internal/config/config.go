package config

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/Nurdok/spanreed/internal/surface"
)

// Config holds all configuration for the spanreed orchestrator.
// Values are loaded from environment variables; see the serve command's
// usage output for the full list.
type Config struct {
	// StoreBackend selects run persistence: "memory" or "postgres".
	StoreBackend string `json:"store_backend"`

	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	DedupTTL    time.Duration `json:"-"`
	DedupTTLStr string        `json:"dedup_ttl"`

	WatcherInterval    time.Duration `json:"-"`
	WatcherIntervalStr string        `json:"watcher_interval"`

	// RequestDefaultTTL applies to questions asked without a deadline.
	RequestDefaultTTL    time.Duration `json:"-"`
	RequestDefaultTTLStr string        `json:"request_default_ttl"`

	EngineWorkers   int `json:"engine_workers"`
	EngineQueueSize int `json:"engine_queue_size"`

	EventBusBufferSize int `json:"eventbus_buffer_size"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold must exceed the queue's worst-case pickup delay;
	// too low and healthy queued runs get requeued.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`

	ReconcileBatchSize int `json:"reconcile_batch_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// LeaderEnabled turns on advisory-lock election for the singleton
	// duties (trigger engine, reconciler, deadline watcher). Requires the
	// postgres backend.
	LeaderEnabled bool `json:"leader_enabled"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect
	// local connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// Surfaces is parsed from the SURFACES env var: a JSON array of
	// surface endpoints. Empty means prompts go to the process log.
	Surfaces    []surface.Endpoint `json:"surfaces"`
	SurfacesRaw string             `json:"-"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		StoreBackend:           os.Getenv("STORE_BACKEND"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		HTTPAddr:               os.Getenv("HTTP_ADDR"),
		TickIntervalStr:        os.Getenv("TICK_INTERVAL"),
		DedupTTLStr:            os.Getenv("TRIGGER_DEDUP_TTL"),
		WatcherIntervalStr:     os.Getenv("WATCHER_INTERVAL"),
		RequestDefaultTTLStr:   os.Getenv("REQUEST_DEFAULT_TTL"),
		DBOpTimeoutStr:         os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:   os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:   os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr: os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:         os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:            os.Getenv("METRICS_PATH"),
		MetricsPort:            os.Getenv("METRICS_PORT"),
		ReconcileEnabled:       os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileIntervalStr:   os.Getenv("RECONCILE_INTERVAL"),
		ReconcileThresholdStr:  os.Getenv("RECONCILE_THRESHOLD"),
		LeaderEnabled:          os.Getenv("LEADER_ELECTION_ENABLED") == "true",
		SurfacesRaw:            os.Getenv("SURFACES"),
	}

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "memory"
	}

	cfg.EngineWorkers = intEnv("ENGINE_WORKERS", 4)
	cfg.EngineQueueSize = intEnv("ENGINE_QUEUE_SIZE", 64)
	cfg.EventBusBufferSize = intEnv("EVENTBUS_BUFFER_SIZE", 100)
	cfg.ReconcileBatchSize = intEnv("RECONCILE_BATCH_SIZE", 100)
	cfg.DBMaxOpenConns = intEnv("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = intEnv("DB_MAX_IDLE_CONNS", 5)

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	} else {
		cfg.CircuitBreakerThreshold = 5
	}
	cfg.CircuitBreakerCooldownStr = os.Getenv("CIRCUIT_BREAKER_COOLDOWN")

	cfg.LeaderRetryIntervalStr = os.Getenv("LEADER_RETRY_INTERVAL")
	cfg.LeaderHeartbeatIntervalStr = os.Getenv("LEADER_HEARTBEAT_INTERVAL")
	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default", lockKeyStr)
		}
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.TickIntervalStr == "" {
		cfg.TickIntervalStr = "30s"
	}
	if cfg.DedupTTLStr == "" {
		cfg.DedupTTLStr = "24h"
	}
	if cfg.WatcherIntervalStr == "" {
		cfg.WatcherIntervalStr = "5s"
	}
	if cfg.RequestDefaultTTLStr == "" {
		cfg.RequestDefaultTTLStr = "24h"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.ReconcileIntervalStr == "" {
		cfg.ReconcileIntervalStr = "5m"
	}
	if cfg.ReconcileThresholdStr == "" {
		cfg.ReconcileThresholdStr = "15m"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}

	if cfg.SurfacesRaw != "" {
		if err := json.Unmarshal([]byte(cfg.SurfacesRaw), &cfg.Surfaces); err != nil {
			// Load never fails; Validate reports the malformed value.
			log.Printf("config: invalid SURFACES: %v", err)
		}
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.TickIntervalStr); err == nil {
		cfg.TickInterval = d
	}
	if d, err := time.ParseDuration(cfg.DedupTTLStr); err == nil {
		cfg.DedupTTL = d
	}
	if d, err := time.ParseDuration(cfg.WatcherIntervalStr); err == nil {
		cfg.WatcherInterval = d
	}
	if d, err := time.ParseDuration(cfg.RequestDefaultTTLStr); err == nil {
		cfg.RequestDefaultTTL = d
	}
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileIntervalStr); err == nil {
		cfg.ReconcileInterval = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileThresholdStr); err == nil {
		cfg.ReconcileThreshold = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// intEnv reads a positive integer env var, falling back to def on absence
// or garbage.
func intEnv(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", name, s, def)
		return def
	}
	return n
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	type maskedSurface struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	surfaces := make([]maskedSurface, 0, len(c.Surfaces))
	for _, s := range c.Surfaces {
		surfaces = append(surfaces, maskedSurface{Name: s.Name, URL: s.URL})
	}

	masked := struct {
		StoreBackend            string          `json:"store_backend"`
		DatabaseURL             string          `json:"database_url,omitempty"`
		RedisAddr               string          `json:"redis_addr,omitempty"`
		HTTPAddr                string          `json:"http_addr"`
		TickInterval            string          `json:"tick_interval"`
		DedupTTL                string          `json:"dedup_ttl"`
		WatcherInterval         string          `json:"watcher_interval"`
		RequestDefaultTTL       string          `json:"request_default_ttl"`
		EngineWorkers           int             `json:"engine_workers"`
		EngineQueueSize         int             `json:"engine_queue_size"`
		EventBusBufferSize      int             `json:"eventbus_buffer_size"`
		DBOpTimeout             string          `json:"db_op_timeout"`
		DBMaxOpenConns          int             `json:"db_max_open_conns"`
		DBMaxIdleConns          int             `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string          `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string          `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string          `json:"http_shutdown_timeout"`
		MetricsEnabled          bool            `json:"metrics_enabled"`
		MetricsPath             string          `json:"metrics_path"`
		ReconcileEnabled        bool            `json:"reconcile_enabled"`
		ReconcileInterval       string          `json:"reconcile_interval"`
		ReconcileThreshold      string          `json:"reconcile_threshold"`
		ReconcileBatchSize      int             `json:"reconcile_batch_size"`
		CircuitBreakerThreshold int             `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string          `json:"circuit_breaker_cooldown"`
		LeaderEnabled           bool            `json:"leader_enabled"`
		LeaderLockKey           int64           `json:"leader_lock_key,omitempty"`
		LeaderRetryInterval     string          `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string          `json:"leader_heartbeat_interval"`
		Surfaces                []maskedSurface `json:"surfaces"`
	}{
		StoreBackend:            c.StoreBackend,
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		HTTPAddr:                c.HTTPAddr,
		TickInterval:            c.TickIntervalStr,
		DedupTTL:                c.DedupTTLStr,
		WatcherInterval:         c.WatcherIntervalStr,
		RequestDefaultTTL:       c.RequestDefaultTTLStr,
		EngineWorkers:           c.EngineWorkers,
		EngineQueueSize:         c.EngineQueueSize,
		EventBusBufferSize:      c.EventBusBufferSize,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileInterval:       c.ReconcileIntervalStr,
		ReconcileThreshold:      c.ReconcileThresholdStr,
		ReconcileBatchSize:      c.ReconcileBatchSize,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		LeaderEnabled:           c.LeaderEnabled,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
		Surfaces:                surfaces,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
