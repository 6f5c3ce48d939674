package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for postcron.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	BotToken            string        `json:"-"`
	TelegramEndpoint    string        `json:"telegram_api_endpoint,omitempty"`
	TelegramTimeout     time.Duration `json:"-"`
	TelegramTimeoutStr  string        `json:"telegram_timeout"`
	DatabaseURL         string        `json:"database_url"`
	MediaDir            string        `json:"media_dir"`
	MediaMaxUploadBytes int64         `json:"media_max_upload_bytes"`
	HTTPAddr            string        `json:"http_addr"`

	DBOpTimeout          time.Duration `json:"-"`
	DBOpTimeoutStr       string        `json:"db_op_timeout"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	SyncInterval    time.Duration `json:"-"`
	SyncIntervalStr string        `json:"sync_interval"`
	MisfireGrace    time.Duration `json:"-"`
	MisfireGraceStr string        `json:"misfire_grace"`

	EventBusBufferSize  int `json:"eventbus_buffer_size"`
	DispatcherWorkers   int `json:"dispatcher_workers"`
	DeliveryMaxAttempts int `json:"delivery_max_attempts"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold must exceed the dispatcher's retry window when
	// DeliveryMaxAttempts > 1.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	// JobRetention: how long terminal posts are kept. 0 keeps them forever.
	JobRetention    time.Duration `json:"-"`
	JobRetentionStr string        `json:"job_retention"`

	LeaderElectionEnabled bool `json:"leader_election_enabled"`
	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey              int64         `json:"leader_lock_key"`
	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	RedisAddr             string        `json:"redis_addr,omitempty"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`
}

// Defaults for values that other packages reference.
const (
	DefaultDatabaseURL   = "jobs.sqlite"
	DefaultMediaDir      = "media"
	DefaultLeaderLockKey = 728380
)

// LoadDotEnv reads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads configuration from environment variables with defaults.
// Invalid numbers fall back to their default with a log line; durations are
// kept as strings so Validate can report them.
func Load() Config {
	cfg := Config{
		BotToken:                   strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		TelegramEndpoint:           os.Getenv("TELEGRAM_API_ENDPOINT"),
		TelegramTimeoutStr:         envOr("TELEGRAM_TIMEOUT", "30s"),
		DatabaseURL:                envOr("DATABASE_URL", DefaultDatabaseURL),
		MediaDir:                   envOr("MEDIA_DIR", DefaultMediaDir),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		DBOpTimeoutStr:             envOr("DB_OP_TIMEOUT", "5s"),
		DBConnMaxLifetimeStr:       envOr("DB_CONN_MAX_LIFETIME", "30m"),
		HTTPShutdownTimeoutStr:     envOr("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		DispatcherDrainTimeoutStr:  envOr("DISPATCHER_DRAIN_TIMEOUT", "30s"),
		SyncIntervalStr:            envOr("SYNC_INTERVAL", "30s"),
		MisfireGraceStr:            envOr("MISFIRE_GRACE", "5m"),
		CircuitBreakerCooldownStr:  envOr("CIRCUIT_BREAKER_COOLDOWN", "2m"),
		ReconcileEnabled:           envBool("RECONCILE_ENABLED", true),
		ReconcileIntervalStr:       envOr("RECONCILE_INTERVAL", "5m"),
		ReconcileThresholdStr:      envOr("RECONCILE_THRESHOLD", "15m"),
		JobRetentionStr:            envOr("JOB_RETENTION", "168h"),
		LeaderElectionEnabled:      envBool("LEADER_ELECTION_ENABLED", false),
		LeaderRetryIntervalStr:     envOr("LEADER_RETRY_INTERVAL", "5s"),
		LeaderHeartbeatIntervalStr: envOr("LEADER_HEARTBEAT_INTERVAL", "2s"),
		MetricsEnabled:             envBool("METRICS_ENABLED", false),
		MetricsPath:                envOr("METRICS_PATH", "/metrics"),
		MetricsPort:                envOr("METRICS_PORT", "9090"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		AnalyticsRetentionStr:      envOr("ANALYTICS_RETENTION", "168h"),
	}

	cfg.MediaMaxUploadBytes = int64(envPositiveInt("MEDIA_MAX_UPLOAD_BYTES", 50<<20))
	cfg.DBMaxOpenConns = envPositiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envPositiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.EventBusBufferSize = envPositiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.DispatcherWorkers = envPositiveInt("DISPATCHER_WORKERS", 4)
	cfg.DeliveryMaxAttempts = envPositiveInt("DELIVERY_MAX_ATTEMPTS", 1)
	cfg.ReconcileBatchSize = envPositiveInt("RECONCILE_BATCH_SIZE", 100)
	cfg.LeaderLockKey = int64(envPositiveInt("LEADER_LOCK_KEY", DefaultLeaderLockKey))

	cfg.CircuitBreakerThreshold = 5
	if s := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", s)
		}
	}

	// PORT is honoured as a fallback for HTTP_ADDR (PaaS convention).
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8000"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if v, err := time.ParseDuration(*d.str); err == nil {
			*d.dst = v
		}
	}

	return cfg
}

type durationField struct {
	env string
	str *string
	dst *time.Duration

	// allowZero accepts 0 as "disabled".
	allowZero bool
}

func (c *Config) durations() []durationField {
	return []durationField{
		{env: "TELEGRAM_TIMEOUT", str: &c.TelegramTimeoutStr, dst: &c.TelegramTimeout},
		{env: "DB_OP_TIMEOUT", str: &c.DBOpTimeoutStr, dst: &c.DBOpTimeout},
		{env: "DB_CONN_MAX_LIFETIME", str: &c.DBConnMaxLifetimeStr, dst: &c.DBConnMaxLifetime, allowZero: true},
		{env: "HTTP_SHUTDOWN_TIMEOUT", str: &c.HTTPShutdownTimeoutStr, dst: &c.HTTPShutdownTimeout},
		{env: "DISPATCHER_DRAIN_TIMEOUT", str: &c.DispatcherDrainTimeoutStr, dst: &c.DispatcherDrainTimeout},
		{env: "SYNC_INTERVAL", str: &c.SyncIntervalStr, dst: &c.SyncInterval},
		{env: "MISFIRE_GRACE", str: &c.MisfireGraceStr, dst: &c.MisfireGrace, allowZero: true},
		{env: "CIRCUIT_BREAKER_COOLDOWN", str: &c.CircuitBreakerCooldownStr, dst: &c.CircuitBreakerCooldown},
		{env: "RECONCILE_INTERVAL", str: &c.ReconcileIntervalStr, dst: &c.ReconcileInterval},
		{env: "RECONCILE_THRESHOLD", str: &c.ReconcileThresholdStr, dst: &c.ReconcileThreshold},
		{env: "JOB_RETENTION", str: &c.JobRetentionStr, dst: &c.JobRetention, allowZero: true},
		{env: "LEADER_RETRY_INTERVAL", str: &c.LeaderRetryIntervalStr, dst: &c.LeaderRetryInterval},
		{env: "LEADER_HEARTBEAT_INTERVAL", str: &c.LeaderHeartbeatIntervalStr, dst: &c.LeaderHeartbeatInterval},
		{env: "ANALYTICS_RETENTION", str: &c.AnalyticsRetentionStr, dst: &c.AnalyticsRetention, allowZero: true},
	}
}

// IsPostgres reports whether DatabaseURL points at PostgreSQL.
func (c Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		log.Printf("config: invalid %s %q (must be true or false), using default %t", key, s, def)
		return def
	}
	return b
}

func envPositiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", key, s, def)
		return def
	}
	return n
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		BotToken string `json:"bot_token"`
		Config
	}{
		BotToken: maskToken(c.BotToken),
		Config:   c,
	}
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	if c.RedisAddr != "" {
		masked.RedisAddr = maskSecret(c.RedisAddr)
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks credentials in a connection string. Plain file paths
// (SQLite) and host:port addresses carry no secret and are kept.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://", "rediss://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return s
}

// maskToken keeps the bot id part of a Telegram token ("123456:ABC...").
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if i := strings.IndexByte(token, ':'); i > 0 {
		return token[:i] + ":***"
	}
	return "***"
}
