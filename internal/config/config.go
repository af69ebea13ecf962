// Package config loads fieldsync configuration from a YAML file and
// FIELDSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix        = "FIELDSYNC"
	configDirEnv     = "FIELDSYNC_CONFIG_DIR"
	defaultConfigDir = "/etc/fieldsync"

	DatabasePostgres = "postgres"
	DatabaseMemory   = "memory"
)

// Config is the complete process configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Baselines  BaselinesConfig  `mapstructure:"baselines"`
	Ignore     IgnoreConfig     `mapstructure:"ignore"`
	Verifier   VerifierConfig   `mapstructure:"verifier"`
	Adapters   AdaptersConfig   `mapstructure:"adapters"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the repository backend.
type DatabaseConfig struct {
	Type           string         `mapstructure:"type"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
	MigrationsPath string         `mapstructure:"migrations_path"`
	AutoMigrate    bool           `mapstructure:"auto_migrate"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// ConnString renders the settings as a postgres:// URL.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: url.Values{"sslmode": {p.SSLMode}}.Encode(),
	}
	return u.String()
}

// RedisConfig holds Redis configuration for the rate limiter. When disabled
// the limiter keeps its windows in process memory.
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Token         string        `mapstructure:"token"`
}

// BucketConfig is one sliding window.
type BucketConfig struct {
	Limit  int           `mapstructure:"limit"`
	Period time.Duration `mapstructure:"period"`
}

// RateLimitConfig holds the source and destination buckets and the shared
// retry tuning.
type RateLimitConfig struct {
	Source      BucketConfig  `mapstructure:"source"`
	Destination BucketConfig  `mapstructure:"destination"`
	Buffer      time.Duration `mapstructure:"buffer"`
	MinWait     time.Duration `mapstructure:"min_wait"`
	MaxJitter   time.Duration `mapstructure:"max_jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type PollerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	DefaultJitter float64       `mapstructure:"default_jitter"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
}

type DispatcherConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Workers      int           `mapstructure:"workers"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
}

// BaselinesConfig controls change detection bookkeeping and pruning.
type BaselinesConfig struct {
	TrackChecks    bool          `mapstructure:"track_checks"`
	Retention      time.Duration `mapstructure:"retention"`
	PruneInterval  time.Duration `mapstructure:"prune_interval"`
	PruneBatchSize int           `mapstructure:"prune_batch_size"`
}

type IgnoreConfig struct {
	MatchTimeout     time.Duration `mapstructure:"match_timeout"`
	MaxPatternLength int           `mapstructure:"max_pattern_length"`
	FailOpen         bool          `mapstructure:"fail_open"`
}

// VerifierConfig tunes consistency verification. When enabled the field
// normalizer is run Runs times and must agree.
type VerifierConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Runs       int           `mapstructure:"runs"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// EndpointConfig is one outbound HTTP collaborator.
type EndpointConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AdaptersConfig struct {
	Source      EndpointConfig `mapstructure:"source"`
	Destination EndpointConfig `mapstructure:"destination"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configPath, or $FIELDSYNC_CONFIG_DIR/config.yaml when configPath
// is empty, and applies FIELDSYNC_ environment overrides. A missing default
// file is not an error; a missing explicit file is.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	explicit := configPath != ""
	if !explicit {
		configDir := os.Getenv(configDirEnv)
		if configDir == "" {
			configDir = defaultConfigDir
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// FIELDSYNC_DATABASE_POSTGRES_HOST overrides database.postgres.host
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Type {
	case DatabasePostgres, DatabaseMemory:
	default:
		errs = append(errs, fmt.Errorf("database.type must be %q or %q, got %q", DatabasePostgres, DatabaseMemory, c.Database.Type))
	}
	for name, b := range map[string]BucketConfig{
		"source":      c.RateLimit.Source,
		"destination": c.RateLimit.Destination,
	} {
		if b.Limit <= 0 || b.Period <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s needs a positive limit and period", name))
		}
	}
	if c.Poller.DefaultJitter < 0 || c.Poller.DefaultJitter > 1 {
		errs = append(errs, fmt.Errorf("poller.default_jitter must be within [0,1], got %v", c.Poller.DefaultJitter))
	}
	if c.Verifier.Runs < 1 {
		errs = append(errs, fmt.Errorf("verifier.runs must be at least 1"))
	}
	if c.Ignore.MaxPatternLength < 1 {
		errs = append(errs, fmt.Errorf("ignore.max_pattern_length must be positive"))
	}

	return errors.Join(errs...)
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.type", DatabasePostgres)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "fieldsync")
	v.SetDefault("database.postgres.user", "fieldsync")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 25)
	v.SetDefault("database.postgres.min_conns", 5)
	v.SetDefault("database.postgres.max_conn_lifetime", "1h")
	v.SetDefault("database.postgres.max_conn_idle_time", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.token", "")

	// Rate limit defaults
	v.SetDefault("rate_limit.source.limit", 60)
	v.SetDefault("rate_limit.source.period", "1m")
	v.SetDefault("rate_limit.destination.limit", 10)
	v.SetDefault("rate_limit.destination.period", "1s")
	v.SetDefault("rate_limit.buffer", "2s")
	v.SetDefault("rate_limit.min_wait", "5ms")
	v.SetDefault("rate_limit.max_jitter", "10ms")
	v.SetDefault("rate_limit.max_attempts", 10000)

	// Poller defaults
	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", "1s")
	v.SetDefault("poller.batch_size", 50)
	v.SetDefault("poller.workers", 4)
	v.SetDefault("poller.default_jitter", 0.10)
	v.SetDefault("poller.max_backoff", "1h")

	// Dispatcher defaults
	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.interval", "5s")
	v.SetDefault("dispatcher.batch_size", 100)
	v.SetDefault("dispatcher.workers", 8)
	v.SetDefault("dispatcher.claim_timeout", "10m")

	// Baseline defaults
	v.SetDefault("baselines.track_checks", true)
	v.SetDefault("baselines.retention", "720h")
	v.SetDefault("baselines.prune_interval", "1h")
	v.SetDefault("baselines.prune_batch_size", 1000)

	// Ignore rule defaults
	v.SetDefault("ignore.match_timeout", "10ms")
	v.SetDefault("ignore.max_pattern_length", 512)
	v.SetDefault("ignore.fail_open", true)

	// Verifier defaults
	v.SetDefault("verifier.enabled", false)
	v.SetDefault("verifier.runs", 3)
	v.SetDefault("verifier.max_retries", 2)
	v.SetDefault("verifier.retry_delay", "500ms")

	// Adapter defaults
	v.SetDefault("adapters.source.base_url", "http://localhost:8081")
	v.SetDefault("adapters.source.token", "")
	v.SetDefault("adapters.source.timeout", "10s")
	v.SetDefault("adapters.destination.base_url", "http://localhost:8082")
	v.SetDefault("adapters.destination.token", "")
	v.SetDefault("adapters.destination.timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
