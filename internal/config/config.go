// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-sync-crawler/internal/policy/ratelimit"
)

// EnvPrefix namespaces environment overrides, e.g. LISTINGSYNC_SERVER_PORT.
const EnvPrefix = "LISTINGSYNC"

// Fetcher modes.
const (
	FetcherHeadless = "headless"
	FetcherHTTP     = "http"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Archive backends.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Known-id cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Cache     CacheConfig     `mapstructure:"cache"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CatalogConfig points the crawler at the remote catalog.
type CatalogConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Region  string `mapstructure:"region"`
}

// RateLimitConfig selects a limiter preset. Non-zero knobs override the
// preset's values.
type RateLimitConfig struct {
	Preset            string        `mapstructure:"preset"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	BurstLimit        int           `mapstructure:"burst_limit"`
}

// Limiter resolves the preset and applies the overrides on top of it.
func (c RateLimitConfig) Limiter() (ratelimit.Config, error) {
	cfg, err := ratelimit.Preset(c.Preset)
	if err != nil {
		return ratelimit.Config{}, err
	}
	if c.BaseDelay > 0 {
		cfg.BaseDelay = c.BaseDelay
	}
	if c.MinDelay > 0 {
		cfg.MinDelay = c.MinDelay
	}
	if c.MaxDelay > 0 {
		cfg.MaxDelay = c.MaxDelay
	}
	if c.RequestsPerMinute > 0 {
		cfg.RequestsPerMinute = c.RequestsPerMinute
	}
	if c.BurstLimit > 0 {
		cfg.BurstLimit = c.BurstLimit
	}
	return cfg, nil
}

// FetcherConfig selects and tunes the page fetcher.
type FetcherConfig struct {
	Mode           string   `mapstructure:"mode"`
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	Proxies        []string `mapstructure:"proxies"`
	// BlockBodyBytes is the size above which a page without results counts as blocked.
	BlockBodyBytes int `mapstructure:"block_body_bytes"`
}

// HeadlessConfig configures the Chrome fetcher.
type HeadlessConfig struct {
	ExecPath          string        `mapstructure:"exec_path"`
	Visible           bool          `mapstructure:"visible"`
	NavTimeoutSeconds int           `mapstructure:"nav_timeout_seconds"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// JobsConfig governs the dispatcher.
type JobsConfig struct {
	Workers   int           `mapstructure:"workers"`
	Timeout   time.Duration `mapstructure:"timeout"`
	QueueSize int           `mapstructure:"queue_size"`
}

// StorageConfig selects the listing and job store.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// ArchiveConfig sets where removal snapshots are written.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// CacheConfig selects the known-id set.
type CacheConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Key           string `mapstructure:"key"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project keeps events in memory.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// LoggingConfig selects the zap encoder and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("catalog.base_url", "https://www.sahibinden.com")
	v.SetDefault("catalog.region", "sakarya-hendek")
	v.SetDefault("ratelimit.preset", ratelimit.PresetDefault)
	v.SetDefault("ratelimit.base_delay", "0s")
	v.SetDefault("ratelimit.min_delay", "0s")
	v.SetDefault("ratelimit.max_delay", "0s")
	v.SetDefault("ratelimit.requests_per_minute", 0)
	v.SetDefault("ratelimit.burst_limit", 0)
	v.SetDefault("fetcher.mode", FetcherHeadless)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.proxies", []string{})
	v.SetDefault("fetcher.block_body_bytes", 2048)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.visible", false)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_delay", "1500ms")
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.timeout", "1h")
	v.SetDefault("jobs.queue_size", 8)
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", true)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "removed")
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.key", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_prefix", "listing-sync-")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "1s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "listing-sync-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func (c RateLimitConfig) validate() error {
	if c.BaseDelay < 0 || c.MinDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("ratelimit delays must be >= 0")
	}
	if c.RequestsPerMinute < 0 || c.BurstLimit < 0 {
		return fmt.Errorf("ratelimit.requests_per_minute and ratelimit.burst_limit must be >= 0")
	}
	lc, err := c.Limiter()
	if err != nil {
		return fmt.Errorf("ratelimit.preset: %w", err)
	}
	if lc.MinDelay > lc.BaseDelay || lc.BaseDelay > lc.MaxDelay {
		return fmt.Errorf("ratelimit delays must satisfy min_delay <= base_delay <= max_delay (got %s, %s, %s)",
			lc.MinDelay, lc.BaseDelay, lc.MaxDelay)
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Catalog.BaseURL == "" || c.Catalog.Region == "" {
		return fmt.Errorf("catalog.base_url and catalog.region are required")
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}
	if c.Fetcher.Mode != FetcherHeadless && c.Fetcher.Mode != FetcherHTTP {
		return fmt.Errorf("fetcher.mode must be %q or %q", FetcherHeadless, FetcherHTTP)
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be > 0")
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("jobs.timeout must be > 0")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	switch c.Archive.Backend {
	case ArchiveNone, "":
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	return nil
}

// FetchTimeout converts fetcher.timeout_seconds to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// NavigationTimeout converts headless.nav_timeout_seconds to a duration.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSeconds) * time.Second
}
