// Package config loads and validates scan engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Headless HeadlessConfig `mapstructure:"headless"`
	DB       DBConfig       `mapstructure:"db"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig governs the dispatcher pool and queue polling.
type WorkerConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	StaleClaimSec  int `mapstructure:"stale_claim_seconds"`
	StaleSweepSec  int `mapstructure:"stale_sweep_seconds"`
	MaxJobAttempts int `mapstructure:"max_job_attempts"`
}

// CrawlConfig governs link discovery and politeness.
type CrawlConfig struct {
	UserAgent       string  `mapstructure:"user_agent"`
	FetchTimeoutSec int     `mapstructure:"fetch_timeout_seconds"`
	DomainQPS       float64 `mapstructure:"domain_qps"`
	SitemapSeeding  bool    `mapstructure:"sitemap_seeding"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeSec int    `mapstructure:"conn_lifetime_seconds"`
}

// QueueConfig selects the work queue backend.
type QueueConfig struct {
	// Backend is "postgres" or "memory".
	Backend string `mapstructure:"backend"`
}

// StorageConfig sets the bucket and prefix for report archival.
type StorageConfig struct {
	// Backend is "gcs", "local", or "" to disable report archival.
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for scan completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCANENGINE")
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
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval_ms", 500)
	v.SetDefault("worker.stale_claim_seconds", 300)
	v.SetDefault("worker.stale_sweep_seconds", 60)
	v.SetDefault("worker.max_job_attempts", 3)
	v.SetDefault("crawl.user_agent", "a11yops-scanbot/0.1")
	v.SetDefault("crawl.fetch_timeout_seconds", 15)
	v.SetDefault("crawl.domain_qps", 2.0)
	v.SetDefault("crawl.sitemap_seeding", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxJobAttempts <= 0 {
		return fmt.Errorf("worker.max_job_attempts must be > 0")
	}
	if c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0")
	}
	switch c.Queue.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("queue.backend must be memory or postgres, got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when queue.backend is postgres")
	}
	switch c.Storage.Backend {
	case "", "gcs", "local":
	default:
		return fmt.Errorf("storage.backend must be gcs, local, or empty, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
	}
	if c.Storage.Backend == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set when storage.backend is local")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout returns the crawl fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawl.FetchTimeoutSec) * time.Second
}

// NavTimeout returns the headless navigation timeout as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// StaleClaimAge returns how long a claim may sit before the sweeper
// releases it.
func (c Config) StaleClaimAge() time.Duration {
	return time.Duration(c.Worker.StaleClaimSec) * time.Second
}
