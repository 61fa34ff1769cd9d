// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Audit   AuditConfig   `mapstructure:"audit"`
	DB      DBConfig      `mapstructure:"db"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrokerConfig selects and tunes the job broker.
type BrokerConfig struct {
	// Backend is "postgres" or "memory".
	Backend             string `mapstructure:"backend"`
	MaxAttempts         int    `mapstructure:"max_attempts"`
	BackoffBaseMs       int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs        int    `mapstructure:"backoff_max_ms"`
	LeaseWindowSeconds  int    `mapstructure:"lease_window_seconds"`
	TerminalRetention   int    `mapstructure:"terminal_retention"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
}

// WorkerConfig governs the scan worker pool.
type WorkerConfig struct {
	Concurrency         int `mapstructure:"concurrency"`
	DrainTimeoutSeconds int `mapstructure:"drain_timeout_seconds"`
}

// AuditConfig configures the headless browser audit stage.
type AuditConfig struct {
	UserAgent         string  `mapstructure:"user_agent"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	DomainQPS         float64 `mapstructure:"domain_qps"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// StorageConfig sets the screenshot archive destination. GCSBucket wins
// when both are set; leaving both empty disables archival.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for terminal-result notifications.
type PubSubConfig struct {
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
	v.SetEnvPrefix("A11Y")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("broker.backend", "memory")
	v.SetDefault("broker.max_attempts", 3)
	v.SetDefault("broker.backoff_base_ms", 1000)
	v.SetDefault("broker.backoff_max_ms", 60000)
	v.SetDefault("broker.lease_window_seconds", 120)
	v.SetDefault("broker.terminal_retention", 256)
	v.SetDefault("broker.poll_interval_seconds", 1)
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.drain_timeout_seconds", 30)
	v.SetDefault("audit.user_agent", "a11yscan-bot/1.0 (+https://github.com/a11yscan/a11yscan)")
	v.SetDefault("audit.nav_timeout_seconds", 30)
	v.SetDefault("audit.domain_qps", 1.0)
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.min_idle_conns", 2)
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Broker.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("broker.backend must be postgres or memory, got %q", c.Broker.Backend)
	}
	if c.Broker.Backend == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when broker.backend is postgres")
	}
	if c.Broker.MaxAttempts <= 0 {
		return fmt.Errorf("broker.max_attempts must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Audit.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("audit.nav_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// NavTimeout returns the navigation timeout as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Audit.NavTimeoutSeconds) * time.Second
}

// LeaseWindow returns the broker lease window as a duration.
func (c Config) LeaseWindow() time.Duration {
	return time.Duration(c.Broker.LeaseWindowSeconds) * time.Second
}

// PollInterval returns the broker poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Broker.PollIntervalSeconds) * time.Second
}

// DrainTimeout returns the worker drain deadline as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Worker.DrainTimeoutSeconds) * time.Second
}

// BackoffBase returns the initial retry delay as a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Broker.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling as a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Broker.BackoffMaxMs) * time.Millisecond
}
