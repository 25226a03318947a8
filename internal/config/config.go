package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Health       HealthConfig       `yaml:"health"`
	Verification VerificationConfig `yaml:"verification"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Queue        QueueConfig        `yaml:"queue"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // HTTP read timeout (default: 30s)
	WriteTimeout time.Duration `yaml:"write_timeout"` // HTTP write timeout (default: 30s)
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // HTTP idle timeout (default: 60s)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"` // SQLite database file
	QueuePath    string `yaml:"queue_path"`    // bbolt task queue file
}

// HealthConfig contains health monitoring settings
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"` // Re-check servers unchecked for this long (default: 1h)
	UptimeWindow  time.Duration `yaml:"uptime_window"`  // Rolling window for uptime percentage (default: 720h)
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`  // Per-probe HTTP timeout (default: 5s)
}

// VerificationConfig contains ownership verification settings
type VerificationConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"` // Verification token lifetime (default: 48h)
}

// WebhooksConfig contains webhook delivery settings
type WebhooksConfig struct {
	Timeout     time.Duration `yaml:"timeout"`      // Delivery HTTP timeout (default: 10s)
	MaxAttempts int           `yaml:"max_attempts"` // Delivery attempts before giving up (default: 3)
	BackoffBase time.Duration `yaml:"backoff_base"` // First retry delay, doubles per attempt (default: 60s)
}

// QueueConfig contains task processor settings
type QueueConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
}

// SchedulerConfig contains periodic job settings
type SchedulerConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`     // Stale-server sweep cadence (default: 1h)
	AnalyticsInterval time.Duration `yaml:"analytics_interval"` // Daily snapshot cadence (default: 24h)
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`   // Retention cleanup cadence (default: 168h)

	SuccessRetention     time.Duration `yaml:"success_retention"`      // Delivered webhook history (default: 720h)
	FailureRetention     time.Duration `yaml:"failure_retention"`      // Failed webhook history (default: 2160h)
	HealthCheckRetention time.Duration `yaml:"health_check_retention"` // Probe history (default: 2160h)
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "/var/lib/nexus/nexus.db"
	}
	if c.Storage.QueuePath == "" {
		c.Storage.QueuePath = "/var/lib/nexus/tasks.db"
	}

	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = time.Hour
	}
	if c.Health.UptimeWindow == 0 {
		c.Health.UptimeWindow = 720 * time.Hour // 30 days
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 5 * time.Second
	}

	if c.Verification.TokenTTL == 0 {
		c.Verification.TokenTTL = 48 * time.Hour
	}

	if c.Webhooks.Timeout == 0 {
		c.Webhooks.Timeout = 10 * time.Second
	}
	if c.Webhooks.MaxAttempts == 0 {
		c.Webhooks.MaxAttempts = 3
	}
	if c.Webhooks.BackoffBase == 0 {
		c.Webhooks.BackoffBase = 60 * time.Second
	}

	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.TaskTimeout == 0 {
		c.Queue.TaskTimeout = 2 * time.Minute
	}

	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = time.Hour
	}
	if c.Scheduler.AnalyticsInterval == 0 {
		c.Scheduler.AnalyticsInterval = 24 * time.Hour
	}
	if c.Scheduler.CleanupInterval == 0 {
		c.Scheduler.CleanupInterval = 7 * 24 * time.Hour
	}
	if c.Scheduler.SuccessRetention == 0 {
		c.Scheduler.SuccessRetention = 30 * 24 * time.Hour
	}
	if c.Scheduler.FailureRetention == 0 {
		c.Scheduler.FailureRetention = 90 * 24 * time.Hour
	}
	if c.Scheduler.HealthCheckRetention == 0 {
		c.Scheduler.HealthCheckRetention = 90 * 24 * time.Hour
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.DatabasePath == c.Storage.QueuePath {
		return fmt.Errorf("storage.database_path and storage.queue_path must differ")
	}

	if c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("webhooks.max_attempts must be at least 1")
	}
	if c.Webhooks.BackoffBase < 0 {
		return fmt.Errorf("webhooks.backoff_base must not be negative")
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}

	if c.Health.UptimeWindow < c.Health.CheckInterval {
		return fmt.Errorf("health.uptime_window must not be shorter than health.check_interval")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
