package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9000"
  api_key: "secret-key"
storage:
  database_path: "/tmp/nexus.db"
  queue_path: "/tmp/tasks.db"
health:
  check_interval: 30m
  uptime_window: 240h
webhooks:
  max_attempts: 5
  backoff_base: 30s
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.APIKey != "secret-key" {
		t.Errorf("APIKey = %q", cfg.Server.APIKey)
	}
	if cfg.Health.CheckInterval != 30*time.Minute {
		t.Errorf("CheckInterval = %v", cfg.Health.CheckInterval)
	}
	if cfg.Health.UptimeWindow != 240*time.Hour {
		t.Errorf("UptimeWindow = %v", cfg.Health.UptimeWindow)
	}
	if cfg.Webhooks.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d", cfg.Webhooks.MaxAttempts)
	}
	if cfg.Webhooks.BackoffBase != 30*time.Second {
		t.Errorf("BackoffBase = %v", cfg.Webhooks.BackoffBase)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// Unset sections still get defaults.
	if cfg.Verification.TokenTTL != 48*time.Hour {
		t.Errorf("TokenTTL = %v, want 48h", cfg.Verification.TokenTTL)
	}
	if cfg.Queue.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Queue.Workers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() error = nil for a missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("Load() error = nil for invalid YAML")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.ReadTimeout != 30*time.Second || cfg.Server.IdleTimeout != 60*time.Second {
		t.Errorf("timeouts = %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath != "/var/lib/nexus/nexus.db" {
		t.Errorf("DatabasePath = %q", cfg.Storage.DatabasePath)
	}
	if cfg.Health.UptimeWindow != 720*time.Hour {
		t.Errorf("UptimeWindow = %v", cfg.Health.UptimeWindow)
	}
	if cfg.Webhooks.MaxAttempts != 3 || cfg.Webhooks.BackoffBase != 60*time.Second {
		t.Errorf("Webhooks = %+v", cfg.Webhooks)
	}
	if cfg.Scheduler.SweepInterval != time.Hour || cfg.Scheduler.AnalyticsInterval != 24*time.Hour {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.FailureRetention != 90*24*time.Hour {
		t.Errorf("FailureRetention = %v", cfg.Scheduler.FailureRetention)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "same storage paths",
			mutate:  func(c *Config) { c.Storage.QueuePath = c.Storage.DatabasePath },
			wantErr: "must differ",
		},
		{
			name:    "zero webhook attempts",
			mutate:  func(c *Config) { c.Webhooks.MaxAttempts = -1 },
			wantErr: "max_attempts",
		},
		{
			name:    "negative backoff",
			mutate:  func(c *Config) { c.Webhooks.BackoffBase = -time.Second },
			wantErr: "backoff_base",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Queue.Workers = -2 },
			wantErr: "queue.workers",
		},
		{
			name:    "window shorter than interval",
			mutate:  func(c *Config) { c.Health.UptimeWindow = time.Minute },
			wantErr: "uptime_window",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
