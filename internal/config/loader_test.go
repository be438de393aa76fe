package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Store.Backend != "fs" {
		t.Errorf("expected fs backend, got %s", cfg.Store.Backend)
	}
	if cfg.Queue.StaleAfter != 30*time.Minute {
		t.Errorf("expected stale_after 30m, got %v", cfg.Queue.StaleAfter)
	}
	if cfg.Bus.MaxEvents != 1000 {
		t.Errorf("expected max_events 1000, got %d", cfg.Bus.MaxEvents)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
  cors_origin: "http://example.com"
store:
  backend: "postgres"
queue:
  stale_after: 5m
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Store.Backend != "postgres" {
		t.Errorf("expected postgres backend, got %s", cfg.Store.Backend)
	}
	if cfg.Queue.StaleAfter != 5*time.Minute {
		t.Errorf("expected stale_after 5m, got %v", cfg.Queue.StaleAfter)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("PROSPECTD_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("PROSPECTD_STORE_BACKEND", "nats")
	t.Setenv("PROSPECTD_STALE_AFTER", "1h")
	t.Setenv("PROSPECTD_BUS_MAX_EVENTS", "50")
	t.Setenv("PROSPECTD_LOG_LEVEL", "warn")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Store.Backend != "nats" {
		t.Errorf("expected nats backend, got %s", cfg.Store.Backend)
	}
	if cfg.Queue.StaleAfter != time.Hour {
		t.Errorf("expected stale_after 1h, got %v", cfg.Queue.StaleAfter)
	}
	if cfg.Bus.MaxEvents != 50 {
		t.Errorf("expected max_events 50, got %d", cfg.Bus.MaxEvents)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
}

func TestValidateBackends(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, true},
		{"fs without dir", func(c *Config) { c.Store.Dir = "" }, true},
		{"postgres without dsn", func(c *Config) {
			c.Store.Backend = "postgres"
			c.Postgres.DSN = ""
		}, true},
		{"nats without url", func(c *Config) {
			c.Store.Backend = "nats"
			c.NATS.URL = ""
		}, true},
		{"relay without url", func(c *Config) {
			c.NATS.Relay = true
			c.NATS.URL = ""
		}, true},
		{"non-positive stale_after", func(c *Config) { c.Queue.StaleAfter = 0 }, true},
		{"missing port", func(c *Config) { c.Server.Port = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := validate(&cfg)
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoadFromFullHierarchy(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "prospectd.yaml")
	content := `
server:
  port: "9090"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	// ENV wins over YAML which wins over defaults.
	t.Setenv("PROSPECTD_PORT", "7070")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected env port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Store.Backend != "fs" {
		t.Errorf("expected default backend fs, got %s", cfg.Store.Backend)
	}
}
