package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "prospectd.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PROSPECTD_PORT")
	setString(&cfg.Server.CORSOrigin, "PROSPECTD_CORS_ORIGIN")
	setString(&cfg.Store.Backend, "PROSPECTD_STORE_BACKEND")
	setString(&cfg.Store.Dir, "PROSPECTD_STORE_DIR")
	setString(&cfg.Store.Bucket, "PROSPECTD_STORE_BUCKET")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "PROSPECTD_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "PROSPECTD_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "PROSPECTD_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "PROSPECTD_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "PROSPECTD_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setBool(&cfg.NATS.Relay, "PROSPECTD_NATS_RELAY")
	setDuration(&cfg.Queue.StaleAfter, "PROSPECTD_STALE_AFTER")
	setDuration(&cfg.Bus.Retention, "PROSPECTD_BUS_RETENTION")
	setInt(&cfg.Bus.MaxEvents, "PROSPECTD_BUS_MAX_EVENTS")
	setDuration(&cfg.Bus.PollTimeout, "PROSPECTD_BUS_POLL_TIMEOUT")
	setDuration(&cfg.Bus.WebhookTimeout, "PROSPECTD_BUS_WEBHOOK_TIMEOUT")
	setString(&cfg.Logging.Level, "PROSPECTD_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PROSPECTD_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PROSPECTD_LOG_ASYNC")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Backend {
	case "fs":
		if cfg.Store.Dir == "" {
			return errors.New("store.dir is required for the fs backend")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres backend")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required for the nats backend")
		}
		if cfg.Store.Bucket == "" {
			return errors.New("store.bucket is required for the nats backend")
		}
	default:
		return fmt.Errorf("store.backend %q must be one of fs, postgres, nats", cfg.Store.Backend)
	}
	if cfg.NATS.Relay && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats.relay is enabled")
	}
	if cfg.Queue.StaleAfter <= 0 {
		return errors.New("queue.stale_after must be positive")
	}
	if cfg.Bus.MaxEvents < 1 {
		return errors.New("bus.max_events must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
