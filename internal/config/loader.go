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
const DefaultConfigFile = "stageflow.yaml"

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
	setString(&cfg.Server.Port, "STAGEFLOW_PORT")
	setString(&cfg.Server.CORSOrigin, "STAGEFLOW_CORS_ORIGIN")
	setDuration(&cfg.Server.RequestTimeout, "STAGEFLOW_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.IdempotencyTTL, "STAGEFLOW_IDEMPOTENCY_TTL")

	setString(&cfg.Store.Driver, "STAGEFLOW_STORE_DRIVER")
	setString(&cfg.Store.SQLitePath, "STAGEFLOW_SQLITE_PATH")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "STAGEFLOW_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "STAGEFLOW_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "STAGEFLOW_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "STAGEFLOW_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "STAGEFLOW_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setBool(&cfg.NATS.Enabled, "STAGEFLOW_NATS_ENABLED")

	setString(&cfg.Logging.Level, "STAGEFLOW_LOG_LEVEL")
	setString(&cfg.Logging.Service, "STAGEFLOW_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "STAGEFLOW_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "STAGEFLOW_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "STAGEFLOW_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "STAGEFLOW_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.RecipeTTL, "STAGEFLOW_CACHE_RECIPE_TTL")
	setString(&cfg.Cache.L2Bucket, "STAGEFLOW_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "STAGEFLOW_CACHE_L2_TTL")

	// Rescue and workers
	setDuration(&cfg.Rescue.Interval, "STAGEFLOW_RESCUE_INTERVAL")
	setDuration(&cfg.Rescue.StuckThreshold, "STAGEFLOW_STUCK_THRESHOLD")
	setDuration(&cfg.Workers.LivenessWindow, "STAGEFLOW_WORKER_LIVENESS_WINDOW")

	// OpenTelemetry
	setBool(&cfg.OTel.Enabled, "STAGEFLOW_OTEL_ENABLED")
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTel.ServiceName, "STAGEFLOW_OTEL_SERVICE_NAME")
	setBool(&cfg.OTel.Insecure, "STAGEFLOW_OTEL_INSECURE")
	setFloat64(&cfg.OTel.SampleRate, "STAGEFLOW_OTEL_SAMPLE_RATE")

	// MCP
	setBool(&cfg.MCP.Enabled, "STAGEFLOW_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "STAGEFLOW_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "STAGEFLOW_MCP_API_KEY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Driver {
	case DriverPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case DriverSQLite:
		if cfg.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rescue.Interval <= 0 {
		return errors.New("rescue.interval must be positive")
	}
	if cfg.Rescue.StuckThreshold <= 0 {
		return errors.New("rescue.stuck_threshold must be positive")
	}
	if cfg.Workers.LivenessWindow <= 0 {
		return errors.New("workers.liveness_window must be positive")
	}
	if cfg.OTel.SampleRate < 0 || cfg.OTel.SampleRate > 1 {
		return errors.New("otel.sample_rate must be within [0, 1]")
	}
	if cfg.MCP.Enabled && cfg.MCP.Addr == "" {
		return errors.New("mcp.addr is required")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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
