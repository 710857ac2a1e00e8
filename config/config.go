package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverSQLite   = "sqlite"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Storage
	StorageDriver string // "postgres" or "sqlite", default: sqlite
	PostgresDSN   string
	SQLitePath    string // default: data/gateway.db

	// Cache and rate limiting. Both stay in-process when RedisAddr is empty.
	RedisAddr    string
	CacheBackend string // "memory" or "redis", default: memory

	// Providers
	CatalogPath      string  // YAML provider catalog
	TrialCostCeiling float64 // default: 0.001 USD per request

	// Routing
	FailureThreshold int           // default: 3
	FailureWindow    time.Duration // default: 60s
	Cooldown         time.Duration // default: 30s

	// Cost monitor
	CostBreachRatio  float64 // default: 0.35
	CostWindowDays   int     // default: 30
	SnapshotSchedule string  // cron spec, default: "5 0 * * *"
	Location         *time.Location

	// Rate Limiting
	DefaultRateLimitRPM int64 // requests per minute, default: 600

	// Logging
	LogLevel  string // default: info
	LogFormat string // "json" or "console", default: json

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		StorageDriver:        getEnv("STORAGE_DRIVER", StorageDriverSQLite),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		SQLitePath:           getEnv("SQLITE_PATH", "data/gateway.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		CacheBackend:         getEnv("CACHE_BACKEND", CacheBackendMemory),
		CatalogPath:          getEnv("PROVIDER_CATALOG", "providers.yaml"),
		SnapshotSchedule:     getEnv("SNAPSHOT_SCHEDULE", "5 0 * * *"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.TrialCostCeiling, err = getFloat("TRIAL_COST_CEILING", 0.001); err != nil {
		return nil, err
	}
	if cfg.CostBreachRatio, err = getFloat("COST_BREACH_RATIO", 0.35); err != nil {
		return nil, err
	}
	if cfg.FailureThreshold, err = getInt("FAILURE_THRESHOLD", 3); err != nil {
		return nil, err
	}
	if cfg.CostWindowDays, err = getInt("COST_WINDOW_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.FailureWindow, err = getDuration("FAILURE_WINDOW", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.Cooldown, err = getDuration("COOLDOWN", 30*time.Second); err != nil {
		return nil, err
	}

	rpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_RPM", "600"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	cfg.Location, err = time.LoadLocation(getEnv("TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORAGE_DRIVER=postgres")
		}
	case StorageDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER %q", c.StorageDriver)
	}

	switch c.CacheBackend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid CACHE_BACKEND %q", c.CacheBackend)
	}

	if c.CostBreachRatio <= 0 || c.CostBreachRatio >= 1 {
		return fmt.Errorf("COST_BREACH_RATIO must be between 0 and 1, got %v", c.CostBreachRatio)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("FAILURE_THRESHOLD must be at least 1")
	}
	if c.CostWindowDays < 1 {
		return fmt.Errorf("COST_WINDOW_DAYS must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
