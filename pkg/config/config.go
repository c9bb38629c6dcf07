package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fileharbor/fileharbor/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Cache configuration
	Cache CacheConfig

	// Resolver configuration
	Resolver ResolverConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
}

// Cache backend types
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendBadger = "badger"
)

// CacheConfig selects and tunes the permission cache backend
type CacheConfig struct {
	Backend string // memory, redis or badger

	// Memory backend
	MaxEntries int

	// Redis backend
	RedisURL string

	// Badger backend
	BadgerDir string

	// TTL for resolved entries, all backends
	TTL time.Duration

	// SweepInterval is the cron cadence of the expiry sweeper; empty
	// disables in-process sweeping.
	SweepInterval string
}

// ResolverConfig tunes resolution behavior
type ResolverConfig struct {
	MaxInheritanceDepth int
	WarmupLimit         int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("FILEHARBOR_HOST", "0.0.0.0"),
			Port:            getEnv("FILEHARBOR_PORT", "8080"),
			ReadTimeout:     getEnvDuration("FILEHARBOR_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("FILEHARBOR_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("FILEHARBOR_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("FILEHARBOR_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("FILEHARBOR_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			PrimaryURL:  getEnv("FILEHARBOR_POSTGRES_URL", ""),
			ReplicaURLs: getEnvList("FILEHARBOR_POSTGRES_REPLICA_URLS"),
			MaxConns:    getEnvInt("FILEHARBOR_DB_MAX_CONNS", 25),
			MinConns:    getEnvInt("FILEHARBOR_DB_MIN_CONNS", 5),
			Timeout:     getEnvDuration("FILEHARBOR_DB_TIMEOUT", 5*time.Second),
		},
		Cache: CacheConfig{
			Backend:       getEnv("FILEHARBOR_CACHE_BACKEND", CacheBackendMemory),
			MaxEntries:    getEnvInt("FILEHARBOR_CACHE_MAX_ENTRIES", 10000),
			RedisURL:      getEnv("FILEHARBOR_REDIS_URL", ""),
			BadgerDir:     getEnv("FILEHARBOR_BADGER_DIR", ""),
			TTL:           getEnvDuration("FILEHARBOR_CACHE_TTL", 5*time.Minute),
			SweepInterval: getEnv("FILEHARBOR_CACHE_SWEEP_INTERVAL", "@every 1m"),
		},
		Resolver: ResolverConfig{
			MaxInheritanceDepth: getEnvInt("FILEHARBOR_MAX_INHERITANCE_DEPTH", 15),
			WarmupLimit:         getEnvInt("FILEHARBOR_WARMUP_LIMIT", 500),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("FILEHARBOR_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("FILEHARBOR_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.PrimaryURL == "" {
		return fmt.Errorf("FILEHARBOR_POSTGRES_URL is required")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache max entries must be positive")
		}
	case CacheBackendRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis cache backend")
		}
	case CacheBackendBadger:
		if c.Cache.BadgerDir == "" {
			return fmt.Errorf("badger directory is required for badger cache backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.Resolver.MaxInheritanceDepth <= 0 {
		return fmt.Errorf("max inheritance depth must be positive")
	}

	return nil
}

// getEnv returns an environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable as a slice
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
