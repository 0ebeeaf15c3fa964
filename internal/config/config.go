// Package config provides environment-aware configuration management
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConnections int
	IdleTimeout    time.Duration
}

// DSN returns the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// CacheConfig holds cache layer settings.
type CacheConfig struct {
	Enabled       bool
	Provider      string // memory, redis, noop
	Strategy      string // fixed, adaptive
	DefaultTTL    time.Duration
	MaxEntries    int
	MaxMemoryMB   int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	Enabled            bool
	MaxConcurrentTasks int
	DefaultTimeout     time.Duration
	EnableLogging      bool
	RunOnStart         bool
	DistributedLocking bool
	LockTimeout        time.Duration
	LockRetryInterval  time.Duration
}

// LockConfig holds advisory lock settings.
type LockConfig struct {
	Enabled       bool
	KeyPrefix     uint32
	Timeout       time.Duration
	RetryInterval time.Duration
}

// Config holds all application configuration
type Config struct {
	Env Environment

	Database  DatabaseConfig
	LogLevel  string
	LogFormat string
	Cache     CacheConfig
	Scheduler SchedulerConfig
	Lock      LockConfig

	// Entity store
	SaveTimeout time.Duration
}

// Load loads configuration based on the APP_ENV environment variable.
func Load() (*Config, error) {
	envStr := os.Getenv("APP_ENV")
	if envStr == "" {
		envStr = string(Development)
	}

	env := Environment(strings.ToLower(envStr))
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid APP_ENV: %s (must be development, testing, or production)", envStr)
	}

	// Load environment-specific .env file
	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		// Config file is optional; only warn on non-"file not found" errors
		// (e.g. parse errors) to avoid noisy logs during tests and CI runs.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	c.Database = DatabaseConfig{
		Host:           getEnv("DATABASE_HOST", "localhost"),
		Port:           getIntEnv("DATABASE_PORT", 5432),
		User:           getEnv("DATABASE_USER", "postgres"),
		Password:       getEnv("DATABASE_PASSWORD", ""),
		Name:           getEnv("DATABASE_NAME", "entity_layer"),
		SSLMode:        getEnv("DATABASE_SSL_MODE", "disable"),
		MaxConnections: getIntEnv("DATABASE_MAX_CONNECTIONS", 20),
		IdleTimeout:    getDurationEnv("DATABASE_IDLE_TIMEOUT", 5*time.Minute),
	}

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.Cache = CacheConfig{
		Enabled:       getBoolEnv("CACHE_ENABLED", true),
		Provider:      getEnv("CACHE_PROVIDER", "memory"),
		Strategy:      getEnv("CACHE_STRATEGY", "fixed"),
		DefaultTTL:    getDurationEnv("CACHE_DEFAULT_TTL", 5*time.Minute),
		MaxEntries:    getIntEnv("CACHE_MAX_ENTRIES", 10000),
		MaxMemoryMB:   getIntEnv("CACHE_MAX_MEMORY_MB", 256),
		RedisAddr:     getEnv("CACHE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("CACHE_REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("CACHE_REDIS_DB", 0),
	}

	c.Scheduler = SchedulerConfig{
		Enabled:            getBoolEnv("SCHEDULER_ENABLED", true),
		MaxConcurrentTasks: getIntEnv("SCHEDULER_MAX_CONCURRENT_TASKS", 10),
		DefaultTimeout:     getDurationEnv("SCHEDULER_DEFAULT_TIMEOUT", 30*time.Second),
		EnableLogging:      getBoolEnv("SCHEDULER_ENABLE_LOGGING", true),
		RunOnStart:         getBoolEnv("SCHEDULER_RUN_ON_START", false),
		DistributedLocking: getBoolEnv("SCHEDULER_DISTRIBUTED_LOCKING", true),
		LockTimeout:        getDurationEnv("SCHEDULER_LOCK_TIMEOUT", 0),
		LockRetryInterval:  getDurationEnv("SCHEDULER_LOCK_RETRY_INTERVAL", 100*time.Millisecond),
	}

	c.Lock = LockConfig{
		Enabled:       getBoolEnv("LOCK_ENABLED", true),
		KeyPrefix:     uint32(getIntEnv("LOCK_KEY_PREFIX", 0x42554E53)),
		Timeout:       getDurationEnv("LOCK_TIMEOUT", 0),
		RetryInterval: getDurationEnv("LOCK_RETRY_INTERVAL", 100*time.Millisecond),
	}

	c.SaveTimeout = getDurationEnv("SAVE_TIMEOUT", 30*time.Second)

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Env == Development
}

// IsTesting returns true if running in testing environment
func (c *Config) IsTesting() bool {
	return c.Env == Testing
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Env == Production
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("DATABASE_HOST is required")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid DATABASE_PORT: %d", c.Database.Port)
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("DATABASE_MAX_CONNECTIONS must be at least 1")
	}
	switch c.Cache.Provider {
	case "memory", "redis", "noop":
	default:
		return fmt.Errorf("invalid CACHE_PROVIDER: %s (must be memory, redis, or noop)", c.Cache.Provider)
	}
	switch c.Cache.Strategy {
	case "fixed", "adaptive":
	default:
		return fmt.Errorf("invalid CACHE_STRATEGY: %s (must be fixed or adaptive)", c.Cache.Strategy)
	}
	if c.Scheduler.MaxConcurrentTasks < 1 {
		return fmt.Errorf("SCHEDULER_MAX_CONCURRENT_TASKS must be at least 1")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
