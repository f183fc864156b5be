package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Backend selection
	DataBackend   string
	SQLiteDBPath  string
	DataDirectory string

	// AMQP payment events; empty URL disables publishing
	AMQPURL        string
	AMQPExchange   string
	AMQPQueue      string
	AMQPRoutingKey string

	// Redis run lock; empty address falls back to an in-process lock
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RunLockTTL    time.Duration

	// Payment worker
	PaymentRunInterval time.Duration
	RunOnStartup       bool
	PaymentWorkers     int
	CallTimeout        time.Duration
	OverdueGracePeriod time.Duration

	// Category cache
	CategoryCacheTTL  time.Duration
	CategoryCacheSize int

	LogLevel string
}

func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8081"),

		DataBackend:   getEnv("DATA_BACKEND", "sqlite"),
		SQLiteDBPath:  getEnv("SQLITE_DB_PATH", "./data/loanledger.db"),
		DataDirectory: getEnv("MEMORY_DATA_DIR", "data"),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "loanledger"),
		AMQPQueue:      getEnv("AMQP_QUEUE", "payment_events"),
		AMQPRoutingKey: getEnv("AMQP_ROUTING_KEY", "payment.#"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RunLockTTL:    getEnvDuration("RUN_LOCK_TTL", 30*time.Minute),

		PaymentRunInterval: getEnvDuration("PAYMENT_RUN_INTERVAL", 24*time.Hour),
		RunOnStartup:       getEnvBool("PAYMENT_RUN_ON_STARTUP", true),
		PaymentWorkers:     getEnvInt("PAYMENT_WORKERS", 4),
		CallTimeout:        getEnvDuration("CALL_TIMEOUT", 10*time.Second),
		OverdueGracePeriod: getEnvDuration("OVERDUE_GRACE_PERIOD", 0),

		CategoryCacheTTL:  getEnvDuration("CATEGORY_CACHE_TTL", time.Hour),
		CategoryCacheSize: getEnvInt("CATEGORY_CACHE_SIZE", 1000),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// EventsEnabled reports whether payment events are published.
func (c *Config) EventsEnabled() bool {
	return c.AMQPURL != ""
}

// Validate validates the configuration and returns an error listing every problem.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	switch c.DataBackend {
	case "memory":
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of [memory sqlite]", c.DataBackend))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errors = append(errors, fmt.Sprintf("invalid Redis address '%s': must be host:port", c.RedisAddr))
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			errors = append(errors, fmt.Sprintf("invalid Redis DB %d: must be between 0 and 15", c.RedisDB))
		}
	}
	if c.RunLockTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid run lock TTL %v: must be at least 1 minute", c.RunLockTTL))
	}

	if c.PaymentRunInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid payment run interval %v: must be at least 1 minute", c.PaymentRunInterval))
	} else if c.PaymentRunInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid payment run interval %v: must be at most 24 hours", c.PaymentRunInterval))
	}
	if c.PaymentWorkers < 1 || c.PaymentWorkers > 64 {
		errors = append(errors, fmt.Sprintf("invalid payment workers %d: must be between 1 and 64", c.PaymentWorkers))
	}
	if c.CallTimeout < 100*time.Millisecond {
		errors = append(errors, fmt.Sprintf("invalid call timeout %v: must be at least 100ms", c.CallTimeout))
	}
	if c.OverdueGracePeriod < 0 {
		errors = append(errors, fmt.Sprintf("invalid overdue grace period %v: must not be negative", c.OverdueGracePeriod))
	}

	if c.CategoryCacheTTL <= 0 {
		errors = append(errors, fmt.Sprintf("invalid category cache TTL %v: must be positive", c.CategoryCacheTTL))
	}
	if c.CategoryCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid category cache size %d: must be at least 1", c.CategoryCacheSize))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
