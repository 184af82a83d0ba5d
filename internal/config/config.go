// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFmt   string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Detection thresholds
	MaxRealisticSpeedKmh   float64
	LargeAmountThreshold   float64
	VelocityCountThreshold int
	CategoryDiversityLimit int
	DefaultTimeframeHours  float64

	// Rate limiting
	RateLimitRPM int
	RedisURL     string // Optional, enables the Redis rate limit backend

	// Enrichment
	GeoIPDBPath string // Optional MaxMind City database path

	// Observability
	OTLPEndpoint string // Optional, enables tracing when set

	// Demo mode seeds an API key at startup and logs it once
	DemoMode bool
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFmt        = "json"
	DefaultRateLimitRPM  = 60
	DefaultMaxSpeedKmh   = 900.0
	DefaultLargeAmount   = 5000.0
	DefaultVelocityCount = 20
	DefaultCategoryLimit = 10
	DefaultTimeframeHrs  = 24.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFmt:                 getEnv("LOG_FORMAT", DefaultLogFmt),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		MaxRealisticSpeedKmh:   getEnvFloat("MAX_REALISTIC_SPEED_KMH", DefaultMaxSpeedKmh),
		LargeAmountThreshold:   getEnvFloat("LARGE_AMOUNT_THRESHOLD", DefaultLargeAmount),
		VelocityCountThreshold: int(getEnvInt64("VELOCITY_COUNT_THRESHOLD", DefaultVelocityCount)),
		CategoryDiversityLimit: int(getEnvInt64("CATEGORY_DIVERSITY_LIMIT", DefaultCategoryLimit)),
		DefaultTimeframeHours:  getEnvFloat("DEFAULT_TIMEFRAME_HOURS", DefaultTimeframeHrs),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RedisURL:               os.Getenv("REDIS_URL"),
		GeoIPDBPath:            os.Getenv("GEOIP_DB_PATH"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DemoMode:               getEnvBool("DEMO_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configured thresholds are usable
func (c *Config) Validate() error {
	if c.MaxRealisticSpeedKmh <= 0 {
		return fmt.Errorf("MAX_REALISTIC_SPEED_KMH must be positive")
	}
	if c.LargeAmountThreshold <= 0 {
		return fmt.Errorf("LARGE_AMOUNT_THRESHOLD must be positive")
	}
	if c.VelocityCountThreshold <= 0 {
		return fmt.Errorf("VELOCITY_COUNT_THRESHOLD must be positive")
	}
	if c.CategoryDiversityLimit <= 0 {
		return fmt.Errorf("CATEGORY_DIVERSITY_LIMIT must be positive")
	}
	if c.DefaultTimeframeHours <= 0 {
		return fmt.Errorf("DEFAULT_TIMEFRAME_HOURS must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
