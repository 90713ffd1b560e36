// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFmt   string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Compliance engine settings
	DefaultCurrency  string        // ISO currency code applied when a request omits one
	ExpirySweepEvery time.Duration // interval of the workflow expiry sweeper
	SoDHistoryMaxAge time.Duration // retention of in-memory SoD operation history
	SoDHistoryMaxLen int           // per-scope cap on retained history entries

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing

	// Notification sink
	EventWebhookURL string // optional HTTP sink for engine events

	// Security
	RateLimitRPM   int
	AllowedOrigins []string
	AdminSecret    string // gates segregation-rule and limit administration
}

// Defaults.
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultCurrency         = "KES"
	DefaultExpirySweep      = 30 * time.Second
	DefaultSoDHistoryMaxAge = 30 * 24 * time.Hour
	DefaultSoDHistoryMaxLen = 1000
	DefaultRateLimitRPM     = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFmt:           getEnv("LOG_FORMAT", "text"),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DefaultCurrency:  getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		ExpirySweepEvery: getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweep),
		SoDHistoryMaxAge: getEnvDuration("SOD_HISTORY_MAX_AGE", DefaultSoDHistoryMaxAge),
		SoDHistoryMaxLen: int(getEnvInt64("SOD_HISTORY_MAX_LEN", DefaultSoDHistoryMaxLen)),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EventWebhookURL:  os.Getenv("EVENT_WEBHOOK_URL"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.ExpirySweepEvery <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive")
	}
	if c.SoDHistoryMaxLen <= 0 {
		return fmt.Errorf("SOD_HISTORY_MAX_LEN must be positive")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter ISO code")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := s[start:i]
			for len(part) > 0 && part[0] == ' ' {
				part = part[1:]
			}
			for len(part) > 0 && part[len(part)-1] == ' ' {
				part = part[:len(part)-1]
			}
			if part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
