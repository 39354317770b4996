// Package config loads gateway configuration from environment variables.
// A .env file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration.
type Config struct {
	// HTTP and streaming endpoints
	HTTPPort      int
	WebSocketHost string
	WebSocketPort int

	// Internal pub/sub endpoint. When BusHost is empty the in-process bus is
	// used; when set, ticks are carried over Redis pub/sub at BusHost:BusPort.
	BusHost string
	BusPort int

	// Rate limits in "N per <unit>" form, e.g. "10 per second".
	OrderRateLimit      string
	SmartOrderRateLimit string
	APIRateLimit        string
	LoginRateLimitMin   string
	LoginRateLimitHour  string
	ResetRateLimit      string

	// Daily broker session cutoff, "HH:MM" in the gateway timezone.
	SessionExpiryTime string

	// Service account whose broker session prices sandbox fills.
	SandboxQuoteUser string

	// Secrets. Both are required and must be 32 bytes of randomness.
	APIKeyPepper string
	AppKey       string

	// Persistent stores
	DatabaseURL        string
	SandboxDatabaseURL string
	LatencyDatabaseURL string

	Timezone string
	LogLevel string
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:      getEnvAsInt("HTTP_PORT", 5000),
		WebSocketHost: getEnv("WEBSOCKET_HOST", "127.0.0.1"),
		WebSocketPort: getEnvAsInt("WEBSOCKET_PORT", 8765),

		BusHost: getEnv("BUS_HOST", ""),
		BusPort: getEnvAsInt("BUS_PORT", 6379),

		OrderRateLimit:      getEnv("ORDER_RATE_LIMIT", "10 per second"),
		SmartOrderRateLimit: getEnv("SMART_ORDER_RATE_LIMIT", "2 per second"),
		APIRateLimit:        getEnv("API_RATE_LIMIT", "50 per second"),
		LoginRateLimitMin:   getEnv("LOGIN_RATE_LIMIT_MIN", "5 per minute"),
		LoginRateLimitHour:  getEnv("LOGIN_RATE_LIMIT_HOUR", "25 per hour"),
		ResetRateLimit:      getEnv("RESET_RATE_LIMIT", "15 per hour"),

		SessionExpiryTime: getEnv("SESSION_EXPIRY_TIME", "03:00"),
		SandboxQuoteUser:  getEnv("SANDBOX_QUOTE_USER", "admin"),

		APIKeyPepper: os.Getenv("API_KEY_PEPPER"),
		AppKey:       os.Getenv("APP_KEY"),

		DatabaseURL:        getEnv("DATABASE_URL", "data/tradegate.db"),
		SandboxDatabaseURL: getEnv("SANDBOX_DATABASE_URL", "data/sandbox.db"),
		LatencyDatabaseURL: getEnv("LATENCY_DATABASE_URL", "data/latency.db"),

		Timezone: getEnv("TZ", "Asia/Kolkata"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value formats.
func (c *Config) Validate() error {
	if c.APIKeyPepper == "" {
		return fmt.Errorf("API_KEY_PEPPER is required (32 random bytes)")
	}
	if c.AppKey == "" {
		return fmt.Errorf("APP_KEY is required (32 random bytes)")
	}
	if len(c.APIKeyPepper) < 32 {
		return fmt.Errorf("API_KEY_PEPPER must be at least 32 bytes, got %d", len(c.APIKeyPepper))
	}
	if len(c.AppKey) < 32 {
		return fmt.Errorf("APP_KEY must be at least 32 bytes, got %d", len(c.AppKey))
	}
	if _, err := ParseClock(c.SessionExpiryTime); err != nil {
		return fmt.Errorf("SESSION_EXPIRY_TIME: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TZ: unknown timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the gateway timezone. Validate guarantees it resolves.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BusAddr returns the Redis bus endpoint, or "" when the in-process bus is used.
func (c *Config) BusAddr() string {
	if c.BusHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.BusHost, c.BusPort)
}

// Clock is a time-of-day cutoff (hour and minute).
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses an "HH:MM" string.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// NextAfter returns the first instant after now at the clock time in loc.
func (c Clock) NextAfter(now time.Time, loc *time.Location) time.Time {
	now = now.In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), c.Hour, c.Minute, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
