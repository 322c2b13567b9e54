// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	Version   string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // validation result cache (optional)
	CacheTTL    time.Duration

	// Alerts
	NATSURL            string // optional, alerts go to the log if not set
	AlertSubject       string
	AlertWebhookURL    string // optional, alerts are also POSTed here
	AlertWebhookSecret string

	// Referral graph
	Neo4jURI      string
	Neo4jUsername string
	Neo4jPassword string
	Neo4jDatabase string

	// Observability
	SentryDSN    string
	OTLPEndpoint string

	// Security
	APIKeys            []string
	AdminSecret        string
	RateLimitRPS       int
	CORSAllowedOrigins []string

	// Risk pipeline
	CheckTimeout      time.Duration
	EvaluationTimeout time.Duration
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRateLimit         = 100
	DefaultCacheTTL          = 60 * time.Second
	DefaultAlertSubject      = "refguard.admin.alerts"
	DefaultNeo4jDatabase     = "neo4j"
	DefaultCheckTimeout      = 2 * time.Second
	DefaultEvaluationTimeout = 10 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		Version:            getEnv("VERSION", "dev"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		CacheTTL:           getEnvDuration("CACHE_TTL", DefaultCacheTTL),
		NATSURL:            os.Getenv("NATS_URL"),
		AlertSubject:       getEnv("ALERT_SUBJECT", DefaultAlertSubject),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: os.Getenv("ALERT_WEBHOOK_SECRET"),
		Neo4jURI:           os.Getenv("NEO4J_URI"),
		Neo4jUsername:      os.Getenv("NEO4J_USERNAME"),
		Neo4jPassword:      os.Getenv("NEO4J_PASSWORD"),
		Neo4jDatabase:      getEnv("NEO4J_DATABASE", DefaultNeo4jDatabase),
		SentryDSN:          os.Getenv("SENTRY_DSN"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		APIKeys:            getEnvList("API_KEYS"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		CheckTimeout:       getEnvDuration("CHECK_TIMEOUT", DefaultCheckTimeout),
		EvaluationTimeout:  getEnvDuration("EVALUATION_TIMEOUT", DefaultEvaluationTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("API_KEYS must contain at least one key in production")
		}
	}

	if c.CheckTimeout <= 0 {
		return fmt.Errorf("CHECK_TIMEOUT must be positive")
	}
	if c.EvaluationTimeout <= 0 {
		return fmt.Errorf("EVALUATION_TIMEOUT must be positive")
	}
	if c.CheckTimeout >= c.EvaluationTimeout {
		return fmt.Errorf("CHECK_TIMEOUT (%s) must be below EVALUATION_TIMEOUT (%s)", c.CheckTimeout, c.EvaluationTimeout)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("CACHE_TTL must not be negative")
	}
	if c.AlertWebhookURL != "" {
		if u, err := url.Parse(c.AlertWebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ALERT_WEBHOOK_URL must be an absolute http(s) URL")
		}
	}
	if c.Neo4jURI != "" && c.Neo4jUsername == "" {
		return fmt.Errorf("NEO4J_USERNAME is required when NEO4J_URI is set")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
