// Package config handles application configuration from environment variables
// and the scoring policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis for raid windows and attempt limits (optional)

	// Policy
	PolicyFile         string // YAML/TOML/JSON scoring policy (optional, defaults apply)
	InfraFailurePolicy string // "open" or "closed"

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPM int
	CORSOrigins  []string // allowed dashboard origins, "*" for any

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Discord bridge (optional)
	DiscordToken          string
	DiscordApprovedRole   string
	DiscordReviewRole     string
	DiscordChallengeRole  string
	DiscordAlertChannel   string
	DiscordEventTimeoutMS int

	// Remote API, for the standalone bot and MCP server
	APIURL string
	APIKey string
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultRateLimit   = 600
	DefaultInfraPolicy = "open"
	DefaultAPIURL      = "http://localhost:8080"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		PolicyFile:            os.Getenv("POLICY_FILE"),
		InfraFailurePolicy:    strings.ToLower(getEnv("INFRA_FAILURE_POLICY", DefaultInfraPolicy)),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:           strings.Split(getEnv("CORS_ORIGINS", "*"), ","),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:      getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		DiscordToken:          os.Getenv("DISCORD_TOKEN"),
		DiscordApprovedRole:   os.Getenv("DISCORD_APPROVED_ROLE"),
		DiscordReviewRole:     os.Getenv("DISCORD_REVIEW_ROLE"),
		DiscordChallengeRole:  os.Getenv("DISCORD_CHALLENGE_ROLE"),
		DiscordAlertChannel:   os.Getenv("DISCORD_ALERT_CHANNEL"),
		DiscordEventTimeoutMS: int(getEnvInt64("DISCORD_EVENT_TIMEOUT_MS", 15000)),
		APIURL:                getEnv("GUILDGATE_API_URL", DefaultAPIURL),
		APIKey:                os.Getenv("GUILDGATE_API_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.InfraFailurePolicy != "open" && c.InfraFailurePolicy != "closed" {
		return fmt.Errorf("INFRA_FAILURE_POLICY must be open or closed, got %q", c.InfraFailurePolicy)
	}
	if c.IsProduction() && len(c.AdminSecret) < 16 {
		return fmt.Errorf("ADMIN_SECRET of at least 16 characters is required in production")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
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
