// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage. Empty DatabaseURL selects the in-memory stores.
	DatabaseURL string
	RedisURL    string // optional; enables the distributed lock

	// Security
	JWTSecret string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Custody backend. Empty CustodyURL selects the in-memory backend.
	CustodyURL         string
	CustodyAPIKey      string
	CustodyMaxAttempts int
	CustodyBaseDelay   time.Duration

	// Escrow and dispute policy windows
	AutoReleaseWindow time.Duration
	ResponseWindow    time.Duration
	EvidenceWindow    time.Duration
	ResolutionWindow  time.Duration

	// Arbitration
	MaxActivePerAdmin int

	// Judgment policy
	RequireBothPartiesEvidence bool
	RejectLateEvidence         bool

	// Timer service
	SchedulerInterval    time.Duration
	SchedulerMaxAttempts int

	// Cron spec for maintenance jobs (robfig/cron, seconds field enabled)
	MaintenanceSchedule string

	// Notification outbox
	RelayInterval   time.Duration
	OutboxRetention time.Duration

	// HTTP edge
	CORSOrigins  []string
	RateLimitRPM int
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultAutoReleaseWindow    = 30 * time.Minute
	DefaultResponseWindow       = 24 * time.Hour
	DefaultEvidenceWindow       = 48 * time.Hour
	DefaultResolutionWindow     = 72 * time.Hour
	DefaultMaxActivePerAdmin    = 10
	DefaultCustodyMaxAttempts   = 3
	DefaultCustodyBaseDelay     = 200 * time.Millisecond
	DefaultSchedulerInterval    = time.Second
	DefaultSchedulerMaxAttempts = 8
	DefaultMaintenanceSchedule  = "0 */5 * * * *"
	DefaultRelayInterval        = time.Second
	DefaultOutboxRetention      = 7 * 24 * time.Hour
	DefaultRateLimitRPM         = 120

	// devJWTSecret is accepted only outside production.
	devJWTSecret = "tradeguard-dev-secret-change-me"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                       getEnv("PORT", DefaultPort),
		Env:                        getEnv("ENV", DefaultEnv),
		LogLevel:                   getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                  getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisURL:                   os.Getenv("REDIS_URL"),
		JWTSecret:                  getEnv("JWT_SECRET", devJWTSecret),
		OTLPEndpoint:               os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:           getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		CustodyURL:                 os.Getenv("CUSTODY_URL"),
		CustodyAPIKey:              os.Getenv("CUSTODY_API_KEY"),
		CustodyMaxAttempts:         int(getEnvInt64("CUSTODY_MAX_ATTEMPTS", DefaultCustodyMaxAttempts)),
		CustodyBaseDelay:           getEnvDuration("CUSTODY_BASE_DELAY", DefaultCustodyBaseDelay),
		AutoReleaseWindow:          getEnvDuration("AUTO_RELEASE_WINDOW", DefaultAutoReleaseWindow),
		ResponseWindow:             getEnvDuration("RESPONSE_WINDOW", DefaultResponseWindow),
		EvidenceWindow:             getEnvDuration("EVIDENCE_WINDOW", DefaultEvidenceWindow),
		ResolutionWindow:           getEnvDuration("RESOLUTION_WINDOW", DefaultResolutionWindow),
		MaxActivePerAdmin:          int(getEnvInt64("MAX_ACTIVE_PER_ADMIN", DefaultMaxActivePerAdmin)),
		RequireBothPartiesEvidence: getEnvBool("REQUIRE_BOTH_PARTIES_EVIDENCE", true),
		RejectLateEvidence:         getEnvBool("REJECT_LATE_EVIDENCE", false),
		SchedulerInterval:          getEnvDuration("SCHEDULER_INTERVAL", DefaultSchedulerInterval),
		SchedulerMaxAttempts:       int(getEnvInt64("SCHEDULER_MAX_ATTEMPTS", DefaultSchedulerMaxAttempts)),
		MaintenanceSchedule:        getEnv("MAINTENANCE_SCHEDULE", DefaultMaintenanceSchedule),
		RelayInterval:              getEnvDuration("RELAY_INTERVAL", DefaultRelayInterval),
		OutboxRetention:            getEnvDuration("OUTBOX_RETENTION", DefaultOutboxRetention),
		CORSOrigins:                getEnvList("CORS_ORIGINS", []string{"*"}),
		RateLimitRPM:               int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWTSecret == "" || c.JWTSecret == devJWTSecret {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}

	windows := []struct {
		name string
		d    time.Duration
	}{
		{"AUTO_RELEASE_WINDOW", c.AutoReleaseWindow},
		{"RESPONSE_WINDOW", c.ResponseWindow},
		{"EVIDENCE_WINDOW", c.EvidenceWindow},
		{"RESOLUTION_WINDOW", c.ResolutionWindow},
		{"SCHEDULER_INTERVAL", c.SchedulerInterval},
		{"RELAY_INTERVAL", c.RelayInterval},
		{"OUTBOX_RETENTION", c.OutboxRetention},
	}
	for _, w := range windows {
		if w.d <= 0 {
			return fmt.Errorf("%s must be positive", w.name)
		}
	}

	if c.MaxActivePerAdmin < 1 {
		return fmt.Errorf("MAX_ACTIVE_PER_ADMIN must be at least 1")
	}
	if c.CustodyMaxAttempts < 1 {
		return fmt.Errorf("CUSTODY_MAX_ATTEMPTS must be at least 1")
	}
	if c.SchedulerMaxAttempts < 1 {
		return fmt.Errorf("SCHEDULER_MAX_ATTEMPTS must be at least 1")
	}
	if c.CustodyURL != "" && !strings.HasPrefix(c.CustodyURL, "http") {
		return fmt.Errorf("CUSTODY_URL must be an http(s) URL")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1")
	}
	if _, err := cronParser.Parse(c.MaintenanceSchedule); err != nil {
		return fmt.Errorf("MAINTENANCE_SCHEDULE is not a valid cron spec: %w", err)
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

// cronParser matches cron.WithSeconds used by the maintenance runner.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
