package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Env:                  "development",
		JWTSecret:            "0123456789abcdef0123",
		AutoReleaseWindow:    time.Minute,
		ResponseWindow:       time.Hour,
		EvidenceWindow:       time.Hour,
		ResolutionWindow:     time.Hour,
		SchedulerInterval:    time.Second,
		MaxActivePerAdmin:    5,
		CustodyMaxAttempts:   3,
		SchedulerMaxAttempts: 5,
		MaintenanceSchedule:  DefaultMaintenanceSchedule,
		RelayInterval:        time.Second,
		OutboxRetention:      time.Hour,
		RateLimitRPM:         60,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "AUTO_RELEASE_WINDOW", "")
	setEnv(t, "JWT_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultAutoReleaseWindow, cfg.AutoReleaseWindow)
	assert.Equal(t, DefaultMaxActivePerAdmin, cfg.MaxActivePerAdmin)
	assert.True(t, cfg.RequireBothPartiesEvidence)
	assert.False(t, cfg.RejectLateEvidence)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, DefaultOutboxRetention, cfg.OutboxRetention)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "AUTO_RELEASE_WINDOW", "45m")
	setEnv(t, "MAX_ACTIVE_PER_ADMIN", "3")
	setEnv(t, "REJECT_LATE_EVIDENCE", "true")
	setEnv(t, "CUSTODY_BASE_DELAY", "1s")
	setEnv(t, "CORS_ORIGINS", "https://app.example.com, https://admin.example.com,")
	setEnv(t, "MAINTENANCE_SCHEDULE", "@every 10m")
	setEnv(t, "TRACE_SAMPLE_RATIO", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.AutoReleaseWindow)
	assert.Equal(t, 3, cfg.MaxActivePerAdmin)
	assert.True(t, cfg.RejectLateEvidence)
	assert.Equal(t, time.Second, cfg.CustodyBaseDelay)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, "@every 10m", cfg.MaintenanceSchedule)
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "DATABASE_URL", "postgres://localhost/tradeguard")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "short secret",
			mutate:  func(c *Config) { c.JWTSecret = "short" },
			wantErr: "at least 16",
		},
		{
			name:    "zero auto release window",
			mutate:  func(c *Config) { c.AutoReleaseWindow = 0 },
			wantErr: "AUTO_RELEASE_WINDOW",
		},
		{
			name:    "admin cap",
			mutate:  func(c *Config) { c.MaxActivePerAdmin = 0 },
			wantErr: "MAX_ACTIVE_PER_ADMIN",
		},
		{
			name:    "custody url scheme",
			mutate:  func(c *Config) { c.CustodyURL = "custody.internal:9000" },
			wantErr: "CUSTODY_URL",
		},
		{
			name:    "five-field cron spec",
			mutate:  func(c *Config) { c.MaintenanceSchedule = "*/5 * * * *" },
			wantErr: "MAINTENANCE_SCHEDULE",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimitRPM = 0 },
			wantErr: "RATE_LIMIT_RPM",
		},
		{
			name:    "sample ratio above one",
			mutate:  func(c *Config) { c.TraceSampleRatio = 1.5 },
			wantErr: "TRACE_SAMPLE_RATIO",
		},
		{
			name:    "zero relay interval",
			mutate:  func(c *Config) { c.RelayInterval = 0 },
			wantErr: "RELAY_INTERVAL",
		},
		{
			name: "production without database",
			mutate: func(c *Config) {
				c.Env = "production"
				c.JWTSecret = "a-very-long-production-secret"
			},
			wantErr: "DATABASE_URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvironmentHelpers(t *testing.T) {
	c := Config{Env: "production"}
	assert.True(t, c.IsProduction())
	assert.False(t, c.IsDevelopment())
}
