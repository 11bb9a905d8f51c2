package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Gateway.SharedSecret = "secret"
	cfg.AI.Profiles = []AIProfile{
		{ID: "primary", Provider: "anthropic", APIKey: "key", Priority: 1},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8420, cfg.Gateway.Port)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 8, cfg.Bridge.QueueSize)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Turn.Model)
	assert.NotEmpty(t, cfg.Session.CleanupSchedule)
}

func TestConfigStringRedactsSecrets(t *testing.T) {
	cfg := validConfig()
	out := cfg.String()

	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, `"key"`)
	assert.Contains(t, out, "[redacted]")

	// Redaction must not mutate the config itself.
	assert.Equal(t, "secret", cfg.Gateway.SharedSecret)
	assert.Equal(t, "key", cfg.AI.Profiles[0].APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad gateway port", func(c *Config) { c.Gateway.Port = 0 }, "invalid port"},
		{"missing shared secret", func(c *Config) { c.Gateway.SharedSecret = "" }, "shared_secret"},
		{"zero bridge queue", func(c *Config) { c.Bridge.QueueSize = 0 }, "queue_size"},
		{"zero submit timeout", func(c *Config) { c.Bridge.SubmitTimeoutSeconds = 0 }, "submit_timeout"},
		{"zero max attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }, "max_attempts"},
		{"zero attempt timeout", func(c *Config) { c.Pipeline.AttemptTimeoutSeconds = 0 }, "attempt_timeout"},
		{"missing model", func(c *Config) { c.Turn.Model = "" }, "model"},
		{"temperature out of range", func(c *Config) { c.Turn.Temperature = 1.2 }, "temperature"},
		{"no ai profiles", func(c *Config) { c.AI.Profiles = nil }, "at least one profile"},
		{"profile without id", func(c *Config) { c.AI.Profiles[0].ID = "" }, "id is required"},
		{"profile without key", func(c *Config) { c.AI.Profiles[0].APIKey = "" }, "api_key"},
		{"unknown provider", func(c *Config) { c.AI.Profiles[0].Provider = "gemini" }, "invalid provider"},
		{"duplicate profile ids", func(c *Config) {
			c.AI.Profiles = append(c.AI.Profiles, c.AI.Profiles[0])
		}, "duplicate"},
		{"bad cron schedule", func(c *Config) { c.Session.CleanupSchedule = "not a schedule" }, "cleanup_schedule"},
		{"negative retention", func(c *Config) { c.History.RetentionDays = -1 }, "retention_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
