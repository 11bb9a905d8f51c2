package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateGateway(); err != nil {
		return err
	}
	if err := c.validateBridge(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateTurn(); err != nil {
		return err
	}
	if err := c.validateAI(); err != nil {
		return err
	}
	return c.validateSession()
}

func (c *Config) validateGateway() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway: invalid port %d", c.Gateway.Port)
	}
	if c.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway: shared_secret is required")
	}
	if c.Gateway.OutboundBuffer < 0 {
		return fmt.Errorf("gateway: outbound_buffer cannot be negative")
	}
	return nil
}

func (c *Config) validateBridge() error {
	if c.Bridge.QueueSize <= 0 {
		return fmt.Errorf("bridge: queue_size must be positive")
	}
	if c.Bridge.SubmitTimeoutSeconds <= 0 {
		return fmt.Errorf("bridge: submit_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline: max_attempts must be at least 1")
	}
	if c.Pipeline.AttemptTimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline: attempt_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateTurn() error {
	if c.Turn.Model == "" {
		return fmt.Errorf("turn: model is required")
	}
	if c.Turn.Temperature < 0 || c.Turn.Temperature > 1 {
		return fmt.Errorf("turn: temperature must be between 0 and 1")
	}
	if c.Turn.MaxTokens < 0 {
		return fmt.Errorf("turn: max_tokens cannot be negative")
	}
	return nil
}

func (c *Config) validateAI() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("ai: at least one profile is required")
	}

	seen := map[string]bool{}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("ai: profile %d: id is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("ai: duplicate profile id %q", profile.ID)
		}
		seen[profile.ID] = true

		if profile.APIKey == "" {
			return fmt.Errorf("ai: profile %s: api_key is required", profile.ID)
		}
		switch profile.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("ai: profile %s: invalid provider %q (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.StaleAfterDays < 0 {
		return fmt.Errorf("session: stale_after_days cannot be negative")
	}
	if c.Session.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.Session.CleanupSchedule); err != nil {
			return fmt.Errorf("session: invalid cleanup_schedule: %w", err)
		}
	}
	if c.History.RetentionDays < 0 {
		return fmt.Errorf("history: retention_days cannot be negative")
	}
	return nil
}
