package config

import (
	"encoding/json"
)

// Config is the main Vizier configuration.
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Execution bridge
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`

	// Script pipeline
	Pipeline PipelineConfig `json:"pipeline" mapstructure:"pipeline"`

	// Turn runner / model
	Turn TurnConfig `json:"turn" mapstructure:"turn"`

	// AI credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Transcript persistence
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Attempt history
	History HistoryConfig `json:"history" mapstructure:"history"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port           int    `json:"port" mapstructure:"port"`
	Host           string `json:"host" mapstructure:"host"`
	SharedSecret   string `json:"shared_secret" mapstructure:"shared_secret"`
	OutboundBuffer int    `json:"outbound_buffer" mapstructure:"outbound_buffer"`
}

// BridgeConfig holds execution bridge configuration
type BridgeConfig struct {
	QueueSize            int `json:"queue_size" mapstructure:"queue_size"`
	SubmitTimeoutSeconds int `json:"submit_timeout_seconds" mapstructure:"submit_timeout_seconds"`
}

// PipelineConfig holds script pipeline configuration
type PipelineConfig struct {
	MaxAttempts           int `json:"max_attempts" mapstructure:"max_attempts"`
	AttemptTimeoutSeconds int `json:"attempt_timeout_seconds" mapstructure:"attempt_timeout_seconds"`
}

// TurnConfig holds model configuration for the turn runner
type TurnConfig struct {
	Model        string  `json:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxRetries   int     `json:"max_retries" mapstructure:"max_retries"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// SessionConfig holds transcript persistence configuration
type SessionConfig struct {
	Dir             string `json:"dir" mapstructure:"dir"`
	StaleAfterDays  int    `json:"stale_after_days" mapstructure:"stale_after_days"`
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// HistoryConfig holds attempt history configuration
type HistoryConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:           8420,
			Host:           "127.0.0.1",
			SharedSecret:   "",
			OutboundBuffer: 64,
		},
		Bridge: BridgeConfig{
			QueueSize:            8,
			SubmitTimeoutSeconds: 30,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:           3,
			AttemptTimeoutSeconds: 10,
		},
		Turn: TurnConfig{
			Model:       "claude-sonnet-4-5",
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxRetries:  3,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Session: SessionConfig{
			StaleAfterDays:  30,
			CleanupSchedule: "0 3 * * *",
		},
		History: HistoryConfig{
			RetentionDays: 14,
		},
	}
}

// String returns a JSON representation of the config with secrets redacted.
func (c *Config) String() string {
	clone := *c
	if clone.Gateway.SharedSecret != "" {
		clone.Gateway.SharedSecret = "[redacted]"
	}
	clone.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		p.APIKey = "[redacted]"
		clone.AI.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(&clone, "", "  ")
	return string(data)
}
