package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	DefaultPort       = 18789
	DefaultRoom       = "default"
	DefaultAgentID    = "unknown_agent"
	DefaultAgentName  = "Unknown Agent"
	DefaultAuthority  = "agent"
	DefaultModelType  = "gpt-4-turbo"
	DefaultAckTimeout = 5000
	DefaultSweep      = 1000
	DefaultQueueSize  = 256
)

// DefaultModels lists the selectable model types.
var DefaultModels = []string{"gpt-4", "gpt-4-turbo", "gpt-3.5"}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	temperature, topP := 0.8, 0.9
	return Config{
		Gateway: GatewayConfig{
			Port: DefaultPort,
			Mode: "local",
			Bind: "loopback",
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
		Transport: TransportConfig{
			Kind: "relay",
			URL:  fmt.Sprintf("ws://127.0.0.1:%d/ws", DefaultPort),
			Room: DefaultRoom,
		},
		Agent: AgentConfig{
			Identity: DefaultAuthority,
			ID:       DefaultAgentID,
			Name:     DefaultAgentName,
			Defaults: AgentDefaults{
				ModelType:          DefaultModelType,
				DialogRound:        5,
				Temperature:        &temperature,
				TopP:               &topP,
				OutputLimit:        200,
				SystemMessageLimit: 1000,
			},
		},
		Topics: TopicsConfig{
			Config:        "agent-config-topic",
			Transcription: "transcription",
			Chat:          "lk-chat-topic",
		},
		Sync: SyncConfig{
			AckTimeoutMs:    DefaultAckTimeout,
			SweepIntervalMs: DefaultSweep,
			DraftPolicy:     "clamp",
			QueueSize:       DefaultQueueSize,
		},
		Limits: DefaultLimits(),
		Models: append([]string(nil), DefaultModels...),
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}

// DefaultLimits returns the documented field ranges.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		Temperature:        RangeEntry{Min: 0, Max: 1},
		TopP:               RangeEntry{Min: 0, Max: 1},
		DialogRound:        RangeEntry{Min: 1, Max: 30},
		OutputLimit:        RangeEntry{Min: 1, Max: 4096},
		SystemMessageLimit: RangeEntry{Min: 0, Max: 4096},
	}
}

// AckTimeout returns the patch acknowledgement timeout.
func (s SyncConfig) AckTimeout() time.Duration {
	return time.Duration(s.AckTimeoutMs) * time.Millisecond
}

// SweepInterval returns how often pending patches are checked.
func (s SyncConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMs) * time.Millisecond
}
