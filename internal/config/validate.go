package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validModes := []string{"local", "remote"}
	if cfg.Gateway.Mode != "" && !slices.Contains(validModes, cfg.Gateway.Mode) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.mode",
			Message: fmt.Sprintf("must be one of %v, got %q", validModes, cfg.Gateway.Mode),
		})
	}

	validBinds := []string{"auto", "lan", "loopback", "custom", "tailnet"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}

	validAuthModes := []string{"token", "password"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.auth.mode",
			Message: fmt.Sprintf("must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode),
		})
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}
	validConsoleStyles := []string{"pretty", "compact", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	// Transport validation
	validKinds := []string{"relay", "webrtc"}
	if !slices.Contains(validKinds, cfg.Transport.Kind) {
		issues = append(issues, ValidationIssue{
			Path:    "transport.kind",
			Message: fmt.Sprintf("must be one of %v, got %q", validKinds, cfg.Transport.Kind),
		})
	}
	if cfg.Transport.URL == "" {
		issues = append(issues, ValidationIssue{Path: "transport.url", Message: "url is required"})
	}
	if cfg.Transport.Room == "" {
		issues = append(issues, ValidationIssue{Path: "transport.room", Message: "room is required"})
	}
	for i, s := range cfg.Transport.ICEServers {
		if len(s.URLs) == 0 {
			issues = append(issues, ValidationIssue{
				Path:    fmt.Sprintf("transport.iceServers[%d].urls", i),
				Message: "at least one url is required",
			})
		}
	}

	// Topic validation
	topics := map[string]string{
		"topics.config":        cfg.Topics.Config,
		"topics.transcription": cfg.Topics.Transcription,
		"topics.chat":          cfg.Topics.Chat,
	}
	seen := map[string]string{}
	for _, path := range []string{"topics.config", "topics.transcription", "topics.chat"} {
		name := topics[path]
		if name == "" {
			issues = append(issues, ValidationIssue{Path: path, Message: "topic name is required"})
			continue
		}
		if other, ok := seen[name]; ok {
			issues = append(issues, ValidationIssue{
				Path:    path,
				Message: fmt.Sprintf("topic %q is already used by %s", name, other),
			})
			continue
		}
		seen[name] = path
	}

	// Sync validation
	if cfg.Sync.AckTimeoutMs <= 0 {
		issues = append(issues, ValidationIssue{
			Path:    "sync.ackTimeoutMs",
			Message: fmt.Sprintf("must be positive, got %d", cfg.Sync.AckTimeoutMs),
		})
	}
	if cfg.Sync.SweepIntervalMs <= 0 {
		issues = append(issues, ValidationIssue{
			Path:    "sync.sweepIntervalMs",
			Message: fmt.Sprintf("must be positive, got %d", cfg.Sync.SweepIntervalMs),
		})
	}
	if cfg.Sync.MaxRetries < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "sync.maxRetries",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Sync.MaxRetries),
		})
	}
	if cfg.Sync.QueueSize < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "sync.queueSize",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Sync.QueueSize),
		})
	}
	validPolicies := []string{"clamp", "reject", "pass"}
	if !slices.Contains(validPolicies, cfg.Sync.DraftPolicy) {
		issues = append(issues, ValidationIssue{
			Path:    "sync.draftPolicy",
			Message: fmt.Sprintf("must be one of %v, got %q", validPolicies, cfg.Sync.DraftPolicy),
		})
	}

	// Limits validation
	ranges := []struct {
		path string
		r    RangeEntry
	}{
		{"limits.temperature", cfg.Limits.Temperature},
		{"limits.topP", cfg.Limits.TopP},
		{"limits.dialogRound", cfg.Limits.DialogRound},
		{"limits.outputLimit", cfg.Limits.OutputLimit},
		{"limits.systemMessageLimit", cfg.Limits.SystemMessageLimit},
	}
	for _, rr := range ranges {
		if rr.r.Min > rr.r.Max {
			issues = append(issues, ValidationIssue{
				Path:    rr.path,
				Message: fmt.Sprintf("min %v is greater than max %v", rr.r.Min, rr.r.Max),
			})
		}
	}

	// Agent defaults validation
	d := cfg.Agent.Defaults
	if d.ModelType != "" && len(cfg.Models) > 0 && !slices.Contains(cfg.Models, d.ModelType) {
		issues = append(issues, ValidationIssue{
			Path:    "agent.defaults.modelType",
			Message: fmt.Sprintf("must be one of %v, got %q", cfg.Models, d.ModelType),
		})
	}
	issues = checkRange(issues, "agent.defaults.dialogRound", float64(d.DialogRound), cfg.Limits.DialogRound)
	issues = checkRange(issues, "agent.defaults.outputLimit", float64(d.OutputLimit), cfg.Limits.OutputLimit)
	issues = checkRange(issues, "agent.defaults.systemMessageLimit", float64(d.SystemMessageLimit), cfg.Limits.SystemMessageLimit)
	if d.Temperature != nil {
		issues = checkRange(issues, "agent.defaults.temperature", *d.Temperature, cfg.Limits.Temperature)
	}
	if d.TopP != nil {
		issues = checkRange(issues, "agent.defaults.topP", *d.TopP, cfg.Limits.TopP)
	}

	return issues
}

func checkRange(issues []ValidationIssue, path string, v float64, r RangeEntry) []ValidationIssue {
	if v < r.Min || v > r.Max {
		issues = append(issues, ValidationIssue{
			Path:    path,
			Message: fmt.Sprintf("must be within [%v, %v], got %v", r.Min, r.Max, v),
		})
	}
	return issues
}
