package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so passwords and tokens can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Gateway.Auth.Password = expandEnvVars(cfg.Gateway.Auth.Password)
	cfg.Gateway.Auth.AuthorityToken = expandEnvVars(cfg.Gateway.Auth.AuthorityToken)
	cfg.Transport.Token = expandEnvVars(cfg.Transport.Token)
	cfg.Transport.Password = expandEnvVars(cfg.Transport.Password)
	for i := range cfg.Transport.ICEServers {
		cfg.Transport.ICEServers[i].Credential = expandEnvVars(cfg.Transport.ICEServers[i].Credential)
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	cfg, err = parse(data)
	if err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	applyDefaults(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// FromRaw decodes an edited raw map the way Load decodes the file, without
// environment overrides, so the result reflects only what would be saved.
func FromRaw(raw map[string]any) (Config, error) {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return Config{}, &ConfigError{Message: "failed to encode config: " + err.Error()}
	}
	return parse(data)
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	def := Defaults()

	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = def.Gateway.Mode
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = def.Gateway.Bind
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = def.Gateway.Auth.Mode
	}

	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = def.Transport.Kind
	}
	if cfg.Transport.URL == "" {
		cfg.Transport.URL = fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Gateway.Port)
	}
	if cfg.Transport.Room == "" {
		cfg.Transport.Room = def.Transport.Room
	}

	if cfg.Agent.Identity == "" {
		cfg.Agent.Identity = def.Agent.Identity
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = def.Agent.ID
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = def.Agent.Name
	}
	d := &cfg.Agent.Defaults
	if d.ModelType == "" {
		d.ModelType = def.Agent.Defaults.ModelType
	}
	if d.DialogRound == 0 {
		d.DialogRound = def.Agent.Defaults.DialogRound
	}
	if d.Temperature == nil {
		d.Temperature = def.Agent.Defaults.Temperature
	}
	if d.TopP == nil {
		d.TopP = def.Agent.Defaults.TopP
	}
	if d.OutputLimit == 0 {
		d.OutputLimit = def.Agent.Defaults.OutputLimit
	}
	if d.SystemMessageLimit == 0 {
		d.SystemMessageLimit = def.Agent.Defaults.SystemMessageLimit
	}

	if cfg.Topics.Config == "" {
		cfg.Topics.Config = def.Topics.Config
	}
	if cfg.Topics.Transcription == "" {
		cfg.Topics.Transcription = def.Topics.Transcription
	}
	if cfg.Topics.Chat == "" {
		cfg.Topics.Chat = def.Topics.Chat
	}

	if cfg.Sync.AckTimeoutMs == 0 {
		cfg.Sync.AckTimeoutMs = def.Sync.AckTimeoutMs
	}
	if cfg.Sync.SweepIntervalMs == 0 {
		cfg.Sync.SweepIntervalMs = def.Sync.SweepIntervalMs
	}
	if cfg.Sync.DraftPolicy == "" {
		cfg.Sync.DraftPolicy = def.Sync.DraftPolicy
	}
	if cfg.Sync.QueueSize == 0 {
		cfg.Sync.QueueSize = def.Sync.QueueSize
	}

	defaultRange(&cfg.Limits.Temperature, def.Limits.Temperature)
	defaultRange(&cfg.Limits.TopP, def.Limits.TopP)
	defaultRange(&cfg.Limits.DialogRound, def.Limits.DialogRound)
	defaultRange(&cfg.Limits.OutputLimit, def.Limits.OutputLimit)
	defaultRange(&cfg.Limits.SystemMessageLimit, def.Limits.SystemMessageLimit)

	if len(cfg.Models) == 0 {
		cfg.Models = def.Models
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = def.Logging.ConsoleStyle
	}
}

// defaultRange replaces an unset range. A range is unset when both bounds
// are zero.
func defaultRange(r *RangeEntry, def RangeEntry) {
	if r.Min == 0 && r.Max == 0 {
		*r = def
	}
}

// applyEnvOverrides reads AGENTSYNC_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTSYNC_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("AGENTSYNC_GATEWAY_MODE"); v != "" {
		cfg.Gateway.Mode = v
	}
	if v := os.Getenv("AGENTSYNC_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("AGENTSYNC_TRANSPORT_URL"); v != "" {
		cfg.Transport.URL = v
	}
	if v := os.Getenv("AGENTSYNC_ROOM"); v != "" {
		cfg.Transport.Room = v
	}
	if v := os.Getenv("AGENTSYNC_IDENTITY"); v != "" {
		cfg.Identity.ID = v
	}
	if v := os.Getenv("AGENTSYNC_NAME"); v != "" {
		cfg.Identity.Name = v
	}
	if v := os.Getenv("AGENTSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
