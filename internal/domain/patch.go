package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingIdentity = errors.New("patch is missing agent identity")
	ErrPatchFieldCount = errors.New("patch must carry exactly one field")
)

// ConfigPatch is a partial AgentConfig update naming one field. It is sent,
// never stored.
type ConfigPatch struct {
	AgentID   string
	AgentName string
	Field     FieldKey
	Value     any
}

// NewPatch builds a patch against the identity of cfg.
func NewPatch(cfg AgentConfig, field FieldKey, value any) (ConfigPatch, error) {
	p := ConfigPatch{
		AgentID:   cfg.AgentID,
		AgentName: cfg.AgentName,
		Field:     field,
		Value:     value,
	}
	if err := p.Validate(); err != nil {
		return ConfigPatch{}, err
	}
	return p, nil
}

// Validate checks identity, field name and value type.
func (p ConfigPatch) Validate() error {
	if p.AgentID == "" {
		return ErrMissingIdentity
	}
	if !p.Field.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownField, p.Field)
	}
	var scratch AgentConfig
	return scratch.Set(p.Field, p.Value)
}

// AsConfig returns the patch as a sparse AgentConfig.
func (p ConfigPatch) AsConfig() (AgentConfig, error) {
	cfg := AgentConfig{AgentID: p.AgentID, AgentName: p.AgentName}
	if err := cfg.Set(p.Field, p.Value); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// MarshalJSON emits the flat wire form {agentId, agentName, <field>: value}.
func (p ConfigPatch) MarshalJSON() ([]byte, error) {
	cfg, err := p.AsConfig()
	if err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}

// UnmarshalJSON parses the flat wire form and rejects payloads that do not
// carry exactly one non-identity field.
func (p *ConfigPatch) UnmarshalJSON(data []byte) error {
	var cfg AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	if cfg.AgentID == "" {
		return ErrMissingIdentity
	}
	fields := cfg.SetFields()
	if len(fields) != 1 {
		return fmt.Errorf("%w: got %d", ErrPatchFieldCount, len(fields))
	}
	v, _ := cfg.Get(fields[0])
	*p = ConfigPatch{
		AgentID:   cfg.AgentID,
		AgentName: cfg.AgentName,
		Field:     fields[0],
		Value:     v,
	}
	return nil
}
