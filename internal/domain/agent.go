package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Placeholder identity shown before the authority has sent a snapshot.
const (
	DefaultAgentID   = "unknown_agent"
	DefaultAgentName = "Unknown Agent"
)

var (
	ErrUnknownField = errors.New("unknown config field")
	ErrFieldType    = errors.New("config field value has wrong type")
	ErrNotFinite    = errors.New("config field value is not a finite number")
)

// FieldKey names a non-identity AgentConfig field by its wire name.
type FieldKey string

const (
	FieldModelType          FieldKey = "modelType"
	FieldDialogRound        FieldKey = "dialogRound"
	FieldTemperature        FieldKey = "temperature"
	FieldTopP               FieldKey = "topP"
	FieldOutputLimit        FieldKey = "outputLimit"
	FieldSystemMessage      FieldKey = "systemMessage"
	FieldSystemMessageLimit FieldKey = "systemMessageLimit"
)

// Fields lists every editable field in display order.
var Fields = []FieldKey{
	FieldModelType,
	FieldDialogRound,
	FieldTemperature,
	FieldTopP,
	FieldOutputLimit,
	FieldSystemMessage,
	FieldSystemMessageLimit,
}

// FieldKind is the value type carried by a field.
type FieldKind int

const (
	KindString FieldKind = iota
	KindInt
	KindFloat
)

// Kind returns the value type of the field.
func (k FieldKey) Kind() FieldKind {
	switch k {
	case FieldDialogRound, FieldOutputLimit, FieldSystemMessageLimit:
		return KindInt
	case FieldTemperature, FieldTopP:
		return KindFloat
	default:
		return KindString
	}
}

// Valid reports whether k names a known field.
func (k FieldKey) Valid() bool {
	for _, f := range Fields {
		if f == k {
			return true
		}
	}
	return false
}

// ParseFieldKey validates a wire field name.
func ParseFieldKey(s string) (FieldKey, error) {
	k := FieldKey(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
	}
	return k, nil
}

// ParseValue converts user text into the field's value type.
func (k FieldKey) ParseValue(raw string) (any, error) {
	switch k.Kind() {
	case KindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		// NaN and infinities have no JSON encoding.
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%s: %w: %q", k, ErrNotFinite, raw)
		}
		return f, nil
	default:
		return raw, nil
	}
}

// AgentConfig is the authoritative agent record. Identity is assigned by
// the authority; every other field is optional on the wire.
type AgentConfig struct {
	AgentID            string   `json:"agentId"`
	AgentName          string   `json:"agentName"`
	ModelType          *string  `json:"modelType,omitempty"`
	DialogRound        *int     `json:"dialogRound,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	TopP               *float64 `json:"topP,omitempty"`
	OutputLimit        *int     `json:"outputLimit,omitempty"`
	SystemMessage      *string  `json:"systemMessage,omitempty"`
	SystemMessageLimit *int     `json:"systemMessageLimit,omitempty"`
}

// Get returns the value of a field as string, int or float64.
func (c AgentConfig) Get(k FieldKey) (any, bool) {
	switch k {
	case FieldModelType:
		return deref(c.ModelType)
	case FieldDialogRound:
		return deref(c.DialogRound)
	case FieldTemperature:
		return deref(c.Temperature)
	case FieldTopP:
		return deref(c.TopP)
	case FieldOutputLimit:
		return deref(c.OutputLimit)
	case FieldSystemMessage:
		return deref(c.SystemMessage)
	case FieldSystemMessageLimit:
		return deref(c.SystemMessageLimit)
	}
	return nil, false
}

// Set assigns a field, converting numeric values between int and float64
// where that is lossless.
func (c *AgentConfig) Set(k FieldKey, v any) error {
	switch k.Kind() {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants string, got %T", ErrFieldType, k, v)
		}
		switch k {
		case FieldModelType:
			c.ModelType = &s
		case FieldSystemMessage:
			c.SystemMessage = &s
		default:
			return fmt.Errorf("%w: %q", ErrUnknownField, k)
		}
	case KindInt:
		n, ok := toInt(v)
		if !ok {
			return fmt.Errorf("%w: %s wants integer, got %v", ErrFieldType, k, v)
		}
		switch k {
		case FieldDialogRound:
			c.DialogRound = &n
		case FieldOutputLimit:
			c.OutputLimit = &n
		case FieldSystemMessageLimit:
			c.SystemMessageLimit = &n
		}
	case KindFloat:
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("%w: %s wants number, got %T", ErrFieldType, k, v)
		}
		switch k {
		case FieldTemperature:
			c.Temperature = &f
		case FieldTopP:
			c.TopP = &f
		}
	}
	return nil
}

// SetFields returns the non-identity fields that carry a value.
func (c AgentConfig) SetFields() []FieldKey {
	var keys []FieldKey
	for _, k := range Fields {
		if _, ok := c.Get(k); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Matches reports whether field k currently holds v.
func (c AgentConfig) Matches(k FieldKey, v any) bool {
	have, ok := c.Get(k)
	if !ok {
		return false
	}
	var scratch AgentConfig
	if err := scratch.Set(k, v); err != nil {
		return false
	}
	want, _ := scratch.Get(k)
	return have == want
}

// Merge returns a copy of c with every set non-identity field of other
// applied over it. Identity is kept from c.
func (c AgentConfig) Merge(other AgentConfig) AgentConfig {
	out := c.Clone()
	for _, k := range other.SetFields() {
		v, _ := other.Get(k)
		_ = out.Set(k, v)
	}
	return out
}

// Clone returns a deep copy.
func (c AgentConfig) Clone() AgentConfig {
	out := AgentConfig{AgentID: c.AgentID, AgentName: c.AgentName}
	for _, k := range c.SetFields() {
		v, _ := c.Get(k)
		_ = out.Set(k, v)
	}
	return out
}

func deref[T any](p *T) (any, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
