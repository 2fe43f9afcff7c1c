package draft

import (
	"errors"
	"fmt"
	"math"

	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/domain"
)

var (
	ErrOutOfRange    = errors.New("value out of range")
	ErrInvalidModel  = errors.New("model type not in model list")
	ErrUnknownPolicy = errors.New("unknown draft policy")
)

// Policy decides what happens to an out-of-range draft on commit.
type Policy string

const (
	PolicyClamp  Policy = "clamp"
	PolicyReject Policy = "reject"
	PolicyPass   Policy = "pass"
)

// ParsePolicy validates a policy name. Empty selects clamp.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicyClamp, nil
	case PolicyClamp, PolicyReject, PolicyPass:
		return Policy(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Range bounds a numeric field, inclusive.
type Range struct {
	Min float64
	Max float64
}

func (r Range) contains(v float64) bool { return v >= r.Min && v <= r.Max }

func (r Range) clamp(v float64) float64 { return math.Min(math.Max(v, r.Min), r.Max) }

// Limits maps numeric fields to their allowed range.
type Limits map[domain.FieldKey]Range

// LimitsFromConfig converts configured limits.
func LimitsFromConfig(c config.LimitsConfig) Limits {
	return Limits{
		domain.FieldTemperature:        Range(c.Temperature),
		domain.FieldTopP:               Range(c.TopP),
		domain.FieldDialogRound:        Range(c.DialogRound),
		domain.FieldOutputLimit:        Range(c.OutputLimit),
		domain.FieldSystemMessageLimit: Range(c.SystemMessageLimit),
	}
}

// DefaultLimits returns the documented ranges.
func DefaultLimits() Limits {
	return LimitsFromConfig(config.DefaultLimits())
}

// RangeError reports a draft value outside its allowed range. For
// systemMessage the value is the message length in characters.
type RangeError struct {
	Field domain.FieldKey
	Value float64
	Min   float64
	Max   float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: %v is outside [%v, %v]", e.Field, e.Value, e.Min, e.Max)
}

// Is makes errors.Is(err, ErrOutOfRange) hold.
func (e *RangeError) Is(target error) bool { return target == ErrOutOfRange }
