// Package draft holds uncommitted local edits of agent configuration
// fields and validates them on commit.
package draft

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/soyeahso/agentsync/internal/logging"
)

// Patcher issues a one-field patch. configsync.Synchronizer implements it.
type Patcher interface {
	IssuePatch(ctx context.Context, field domain.FieldKey, value any) (domain.ConfigPatch, bool)
}

// Editor keeps one text draft per field. It is not safe for concurrent use.
type Editor struct {
	patcher Patcher
	log     *logging.Logger
	hooks   *hooks.Manager

	policy Policy
	limits Limits
	models []string

	snapshot *domain.AgentConfig
	drafts   map[domain.FieldKey]string
	dirty    map[domain.FieldKey]bool
}

// Option configures an Editor.
type Option func(*Editor)

// WithPolicy sets the out-of-range policy.
func WithPolicy(p Policy) Option {
	return func(e *Editor) { e.policy = p }
}

// WithLimits replaces the numeric ranges.
func WithLimits(l Limits) Option {
	return func(e *Editor) { e.limits = l }
}

// WithModels restricts modelType to the given list. An empty list allows
// any model.
func WithModels(models []string) Option {
	return func(e *Editor) { e.models = models }
}

// WithHooks sets the hook manager notified when drafts are discarded.
func WithHooks(h *hooks.Manager) Option {
	return func(e *Editor) { e.hooks = h }
}

// New creates an editor with empty drafts.
func New(patcher Patcher, log *logging.Logger, opts ...Option) *Editor {
	e := &Editor{
		patcher: patcher,
		log:     log.Sub("draft"),
		policy:  PolicyClamp,
		limits:  DefaultLimits(),
		drafts:  make(map[domain.FieldKey]string),
		dirty:   make(map[domain.FieldKey]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reset mirrors snap into every draft. Uncommitted edits are lost; their
// fields are returned.
func (e *Editor) Reset(ctx context.Context, snap domain.AgentConfig) []domain.FieldKey {
	discarded := e.DirtyFields()

	c := snap.Clone()
	e.snapshot = &c
	for _, field := range domain.Fields {
		v, ok := c.Get(field)
		if !ok {
			e.drafts[field] = ""
			continue
		}
		e.drafts[field] = format(v)
	}
	clear(e.dirty)

	if len(discarded) > 0 {
		names := make([]string, len(discarded))
		for i, f := range discarded {
			names[i] = string(f)
		}
		e.log.Debug().Strs("fields", names).Msg("uncommitted drafts discarded")
		e.hooks.Emit(ctx, hooks.EventDraftsDiscarded, map[string]any{"fields": names})
	}
	return discarded
}

// Edit stores raw input for field. Nothing is validated until commit.
func (e *Editor) Edit(field domain.FieldKey, raw string) error {
	if !field.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownField, field)
	}
	e.drafts[field] = raw
	e.dirty[field] = true
	return nil
}

// Value returns the current draft text for field.
func (e *Editor) Value(field domain.FieldKey) string {
	return e.drafts[field]
}

// Dirty reports whether field holds an uncommitted edit.
func (e *Editor) Dirty(field domain.FieldKey) bool {
	return e.dirty[field]
}

// DirtyFields lists fields with uncommitted edits in display order.
func (e *Editor) DirtyFields() []domain.FieldKey {
	var out []domain.FieldKey
	for _, field := range domain.Fields {
		if e.dirty[field] {
			out = append(out, field)
		}
	}
	return out
}

// Commit parses and validates the draft for field, then issues a patch.
// The patch is sent even when the value equals the committed one. It
// reports false without error when the patcher suppressed the edit.
func (e *Editor) Commit(ctx context.Context, field domain.FieldKey) (domain.ConfigPatch, bool, error) {
	if !field.Valid() {
		return domain.ConfigPatch{}, false, fmt.Errorf("%w: %q", domain.ErrUnknownField, field)
	}
	value, err := field.ParseValue(e.drafts[field])
	if err != nil {
		return domain.ConfigPatch{}, false, fmt.Errorf("parsing draft: %w", err)
	}
	value, err = e.validate(field, value)
	if err != nil {
		return domain.ConfigPatch{}, false, err
	}

	patch, ok := e.patcher.IssuePatch(ctx, field, value)
	if !ok {
		return domain.ConfigPatch{}, false, nil
	}
	e.drafts[field] = format(value)
	e.dirty[field] = false
	return patch, true, nil
}

func (e *Editor) validate(field domain.FieldKey, value any) (any, error) {
	if e.policy == PolicyPass {
		return value, nil
	}

	switch field {
	case domain.FieldModelType:
		model := value.(string)
		if len(e.models) > 0 && !slices.Contains(e.models, model) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidModel, model)
		}
		return value, nil

	case domain.FieldSystemMessage:
		return e.validateSystemMessage(value.(string))
	}

	r, ok := e.limits[field]
	if !ok {
		return value, nil
	}
	switch v := value.(type) {
	case int:
		if r.contains(float64(v)) {
			return v, nil
		}
		if e.policy == PolicyReject {
			return nil, &RangeError{Field: field, Value: float64(v), Min: r.Min, Max: r.Max}
		}
		return int(math.Round(r.clamp(float64(v)))), nil
	case float64:
		if r.contains(v) {
			return v, nil
		}
		if e.policy == PolicyReject {
			return nil, &RangeError{Field: field, Value: v, Min: r.Min, Max: r.Max}
		}
		return r.clamp(v), nil
	}
	return value, nil
}

// validateSystemMessage checks the message length against the committed
// systemMessageLimit. Without a committed limit any length is accepted.
func (e *Editor) validateSystemMessage(msg string) (any, error) {
	if e.snapshot == nil || e.snapshot.SystemMessageLimit == nil {
		return msg, nil
	}
	limit := max(*e.snapshot.SystemMessageLimit, 0)
	runes := []rune(msg)
	if len(runes) <= limit {
		return msg, nil
	}
	if e.policy == PolicyReject {
		return nil, &RangeError{Field: domain.FieldSystemMessage, Value: float64(len(runes)), Min: 0, Max: float64(limit)}
	}
	return string(runes[:limit]), nil
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}
