// Package configsync owns the committed agent configuration and tracks
// locally issued patches until the authority echoes them back.
package configsync

import (
	"context"
	"time"

	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/envelope"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/soyeahso/agentsync/internal/logging"
)

// Publisher delivers an encoded config envelope on the reliable config topic.
type Publisher func(ctx context.Context, data []byte) error

// Status is the acknowledgement state of the latest patch for a field.
type Status string

const (
	StatusNone           Status = "none"
	StatusPending        Status = "pending"
	StatusUnacknowledged Status = "unacknowledged"
)

// PendingPatch is an issued patch waiting for a snapshot that carries its value.
type PendingPatch struct {
	ID       string // envelope id of the latest attempt
	Patch    domain.ConfigPatch
	IssuedAt time.Time
	Attempts int
	Status   Status
}

// Synchronizer is not safe for concurrent use. It is owned by a session
// event loop.
type Synchronizer struct {
	committed *domain.AgentConfig
	pending   map[domain.FieldKey]*PendingPatch

	codec   *envelope.Codec
	publish Publisher
	hooks   *hooks.Manager
	log     *logging.Logger
	now     func() time.Time

	ackTimeout time.Duration
	maxRetries int
	staleEdits int
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithHooks sets the hook manager that receives sync events.
func WithHooks(h *hooks.Manager) Option {
	return func(s *Synchronizer) { s.hooks = h }
}

// WithAckTimeout sets how long a patch may stay unacknowledged before the
// sweep acts on it.
func WithAckTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.ackTimeout = d }
}

// WithMaxRetries sets how many times an unacknowledged patch is re-published.
func WithMaxRetries(n int) Option {
	return func(s *Synchronizer) { s.maxRetries = n }
}

// WithClock overrides the clock used for issue times and sweeps.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// New creates a Synchronizer with nothing committed.
func New(codec *envelope.Codec, publish Publisher, log *logging.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		pending:    make(map[domain.FieldKey]*PendingPatch),
		codec:      codec,
		publish:    publish,
		log:        log.Sub("configsync"),
		now:        time.Now,
		ackTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Committed returns the last snapshot received from the authority.
func (s *Synchronizer) Committed() (domain.AgentConfig, bool) {
	if s.committed == nil {
		return domain.AgentConfig{}, false
	}
	return s.committed.Clone(), true
}

// OnRemoteSnapshot replaces the committed snapshot and acknowledges every
// pending patch whose field now carries the patched value. It returns the
// acknowledged fields.
func (s *Synchronizer) OnRemoteSnapshot(ctx context.Context, cfg domain.AgentConfig) []domain.FieldKey {
	snap := cfg.Clone()
	s.committed = &snap

	s.hooks.Emit(ctx, hooks.EventSnapshotApplied, map[string]any{
		"agentId": snap.AgentID,
		"fields":  len(snap.SetFields()),
	})

	var acked []domain.FieldKey
	for _, field := range domain.Fields {
		p, ok := s.pending[field]
		if !ok {
			continue
		}
		if p.Patch.AgentID != snap.AgentID || !snap.Matches(field, p.Patch.Value) {
			continue
		}
		delete(s.pending, field)
		acked = append(acked, field)
		s.log.Debug().Str("field", string(field)).Str("patchId", p.ID).Msg("patch acknowledged")
		s.hooks.Emit(ctx, hooks.EventPatchAcknowledged, map[string]any{
			"field":    string(field),
			"patchId":  p.ID,
			"attempts": p.Attempts,
		})
	}
	return acked
}

// IssuePatch builds a one-field patch against the committed identity and
// publishes it. Without a committed snapshot the edit is stale and nothing
// is sent. Publish failures are logged; the sweep retries them.
func (s *Synchronizer) IssuePatch(ctx context.Context, field domain.FieldKey, value any) (domain.ConfigPatch, bool) {
	if s.committed == nil {
		s.staleEdits++
		s.log.Debug().Str("field", string(field)).Msg("edit before first snapshot ignored")
		s.hooks.Emit(ctx, hooks.EventStaleEdit, map[string]any{"field": string(field)})
		return domain.ConfigPatch{}, false
	}

	patch, err := domain.NewPatch(*s.committed, field, value)
	if err != nil {
		s.log.Warn().Err(err).Str("field", string(field)).Msg("invalid patch")
		return domain.ConfigPatch{}, false
	}

	id, ok := s.send(ctx, patch)
	if !ok {
		return domain.ConfigPatch{}, false
	}

	s.pending[field] = &PendingPatch{
		ID:       id,
		Patch:    patch,
		IssuedAt: s.now(),
		Attempts: 1,
		Status:   StatusPending,
	}
	s.hooks.Emit(ctx, hooks.EventPatchIssued, map[string]any{
		"field":   string(field),
		"patchId": id,
		"agentId": patch.AgentID,
	})
	return patch, true
}

// send encodes and publishes a patch, returning the envelope id. It reports
// false only when the patch could not be encoded.
func (s *Synchronizer) send(ctx context.Context, patch domain.ConfigPatch) (string, bool) {
	data, env, err := s.codec.Encode(patch)
	if err != nil {
		s.log.Error().Err(err).Str("field", string(patch.Field)).Msg("encoding patch")
		return "", false
	}
	if err := s.publish(ctx, data); err != nil {
		s.log.Warn().Err(err).Str("field", string(patch.Field)).Str("patchId", env.ID).Msg("publishing patch")
	}
	return env.ID, true
}

// Sweep re-publishes pending patches older than the ack timeout while
// retries remain, and marks the rest unacknowledged. It returns the patches
// that became unacknowledged during this sweep.
func (s *Synchronizer) Sweep(ctx context.Context) []PendingPatch {
	now := s.now()
	var expired []PendingPatch
	for _, field := range domain.Fields {
		p, ok := s.pending[field]
		if !ok || p.Status != StatusPending {
			continue
		}
		if now.Sub(p.IssuedAt) < s.ackTimeout {
			continue
		}

		if p.Attempts-1 < s.maxRetries {
			id, ok := s.send(ctx, p.Patch)
			if !ok {
				continue
			}
			p.ID = id
			p.IssuedAt = now
			p.Attempts++
			s.log.Info().Str("field", string(field)).Int("attempt", p.Attempts).Msg("retrying patch")
			s.hooks.Emit(ctx, hooks.EventPatchRetried, map[string]any{
				"field":    string(field),
				"patchId":  id,
				"attempts": p.Attempts,
			})
			continue
		}

		p.Status = StatusUnacknowledged
		expired = append(expired, *p)
		s.log.Warn().Str("field", string(field)).Str("patchId", p.ID).Int("attempts", p.Attempts).Msg("patch unacknowledged")
		s.hooks.Emit(ctx, hooks.EventPatchUnacknowledged, map[string]any{
			"field":    string(field),
			"patchId":  p.ID,
			"attempts": p.Attempts,
		})
	}
	return expired
}

// Status reports the acknowledgement state of the latest patch on field.
func (s *Synchronizer) Status(field domain.FieldKey) Status {
	p, ok := s.pending[field]
	if !ok {
		return StatusNone
	}
	return p.Status
}

// Pending returns tracked patches in field display order.
func (s *Synchronizer) Pending() []PendingPatch {
	var out []PendingPatch
	for _, field := range domain.Fields {
		if p, ok := s.pending[field]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// StaleEdits counts patches suppressed because nothing was committed.
func (s *Synchronizer) StaleEdits() int { return s.staleEdits }
