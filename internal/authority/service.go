// Package authority is the agent side of configuration sync. It owns the
// stored agent records, applies patches published by clients and
// rebroadcasts the resulting snapshot to the room.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/envelope"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/soyeahso/agentsync/internal/logging"
	"github.com/soyeahso/agentsync/internal/store"
	"github.com/soyeahso/agentsync/internal/transport"
)

// Config holds what the service needs besides its transport and store.
type Config struct {
	Topic       string             // config topic
	Primary     domain.AgentConfig // agent announced on start and to joiners; created when missing
	Seed        domain.AgentConfig // field values for agents first seen in a patch
	Concurrency int64
}

// ConfigFrom derives a service Config from the loaded configuration.
func ConfigFrom(cfg config.Config) Config {
	seed := DefaultsFrom(cfg.Agent.Defaults)
	primary := seed.Clone()
	primary.AgentID = cfg.Agent.ID
	primary.AgentName = cfg.Agent.Name
	return Config{
		Topic:       cfg.Topics.Config,
		Primary:     primary,
		Seed:        seed,
		Concurrency: 4,
	}
}

// DefaultsFrom converts configured agent defaults into an identity-less
// AgentConfig.
func DefaultsFrom(d config.AgentDefaults) domain.AgentConfig {
	var out domain.AgentConfig
	if d.ModelType != "" {
		out.ModelType = &d.ModelType
	}
	if d.DialogRound > 0 {
		out.DialogRound = &d.DialogRound
	}
	if d.Temperature != nil {
		t := *d.Temperature
		out.Temperature = &t
	}
	if d.TopP != nil {
		p := *d.TopP
		out.TopP = &p
	}
	if d.OutputLimit > 0 {
		out.OutputLimit = &d.OutputLimit
	}
	if d.SystemMessage != "" {
		out.SystemMessage = &d.SystemMessage
	}
	if d.SystemMessageLimit > 0 {
		out.SystemMessageLimit = &d.SystemMessageLimit
	}
	return out.Clone()
}

// Service applies patches and broadcasts snapshots.
type Service struct {
	cfg   Config
	tr    transport.Transport
	store *store.AgentStore
	codec *envelope.Codec
	queue *Queue
	log   *logging.Logger
	hooks *hooks.Manager
}

// Option configures a Service.
type Option func(*Service)

// WithHooks sets the hook manager that receives authority events.
func WithHooks(h *hooks.Manager) Option {
	return func(s *Service) { s.hooks = h }
}

// WithCodec overrides the envelope codec.
func WithCodec(c *envelope.Codec) Option {
	return func(s *Service) { s.codec = c }
}

// New creates a Service. Nothing is received until Run.
func New(tr transport.Transport, st *store.AgentStore, cfg Config, log *logging.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg,
		tr:    tr,
		store: st,
		codec: envelope.New(),
		log:   log.Sub("authority"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = NewQueue(cfg.Concurrency, s.apply, s.log)
	return s
}

// Run announces the primary agent, then applies patches until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	primary, err := s.ensurePrimary(ctx)
	if err != nil {
		return err
	}

	s.queue.Start(ctx)
	defer s.queue.Stop()

	s.tr.OnMessage(func(p transport.Packet) { s.handlePacket(ctx, p) })
	if ps, ok := s.tr.(transport.PresenceSource); ok {
		ps.OnPresence(func(p domain.Participant) {
			if !p.Online {
				return
			}
			s.announce(ctx, p.Identity)
		})
	}

	if err := s.broadcast(ctx, primary); err != nil {
		s.log.Warn().Err(err).Msg("initial snapshot not sent")
	}
	s.log.Info().Str("agentId", primary.AgentID).Str("topic", s.cfg.Topic).Msg("authority running")

	<-ctx.Done()
	s.tr.OnMessage(func(transport.Packet) {})
	s.log.Info().Msg("authority stopped")
	return nil
}

// ensurePrimary loads the primary agent, storing it first if it is new.
func (s *Service) ensurePrimary(ctx context.Context) (domain.AgentConfig, error) {
	id := s.cfg.Primary.AgentID
	if id == "" {
		id = domain.DefaultAgentID
	}
	a, err := s.store.Get(ctx, id)
	if err == nil {
		return a.Config, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.AgentConfig{}, err
	}

	primary := s.cfg.Primary.Clone()
	primary.AgentID = id
	if primary.AgentName == "" {
		primary.AgentName = domain.DefaultAgentName
	}
	if err := s.store.Upsert(ctx, primary); err != nil {
		return domain.AgentConfig{}, err
	}
	s.log.Info().Str("agentId", id).Msg("created primary agent from defaults")
	return primary, nil
}

// announce sends the primary snapshot to one participant that just joined.
func (s *Service) announce(ctx context.Context, identity string) {
	a, err := s.store.Get(ctx, s.primaryID())
	if err != nil {
		s.log.Error().Err(err).Str("participant", identity).Msg("loading snapshot for joiner")
		return
	}
	if err := s.send(ctx, a.Config, []string{identity}); err != nil {
		s.log.Warn().Err(err).Str("participant", identity).Msg("sending snapshot to joiner")
	}
}

func (s *Service) primaryID() string {
	if s.cfg.Primary.AgentID == "" {
		return domain.DefaultAgentID
	}
	return s.cfg.Primary.AgentID
}

// handlePacket decodes a patch and queues it on its agent's lane.
func (s *Service) handlePacket(ctx context.Context, p transport.Packet) {
	if p.Topic != s.cfg.Topic {
		return
	}
	env, err := s.codec.Decode(p.Payload)
	if err != nil {
		s.reject(ctx, p, err)
		return
	}
	var patch domain.ConfigPatch
	if err := json.Unmarshal([]byte(env.Message), &patch); err != nil {
		s.reject(ctx, p, fmt.Errorf("decoding patch: %w", err))
		return
	}

	job := Job{Patch: patch, Meta: store.PatchMeta{EnvelopeID: env.ID, Sender: p.Sender}}
	if err := s.queue.Enqueue(job); err != nil {
		s.log.Warn().Err(err).Str("agentId", patch.AgentID).Str("envelopeId", env.ID).Msg("dropping patch")
	}
}

func (s *Service) reject(ctx context.Context, p transport.Packet, err error) {
	s.log.Warn().
		Err(err).
		Str("topic", p.Topic).
		Str("sender", p.Sender).
		Int("bytes", len(p.Payload)).
		Msg("discarding malformed patch")
	s.hooks.Emit(ctx, hooks.EventPayloadMalformed, map[string]any{
		"topic":  p.Topic,
		"sender": p.Sender,
		"reason": err.Error(),
	})
}

// apply runs on the agent's lane.
func (s *Service) apply(ctx context.Context, job Job) error {
	merged, created, err := s.store.ApplyPatch(ctx, job.Patch, s.cfg.Seed, job.Meta)
	if err != nil {
		return err
	}
	if created {
		s.log.Info().Str("agentId", merged.AgentID).Msg("created agent from patch")
	}
	s.log.Debug().
		Str("agentId", merged.AgentID).
		Str("field", string(job.Patch.Field)).
		Str("sender", job.Meta.Sender).
		Msg("patch applied")
	s.hooks.Emit(ctx, hooks.EventPatchApplied, map[string]any{
		"agentId":    merged.AgentID,
		"field":      string(job.Patch.Field),
		"envelopeId": job.Meta.EnvelopeID,
		"sender":     job.Meta.Sender,
		"created":    created,
	})
	return s.broadcast(ctx, merged)
}

// broadcast publishes cfg as a full snapshot to the whole room.
func (s *Service) broadcast(ctx context.Context, cfg domain.AgentConfig) error {
	return s.send(ctx, cfg, nil)
}

func (s *Service) send(ctx context.Context, cfg domain.AgentConfig, to []string) error {
	data, env, err := s.codec.Encode(cfg)
	if err != nil {
		return err
	}
	if err := s.tr.Send(ctx, transport.Packet{
		Topic:    s.cfg.Topic,
		Payload:  data,
		Reliable: true,
		To:       to,
	}); err != nil {
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	s.hooks.Emit(ctx, hooks.EventSnapshotBroadcast, map[string]any{
		"agentId":    cfg.AgentID,
		"envelopeId": env.ID,
		"to":         len(to),
	})
	return nil
}

// Broadcast publishes the stored snapshot of agentID to the room.
func (s *Service) Broadcast(ctx context.Context, agentID string) error {
	a, err := s.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	return s.broadcast(ctx, a.Config)
}
