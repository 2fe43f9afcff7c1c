// Package session runs one connected view of an agent: a single event loop
// that owns the config synchronizer, the draft editor and the timeline, and
// that every transport callback and user operation is funnelled through.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/configsync"
	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/draft"
	"github.com/soyeahso/agentsync/internal/envelope"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/soyeahso/agentsync/internal/logging"
	"github.com/soyeahso/agentsync/internal/timeline"
	"github.com/soyeahso/agentsync/internal/transport"
)

var (
	// ErrClosed is returned by operations after the event loop has stopped.
	ErrClosed = errors.New("session closed")
	// ErrTransportLost is returned by Run when the transport connection ends.
	ErrTransportLost = errors.New("transport connection lost")
)

// Config holds everything a session needs besides its transport.
type Config struct {
	Self          domain.Participant
	AgentIdentity string // empty accepts snapshots from any sender
	Topics        config.TopicsConfig
	Sync          config.SyncConfig
	Limits        draft.Limits
	Models        []string
}

// ConfigFrom derives a session Config from the loaded configuration.
func ConfigFrom(cfg config.Config) (Config, error) {
	policy, err := draft.ParsePolicy(cfg.Sync.DraftPolicy)
	if err != nil {
		return Config{}, err
	}
	cfg.Sync.DraftPolicy = string(policy)
	return Config{
		Self:          domain.Participant{Identity: cfg.Identity.ID, Name: cfg.Identity.Name},
		AgentIdentity: cfg.Agent.Identity,
		Topics:        cfg.Topics,
		Sync:          cfg.Sync,
		Limits:        draft.LimitsFromConfig(cfg.Limits),
		Models:        cfg.Models,
	}, nil
}

type op func(ctx context.Context)

// Session serializes all state changes through one goroutine. Components it
// owns are never touched outside Run.
type Session struct {
	cfg   Config
	tr    transport.Transport
	log   *logging.Logger
	hooks *hooks.Manager
	codec *envelope.Codec
	now   func() time.Time

	ops  chan op
	done chan struct{}

	sync     *configsync.Synchronizer
	drafts   *draft.Editor
	timeline *timeline.Aggregator

	participants map[string]domain.Participant
	lost         bool
	malformed    int
}

// Option configures a Session.
type Option func(*Session)

// WithHooks sets the hook manager shared by the session's components.
func WithHooks(h *hooks.Manager) Option {
	return func(s *Session) { s.hooks = h }
}

// WithClock overrides the wall clock used for envelopes and ack timeouts.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New wires a session to tr. Inbound packets queue up until Run starts.
func New(tr transport.Transport, cfg Config, log *logging.Logger, opts ...Option) *Session {
	s := &Session{
		cfg:          cfg,
		tr:           tr,
		log:          log.Sub("session"),
		now:          time.Now,
		done:         make(chan struct{}),
		participants: make(map[string]domain.Participant),
	}
	for _, opt := range opts {
		opt(s)
	}

	size := cfg.Sync.QueueSize
	if size <= 0 {
		size = config.DefaultQueueSize
	}
	s.ops = make(chan op, size)

	s.codec = envelope.New(envelope.WithClock(s.now))
	s.sync = configsync.New(s.codec, s.publishConfig, log,
		configsync.WithHooks(s.hooks),
		configsync.WithAckTimeout(cfg.Sync.AckTimeout()),
		configsync.WithMaxRetries(cfg.Sync.MaxRetries),
		configsync.WithClock(s.now),
	)

	policy, err := draft.ParsePolicy(cfg.Sync.DraftPolicy)
	if err != nil {
		s.log.Warn().Err(err).Msg("falling back to clamp policy")
		policy = draft.PolicyClamp
	}
	draftOpts := []draft.Option{
		draft.WithPolicy(policy),
		draft.WithModels(cfg.Models),
		draft.WithHooks(s.hooks),
	}
	if len(cfg.Limits) > 0 {
		draftOpts = append(draftOpts, draft.WithLimits(cfg.Limits))
	}
	s.drafts = draft.New(s.sync, log, draftOpts...)
	s.timeline = timeline.New(cfg.Self.Identity, cfg.AgentIdentity)

	tr.OnMessage(func(p transport.Packet) {
		s.enqueue(func(ctx context.Context) { s.handlePacket(ctx, p) })
	})
	if ps, ok := tr.(transport.PresenceSource); ok {
		ps.OnPresence(func(p domain.Participant) {
			s.enqueue(func(ctx context.Context) { s.handlePresence(ctx, p) })
		})
	}
	return s
}

// Run processes queued operations and the ack sweep until ctx is cancelled
// or the transport reports that its connection ended.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	s.log.Info().
		Str("identity", s.cfg.Self.Identity).
		Str("agent", s.cfg.AgentIdentity).
		Msg("session started")
	s.hooks.Emit(ctx, hooks.EventSessionStart, map[string]any{"identity": s.cfg.Self.Identity})
	defer func() {
		s.hooks.Emit(context.Background(), hooks.EventSessionEnd, map[string]any{"identity": s.cfg.Self.Identity})
		s.log.Info().Msg("session stopped")
	}()

	interval := s.cfg.Sync.SweepInterval()
	if interval <= 0 {
		interval = time.Duration(config.DefaultSweep) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lost <-chan struct{}
	if d, ok := s.tr.(interface{ Done() <-chan struct{} }); ok {
		lost = d.Done()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			s.lost = true
			s.log.Warn().Msg("transport connection lost")
			return ErrTransportLost
		case <-ticker.C:
			s.sync.Sweep(ctx)
		case fn := <-s.ops:
			fn(ctx)
		}
	}
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// enqueue hands fn to the loop. It blocks while the queue is full and gives
// up once the loop has stopped.
func (s *Session) enqueue(fn op) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// do runs fn on the loop and waits for it to finish.
func (s *Session) do(ctx context.Context, fn op) error {
	finished := make(chan struct{})
	wrapped := func(lctx context.Context) {
		defer close(finished)
		fn(lctx)
	}

	select {
	case s.ops <- wrapped:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) publishConfig(ctx context.Context, data []byte) error {
	return s.tr.Send(ctx, transport.Packet{
		Topic:    s.cfg.Topics.Config,
		Payload:  data,
		Reliable: true,
	})
}
