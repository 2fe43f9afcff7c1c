package session

import (
	"context"
	"errors"

	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/envelope"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/soyeahso/agentsync/internal/transport"
)

func (s *Session) handlePacket(ctx context.Context, p transport.Packet) {
	switch p.Topic {
	case s.cfg.Topics.Config:
		s.handleConfig(ctx, p)
	case s.cfg.Topics.Transcription:
		s.handleTranscript(ctx, p)
	case s.cfg.Topics.Chat:
		s.handleChat(ctx, p)
	default:
		s.log.Debug().Str("topic", p.Topic).Str("sender", p.Sender).Msg("ignoring packet on unknown topic")
	}
}

// handleConfig applies snapshots from the agent. Config traffic from other
// participants is other clients' patches; it is shown but never applied.
func (s *Session) handleConfig(ctx context.Context, p transport.Packet) {
	env, cfg, err := s.codec.DecodeConfig(p.Payload)
	if err != nil {
		s.rejectPayload(ctx, p, err)
		return
	}

	s.timeline.AppendServiceMessage(domain.ServiceMessage{
		ID:        env.ID,
		Message:   env.Message,
		Timestamp: env.Timestamp,
		From:      p.Sender,
	})

	if s.cfg.AgentIdentity != "" && p.Sender != s.cfg.AgentIdentity {
		s.log.Debug().Str("sender", p.Sender).Str("id", env.ID).Msg("config from non-agent participant not applied")
		return
	}

	if s.cfg.AgentIdentity == "" {
		// Any sender is accepted; name its chat as the agent's.
		s.timeline.SetAgentIdentity(p.Sender)
	}
	acked := s.sync.OnRemoteSnapshot(ctx, cfg)
	s.drafts.Reset(ctx, cfg)
	s.log.Debug().
		Str("agentId", cfg.AgentID).
		Str("id", env.ID).
		Int("acknowledged", len(acked)).
		Msg("snapshot applied")
}

func (s *Session) handleTranscript(ctx context.Context, p transport.Packet) {
	entry, err := s.codec.DecodeTranscript(p.Payload)
	if err != nil {
		s.rejectPayload(ctx, p, err)
		return
	}
	entry.IsSelf = p.Sender == s.cfg.Self.Identity
	if !entry.IsSelf {
		entry.Speaker = s.participant(p.Sender).Name
	}
	s.timeline.AppendTranscript(entry)
}

func (s *Session) handleChat(ctx context.Context, p transport.Packet) {
	msg, err := s.codec.DecodeChat(p.Payload, s.participant(p.Sender))
	if err != nil {
		s.rejectPayload(ctx, p, err)
		return
	}
	s.timeline.AppendChat(msg)
}

// rejectPayload drops undecodable bytes. Logs and snapshot stay untouched.
func (s *Session) rejectPayload(ctx context.Context, p transport.Packet, err error) {
	err = envelope.WithTopic(err, p.Topic)
	s.malformed++

	reason := err.Error()
	var mp *envelope.MalformedPayloadError
	if errors.As(err, &mp) {
		reason = mp.Reason
	}
	s.log.Warn().
		Err(err).
		Str("topic", p.Topic).
		Str("sender", p.Sender).
		Int("bytes", len(p.Payload)).
		Msg("discarding malformed payload")
	s.hooks.Emit(ctx, hooks.EventPayloadMalformed, map[string]any{
		"topic":  p.Topic,
		"sender": p.Sender,
		"reason": reason,
	})
}

func (s *Session) handlePresence(ctx context.Context, p domain.Participant) {
	before := s.state()
	if p.Online {
		s.participants[p.Identity] = p
	} else {
		delete(s.participants, p.Identity)
	}

	if after := s.state(); after != before {
		s.log.Info().
			Str("participant", p.Identity).
			Bool("online", p.Online).
			Str("state", string(after)).
			Msg("connection state changed")
	}
}

// participant resolves a sender identity to the known participant. An
// unknown sender keeps its identity with no display name.
func (s *Session) participant(identity string) domain.Participant {
	if identity == s.cfg.Self.Identity {
		return s.cfg.Self
	}
	if p, ok := s.participants[identity]; ok {
		return p
	}
	return domain.Participant{Identity: identity}
}
