package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/soyeahso/agentsync/internal/configsync"
	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/transport"
)

// State summarizes whether the agent can be reached.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateWaitingForAgent State = "waiting-for-agent"
	StateConnected       State = "connected"
)

// Status is a point-in-time view of the session.
type Status struct {
	State        State                     `json:"state"`
	Participants []domain.Participant      `json:"participants"`
	HasSnapshot  bool                      `json:"hasSnapshot"`
	AgentID      string                    `json:"agentId,omitempty"`
	Dirty        []domain.FieldKey         `json:"dirty,omitempty"`
	Pending      []configsync.PendingPatch `json:"pending,omitempty"`
	StaleEdits   int                       `json:"staleEdits"`
	Malformed    int                       `json:"malformed"`
	Transcripts  int                       `json:"transcripts"`
	Chat         int                       `json:"chat"`
	ConfigEvents int                       `json:"configEvents"`
}

func (s *Session) state() State {
	if s.lost {
		return StateDisconnected
	}
	if s.cfg.AgentIdentity == "" {
		if len(s.participants) > 0 {
			return StateConnected
		}
		return StateWaitingForAgent
	}
	if _, ok := s.participants[s.cfg.AgentIdentity]; ok {
		return StateConnected
	}
	return StateWaitingForAgent
}

// Status reports the connection state and counters.
func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func(context.Context) {
		st.State = s.state()
		for _, p := range s.participants {
			st.Participants = append(st.Participants, p)
		}
		sort.Slice(st.Participants, func(i, j int) bool {
			return st.Participants[i].Identity < st.Participants[j].Identity
		})
		if cfg, ok := s.sync.Committed(); ok {
			st.HasSnapshot = true
			st.AgentID = cfg.AgentID
		}
		st.Dirty = s.drafts.DirtyFields()
		st.Pending = s.sync.Pending()
		st.StaleEdits = s.sync.StaleEdits()
		st.Malformed = s.malformed
		st.Transcripts, st.Chat, st.ConfigEvents = s.timeline.Counts()
	})
	return st, err
}

// Snapshot returns the committed configuration, if one has arrived.
func (s *Session) Snapshot(ctx context.Context) (domain.AgentConfig, bool, error) {
	var (
		cfg domain.AgentConfig
		ok  bool
	)
	err := s.do(ctx, func(context.Context) {
		cfg, ok = s.sync.Committed()
	})
	return cfg, ok, err
}

// Draft returns the draft text for field and whether it is uncommitted.
func (s *Session) Draft(ctx context.Context, field domain.FieldKey) (string, bool, error) {
	var (
		value string
		dirty bool
	)
	err := s.do(ctx, func(context.Context) {
		value = s.drafts.Value(field)
		dirty = s.drafts.Dirty(field)
	})
	return value, dirty, err
}

// Edit stores raw input as the draft for field.
func (s *Session) Edit(ctx context.Context, field domain.FieldKey, raw string) error {
	var editErr error
	if err := s.do(ctx, func(context.Context) {
		editErr = s.drafts.Edit(field, raw)
	}); err != nil {
		return err
	}
	return editErr
}

// Commit validates the draft for field and issues a patch. It reports
// false without error when nothing was committed yet to patch against.
// An issued patch is also recorded on the timeline.
func (s *Session) Commit(ctx context.Context, field domain.FieldKey) (domain.ConfigPatch, bool, error) {
	var (
		patch     domain.ConfigPatch
		ok        bool
		commitErr error
	)
	if err := s.do(ctx, func(lctx context.Context) {
		patch, ok, commitErr = s.drafts.Commit(lctx, field)
		if ok {
			s.recordPatch(patch)
		}
	}); err != nil {
		return domain.ConfigPatch{}, false, err
	}
	return patch, ok, commitErr
}

// Set edits and commits field in one step.
func (s *Session) Set(ctx context.Context, field domain.FieldKey, raw string) (domain.ConfigPatch, bool, error) {
	if err := s.Edit(ctx, field, raw); err != nil {
		return domain.ConfigPatch{}, false, err
	}
	return s.Commit(ctx, field)
}

func (s *Session) recordPatch(patch domain.ConfigPatch) {
	data, err := json.Marshal(patch)
	if err != nil {
		s.log.Error().Err(err).Msg("encoding patch for timeline")
		return
	}
	id := ""
	for _, p := range s.sync.Pending() {
		if p.Patch.Field == patch.Field {
			id = p.ID
		}
	}
	s.timeline.AppendServiceMessage(domain.ServiceMessage{
		ID:        id,
		Message:   string(data),
		Timestamp: s.codec.Now(),
		From:      s.cfg.Self.Identity,
	})
}

// SendChat publishes a chat message and records it locally; the room does
// not echo it back.
func (s *Session) SendChat(ctx context.Context, text string) (domain.ChatMessage, error) {
	var (
		msg     domain.ChatMessage
		sendErr error
	)
	if err := s.do(ctx, func(lctx context.Context) {
		data, env, err := s.codec.EncodeText(text)
		if err != nil {
			sendErr = err
			return
		}
		if err := s.tr.Send(lctx, transport.Packet{Topic: s.cfg.Topics.Chat, Payload: data, Reliable: true}); err != nil {
			sendErr = fmt.Errorf("sending chat: %w", err)
			return
		}
		msg = domain.ChatMessage{ID: env.ID, From: s.cfg.Self, Message: env.Message, Timestamp: env.Timestamp}
		s.timeline.AppendChat(msg)
	}); err != nil {
		return domain.ChatMessage{}, err
	}
	return msg, sendErr
}

// SendTranscript publishes a transcription on the lossy topic and records
// it locally.
func (s *Session) SendTranscript(ctx context.Context, text string) error {
	var sendErr error
	if err := s.do(ctx, func(lctx context.Context) {
		data, err := s.codec.EncodeTranscript(text)
		if err != nil {
			sendErr = err
			return
		}
		if err := s.tr.Send(lctx, transport.Packet{Topic: s.cfg.Topics.Transcription, Payload: data}); err != nil {
			sendErr = fmt.Errorf("sending transcript: %w", err)
			return
		}
		s.timeline.AppendTranscript(domain.TranscriptEntry{
			Speaker:   s.cfg.Self.Name,
			Text:      text,
			Timestamp: s.codec.Now(),
			IsSelf:    true,
		})
	}); err != nil {
		return err
	}
	return sendErr
}

// Timeline returns the merged, time-ordered log.
func (s *Session) Timeline(ctx context.Context) ([]domain.TimelineEntry, error) {
	var out []domain.TimelineEntry
	err := s.do(ctx, func(context.Context) {
		out = s.timeline.Rebuild()
	})
	return out, err
}
