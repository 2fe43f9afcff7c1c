// Package timeline merges transcripts, chat and configuration notices into
// one display log ordered by timestamp.
package timeline

import (
	"sort"

	"github.com/soyeahso/agentsync/internal/domain"
)

// Display names used when an entry carries no sender name.
const (
	NameSelf          = "You"
	NameAgent         = "Agent"
	NameUnknown       = "Unknown"
	NameConfiguration = "Configuration"
)

// Aggregator holds three append-only logs. It is not safe for concurrent
// use; the owning session serializes access.
type Aggregator struct {
	self  string
	agent string

	transcripts []domain.TranscriptEntry
	chat        []domain.ChatMessage
	config      []domain.ServiceMessage

	cache []domain.TimelineEntry
	valid bool
}

// New creates an empty aggregator. self is the local identity; agent is the
// identity of the agent participant and may be empty until it is known.
func New(self, agent string) *Aggregator {
	return &Aggregator{self: self, agent: agent}
}

// SetAgentIdentity changes which sender is labelled as the agent.
func (a *Aggregator) SetAgentIdentity(identity string) {
	if identity == a.agent {
		return
	}
	a.agent = identity
	a.valid = false
}

// AppendTranscript adds a speech-to-text result.
func (a *Aggregator) AppendTranscript(e domain.TranscriptEntry) {
	a.transcripts = append(a.transcripts, e)
	a.valid = false
}

// AppendChat adds a chat message.
func (a *Aggregator) AppendChat(m domain.ChatMessage) {
	a.chat = append(a.chat, m)
	a.valid = false
}

// AppendServiceMessage adds a configuration notice.
func (a *Aggregator) AppendServiceMessage(m domain.ServiceMessage) {
	a.config = append(a.config, m)
	a.valid = false
}

// Len returns the total number of logged entries.
func (a *Aggregator) Len() int {
	return len(a.transcripts) + len(a.chat) + len(a.config)
}

// Counts returns the size of each log.
func (a *Aggregator) Counts() (transcripts, chat, config int) {
	return len(a.transcripts), len(a.chat), len(a.config)
}

// Rebuild returns every entry sorted by ascending timestamp. Entries with
// equal timestamps keep log order: transcripts, then chat, then config.
// The result is cached until the next append; callers get their own copy.
func (a *Aggregator) Rebuild() []domain.TimelineEntry {
	if !a.valid {
		a.cache = a.build()
		a.valid = true
	}
	out := make([]domain.TimelineEntry, len(a.cache))
	copy(out, a.cache)
	return out
}

func (a *Aggregator) build() []domain.TimelineEntry {
	entries := make([]domain.TimelineEntry, 0, a.Len())
	for _, t := range a.transcripts {
		entries = append(entries, domain.TimelineEntry{
			Name:      a.transcriptName(t),
			Message:   t.Text,
			Timestamp: t.Timestamp,
			IsSelf:    t.IsSelf,
			Source:    domain.SourceTranscript,
		})
	}
	for _, m := range a.chat {
		entries = append(entries, domain.TimelineEntry{
			Name:      a.chatName(m.From),
			Message:   m.Message,
			Timestamp: m.Timestamp,
			IsSelf:    a.self != "" && m.From.Identity == a.self,
			Source:    domain.SourceChat,
		})
	}
	for _, m := range a.config {
		entries = append(entries, domain.TimelineEntry{
			Name:      NameConfiguration,
			Message:   m.Message,
			Timestamp: m.Timestamp,
			Source:    domain.SourceConfig,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
	return entries
}

func (a *Aggregator) transcriptName(t domain.TranscriptEntry) string {
	switch {
	case t.IsSelf:
		return NameSelf
	case t.Speaker != "":
		return t.Speaker
	default:
		return NameUnknown
	}
}

func (a *Aggregator) chatName(from domain.Participant) string {
	switch {
	case from.Name != "":
		return from.Name
	case a.agent != "" && from.Identity == a.agent:
		return NameAgent
	case a.self != "" && from.Identity == a.self:
		return NameSelf
	default:
		return NameUnknown
	}
}
