package domain

// Participant is a member of the shared room as reported by presence.
type Participant struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Online   bool   `json:"online"`
}

// ServiceMessage wraps a transmitted payload for display. Config change
// notifications carry the raw config JSON as Message.
type ServiceMessage struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from,omitempty"`
}

// ChatMessage is a conversational message from a room participant.
type ChatMessage struct {
	ID        string      `json:"id"`
	From      Participant `json:"from"`
	Message   string      `json:"message"`
	Timestamp int64       `json:"timestamp"`
}

// TranscriptEntry is one speech-to-text result.
type TranscriptEntry struct {
	Speaker   string `json:"speaker,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	IsSelf    bool   `json:"isSelf"`
}

// Source identifies which log a timeline entry came from.
type Source string

const (
	SourceTranscript Source = "transcript"
	SourceChat       Source = "chat"
	SourceConfig     Source = "config"
)

// TimelineEntry is the display-ready form of any log entry.
type TimelineEntry struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	IsSelf    bool   `json:"isSelf"`
	Source    Source `json:"source"`
}
