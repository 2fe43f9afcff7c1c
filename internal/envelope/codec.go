// Package envelope converts domain payloads to and from the JSON envelopes
// carried on transport topics.
package envelope

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
	"unicode/utf8"

	"github.com/soyeahso/agentsync/internal/domain"
)

// ErrMalformedPayload is matched by every decode failure.
var ErrMalformedPayload = errors.New("malformed payload")

// MalformedPayloadError describes why bytes could not be decoded.
// Topic is filled in by callers that know where the bytes arrived.
type MalformedPayloadError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	msg := "malformed payload"
	if e.Topic != "" {
		msg += " on " + e.Topic
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// WithTopic tags a decode error with the topic it arrived on. Other errors
// are returned unchanged.
func WithTopic(err error, topic string) error {
	var mp *MalformedPayloadError
	if errors.As(err, &mp) {
		tagged := *mp
		tagged.Topic = topic
		return &tagged
	}
	return err
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMalformedPayload) hold.
func (e *MalformedPayloadError) Is(target error) bool { return target == ErrMalformedPayload }

func malformed(reason string, err error) error {
	return &MalformedPayloadError{Reason: reason, Err: err}
}

// Envelope is the outer wire record. Message is itself JSON for config
// payloads and plain text for chat.
type Envelope struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type rawEnvelope struct {
	ID        string   `json:"id"`
	Message   *string  `json:"message"`
	Timestamp *float64 `json:"timestamp"`
}

type rawTranscript struct {
	Text      *string  `json:"text"`
	Timestamp *float64 `json:"timestamp"`
}

// Codec encodes and decodes envelopes. The clock supplies both sender
// timestamps and receipt times.
type Codec struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithIDGenerator overrides envelope id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Codec) { c.newID = fn }
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		now:   time.Now,
		newID: NewID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const (
	idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idLength   = 12
)

// NewID returns a random base62 string of length 12.
func NewID() string {
	b := make([]byte, idLength)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("envelope: reading random source: %v", err))
		}
		b[i] = idAlphabet[n.Int64()]
	}
	return string(b)
}

// Now returns the codec clock in epoch milliseconds.
func (c *Codec) Now() int64 { return c.now().UnixMilli() }

// Encode JSON-encodes payload into the message field of a fresh envelope.
func (c *Codec) Encode(payload any) ([]byte, Envelope, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("encoding payload: %w", err)
	}
	return c.EncodeText(string(inner))
}

// EncodeText wraps an already encoded or plain-text message.
func (c *Codec) EncodeText(message string) ([]byte, Envelope, error) {
	env := Envelope{
		ID:        c.newID(),
		Message:   message,
		Timestamp: c.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, env, nil
}

// Decode parses an envelope. A missing id is generated; a missing or
// non-positive timestamp is replaced by the receipt time.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	if !utf8.Valid(data) {
		return Envelope{}, malformed("not valid UTF-8", nil)
	}
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, malformed("invalid envelope JSON", err)
	}
	if raw.Message == nil {
		return Envelope{}, malformed("envelope has no message", nil)
	}

	env := Envelope{
		ID:        raw.ID,
		Message:   *raw.Message,
		Timestamp: c.resolveTimestamp(raw.Timestamp),
	}
	if env.ID == "" {
		env.ID = c.newID()
	}
	return env, nil
}

// DecodeConfig decodes an envelope whose message is a config payload.
func (c *Codec) DecodeConfig(data []byte) (Envelope, domain.AgentConfig, error) {
	env, err := c.Decode(data)
	if err != nil {
		return Envelope{}, domain.AgentConfig{}, err
	}
	var cfg domain.AgentConfig
	if err := json.Unmarshal([]byte(env.Message), &cfg); err != nil {
		return Envelope{}, domain.AgentConfig{}, malformed("invalid config JSON", err)
	}
	if cfg.AgentID == "" {
		return Envelope{}, domain.AgentConfig{}, malformed("config has no agentId", nil)
	}
	return env, cfg, nil
}

// DecodeChat decodes a chat envelope into a message from sender.
func (c *Codec) DecodeChat(data []byte, sender domain.Participant) (domain.ChatMessage, error) {
	env, err := c.Decode(data)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return domain.ChatMessage{
		ID:        env.ID,
		From:      sender,
		Message:   env.Message,
		Timestamp: env.Timestamp,
	}, nil
}

// DecodeTranscript decodes a bare transcription payload.
func (c *Codec) DecodeTranscript(data []byte) (domain.TranscriptEntry, error) {
	if !utf8.Valid(data) {
		return domain.TranscriptEntry{}, malformed("not valid UTF-8", nil)
	}
	var raw rawTranscript
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.TranscriptEntry{}, malformed("invalid transcription JSON", err)
	}
	if raw.Text == nil {
		return domain.TranscriptEntry{}, malformed("transcription has no text", nil)
	}
	return domain.TranscriptEntry{
		Text:      *raw.Text,
		Timestamp: c.resolveTimestamp(raw.Timestamp),
	}, nil
}

// EncodeTranscript produces a bare transcription payload.
func (c *Codec) EncodeTranscript(text string) ([]byte, error) {
	return json.Marshal(map[string]any{"text": text, "timestamp": c.Now()})
}

func (c *Codec) resolveTimestamp(ts *float64) int64 {
	if ts != nil && *ts > 0 {
		return int64(*ts)
	}
	return c.Now()
}
