package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// SignalTopic is the reserved relay topic carrying WebRTC session
// descriptions.
const SignalTopic = "_webrtc.signal"

// Signaler exchanges complete SDP offers and answers between peers. All
// ICE candidates are gathered before publishing, so one round trip
// establishes a connection.
type Signaler interface {
	// PublishOffer sends an offer from local to target.
	PublishOffer(ctx context.Context, local, target, sdp string) error
	// PublishAnswer answers the offer that offerer sent to local.
	PublishAnswer(ctx context.Context, offerer, local, sdp string) error
	// PollOffers returns offers addressed to local not returned before.
	PollOffers(ctx context.Context, local string) ([]SignalMessage, error)
	// PollAnswers returns answers to offers made by local not returned before.
	PollAnswers(ctx context.Context, local string) ([]SignalMessage, error)
}

// SignalMessage is one offer or answer. Peer is the other party: the
// offerer for offers and the answerer for answers.
type SignalMessage struct {
	Peer      string
	SDP       string
	Timestamp time.Time
}

var (
	_ Signaler = (*MemorySignaler)(nil)
	_ Signaler = (*TopicSignaler)(nil)
)

type signalKey struct {
	offerer string
	target  string
}

// MemorySignaler is an in-process Signaler for tests.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[signalKey]SignalMessage
	answers  map[signalKey]SignalMessage
	lastSeen map[string]time.Time
}

// NewMemorySignaler creates an empty signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[signalKey]SignalMessage),
		answers:  make(map[signalKey]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, local, target, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[signalKey{local, target}] = SignalMessage{Peer: local, SDP: sdp, Timestamp: time.Now()}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, local, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[signalKey{offerer, local}] = SignalMessage{Peer: local, SDP: sdp, Timestamp: time.Now()}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, local string) ([]SignalMessage, error) {
	return s.poll("offer", local, s.offers, func(k signalKey) bool { return k.target == local }), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, local string) ([]SignalMessage, error) {
	return s.poll("answer", local, s.answers, func(k signalKey) bool { return k.offerer == local }), nil
}

func (s *MemorySignaler) poll(kind, local string, store map[signalKey]SignalMessage, match func(signalKey) bool) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SignalMessage
	for key, msg := range store {
		if !match(key) {
			continue
		}
		seen := kind + ":" + local + ":" + key.offerer + "|" + key.target
		if last, ok := s.lastSeen[seen]; ok && !msg.Timestamp.After(last) {
			continue
		}
		s.lastSeen[seen] = msg.Timestamp
		out = append(out, msg)
	}
	return out
}

// signalWire is the JSON payload on SignalTopic.
type signalWire struct {
	Kind string `json:"kind"` // "offer" | "answer"
	From string `json:"from"`
	To   string `json:"to"`
	SDP  string `json:"sdp"`
}

// TopicSignaler carries signaling over another Transport, usually the
// relay room client. It takes over that transport's message handler.
type TopicSignaler struct {
	tr Transport

	mu      sync.Mutex
	offers  []signalWire
	answers []signalWire
}

// NewTopicSignaler starts listening on tr for signaling packets.
func NewTopicSignaler(tr Transport) *TopicSignaler {
	s := &TopicSignaler{tr: tr}
	tr.OnMessage(s.receive)
	return s
}

func (s *TopicSignaler) receive(p Packet) {
	if p.Topic != SignalTopic {
		return
	}
	var w signalWire
	if err := json.Unmarshal(p.Payload, &w); err != nil {
		return
	}
	if p.Sender != "" {
		w.From = p.Sender
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch w.Kind {
	case "offer":
		s.offers = append(s.offers, w)
	case "answer":
		s.answers = append(s.answers, w)
	}
}

func (s *TopicSignaler) publish(ctx context.Context, w signalWire) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", w.Kind, err)
	}
	return s.tr.Send(ctx, Packet{
		Topic:    SignalTopic,
		Payload:  data,
		Reliable: true,
		To:       []string{w.To},
	})
}

func (s *TopicSignaler) PublishOffer(ctx context.Context, local, target, sdp string) error {
	return s.publish(ctx, signalWire{Kind: "offer", From: local, To: target, SDP: sdp})
}

func (s *TopicSignaler) PublishAnswer(ctx context.Context, offerer, local, sdp string) error {
	return s.publish(ctx, signalWire{Kind: "answer", From: local, To: offerer, SDP: sdp})
}

func (s *TopicSignaler) PollOffers(_ context.Context, local string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SignalMessage
	out, s.offers = drain(s.offers, local)
	return out, nil
}

func (s *TopicSignaler) PollAnswers(_ context.Context, local string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SignalMessage
	out, s.answers = drain(s.answers, local)
	return out, nil
}

// drain splits queued messages into those addressed to local and the rest.
func drain(queue []signalWire, local string) ([]SignalMessage, []signalWire) {
	var out []SignalMessage
	var rest []signalWire
	for _, w := range queue {
		if w.To != local {
			rest = append(rest, w)
			continue
		}
		out = append(out, SignalMessage{Peer: w.From, SDP: w.SDP, Timestamp: time.Now()})
	}
	return out, rest
}
