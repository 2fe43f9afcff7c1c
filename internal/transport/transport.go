// Package transport defines the topic-tagged duplex channel that sessions
// exchange payloads over, with in-memory and WebRTC implementations.
//
// A Transport may drop or duplicate packets and gives no ordering guarantee
// across topics. Reliable packets are delivered in order per sender when
// the implementation supports it; lossy packets may be dropped.
package transport

import (
	"context"
	"errors"

	"github.com/soyeahso/agentsync/internal/domain"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// Packet is one payload on a topic.
type Packet struct {
	Topic    string
	Payload  []byte
	Sender   string   // set by the transport on receipt
	Reliable bool     // ordered, retransmitted delivery
	To       []string // empty means every other participant
}

// Handler receives inbound packets. It may be called from any goroutine.
type Handler func(Packet)

// PresenceHandler receives participant online/offline changes.
type PresenceHandler func(domain.Participant)

// Transport sends and receives packets.
type Transport interface {
	// Send is fire-and-forget. It does not wait for delivery.
	Send(ctx context.Context, p Packet) error
	// OnMessage replaces the inbound handler.
	OnMessage(h Handler)
	Close() error
}

// PresenceSource reports participants joining and leaving. Registering a
// handler replays the participants currently online.
type PresenceSource interface {
	OnPresence(h PresenceHandler)
}
