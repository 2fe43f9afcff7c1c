package transport

import (
	"context"
	"slices"
	"sync"

	"github.com/soyeahso/agentsync/internal/domain"
)

const endpointBuffer = 1024

// DropFunc decides whether a packet addressed to identity is lost.
type DropFunc func(p Packet, to string) bool

// Hub is an in-process room. Each joined Endpoint is a Transport.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	order     []string
	drop      DropFunc
}

// NewHub creates an empty hub that delivers every packet.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// SetDropFunc installs a loss predicate. Nil delivers everything.
func (h *Hub) SetDropFunc(fn DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = fn
}

// Join adds a participant. Joining an identity that is already present
// replaces the old endpoint, which is closed.
func (h *Hub) Join(identity, name string) *Endpoint {
	e := &Endpoint{
		hub:      h,
		identity: identity,
		name:     name,
		inbox:    make(chan delivery, endpointBuffer),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	old := h.endpoints[identity]
	h.endpoints[identity] = e
	if old == nil {
		h.order = append(h.order, identity)
	}
	others := h.othersLocked(identity)
	h.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	go e.run()

	joined := e.participant(true)
	for _, o := range others {
		o.enqueue(delivery{presence: &joined})
	}
	return e
}

// Members returns the identities currently joined, in join order.
func (h *Hub) Members() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.order)
}

func (h *Hub) othersLocked(identity string) []*Endpoint {
	var out []*Endpoint
	for _, id := range h.order {
		if id == identity {
			continue
		}
		out = append(out, h.endpoints[id])
	}
	return out
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	if h.endpoints[e.identity] != e {
		h.mu.Unlock()
		return
	}
	delete(h.endpoints, e.identity)
	h.order = slices.DeleteFunc(h.order, func(id string) bool { return id == e.identity })
	others := h.othersLocked(e.identity)
	h.mu.Unlock()

	left := e.participant(false)
	for _, o := range others {
		o.enqueue(delivery{presence: &left})
	}
}

type delivery struct {
	packet   *Packet
	presence *domain.Participant
}

// Endpoint is one participant's view of a Hub.
type Endpoint struct {
	hub      *Hub
	identity string
	name     string

	mu       sync.Mutex
	handler  Handler
	presence []PresenceHandler
	closed   bool

	inbox     chan delivery
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ Transport      = (*Endpoint)(nil)
	_ PresenceSource = (*Endpoint)(nil)
)

// Identity returns the endpoint's room identity.
func (e *Endpoint) Identity() string { return e.identity }

func (e *Endpoint) participant(online bool) domain.Participant {
	return domain.Participant{Identity: e.identity, Name: e.name, Online: online}
}

// Send delivers p to every other endpoint, or only to p.To when set.
func (e *Endpoint) Send(ctx context.Context, p Packet) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.hub.mu.Lock()
	targets := e.hub.othersLocked(e.identity)
	drop := e.hub.drop
	e.hub.mu.Unlock()

	p.Sender = e.identity
	p.Payload = slices.Clone(p.Payload)
	for _, t := range targets {
		if len(p.To) > 0 && !slices.Contains(p.To, t.identity) {
			continue
		}
		if drop != nil && drop(p, t.identity) {
			continue
		}
		pkt := p
		t.enqueue(delivery{packet: &pkt})
	}
	return nil
}

// OnMessage replaces the inbound packet handler.
func (e *Endpoint) OnMessage(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// OnPresence registers a presence handler and replays current members.
func (e *Endpoint) OnPresence(h PresenceHandler) {
	e.mu.Lock()
	e.presence = append(e.presence, h)
	e.mu.Unlock()

	e.hub.mu.Lock()
	others := e.hub.othersLocked(e.identity)
	e.hub.mu.Unlock()
	for _, o := range others {
		p := o.participant(true)
		e.enqueue(delivery{presence: &p})
	}
}

// Close leaves the hub. Pending deliveries are discarded.
func (e *Endpoint) Close() error {
	e.shutdown()
	e.hub.leave(e)
	return nil
}

func (e *Endpoint) shutdown() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *Endpoint) enqueue(d delivery) {
	select {
	case e.inbox <- d:
	case <-e.done:
	}
}

func (e *Endpoint) run() {
	for {
		select {
		case <-e.done:
			return
		case d := <-e.inbox:
			e.mu.Lock()
			handler := e.handler
			presence := slices.Clone(e.presence)
			e.mu.Unlock()

			switch {
			case d.packet != nil && handler != nil:
				handler(*d.packet)
			case d.presence != nil:
				for _, h := range presence {
					h(*d.presence)
				}
			}
		}
	}
}
