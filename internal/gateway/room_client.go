package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/logging"
	"github.com/soyeahso/agentsync/internal/transport"
	"github.com/soyeahso/agentsync/internal/version"
)

var (
	_ transport.Transport      = (*RoomClient)(nil)
	_ transport.PresenceSource = (*RoomClient)(nil)
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// DialOptions identify the participant joining a relay room.
type DialOptions struct {
	Identity         string
	Name             string
	Room             string
	Mode             string // "client" | "authority"
	Token            string
	Password         string
	HandshakeTimeout time.Duration
}

type member struct {
	participant domain.Participant
	conns       int
}

// RoomClient is a relay connection joined to one room. It implements
// transport.Transport by publishing packets through data.publish and
// delivering relayed data events to the registered handler.
type RoomClient struct {
	conn     *websocket.Conn
	log      *logging.Logger
	identity string
	room     string
	connID   string

	writeMu sync.Mutex

	mu       sync.Mutex
	handler  transport.Handler
	presence []transport.PresenceHandler
	members  map[string]*member
	pending  map[string]chan Frame
	closed   bool

	done chan struct{}
	err  error
}

// Dial connects to the relay at url, completes the handshake and joins the
// requested room.
func Dial(ctx context.Context, url string, opts DialOptions, log *logging.Logger) (*RoomClient, error) {
	if opts.Identity == "" {
		return nil, errors.New("dial relay: identity is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Mode == "" {
		opts.Mode = ModeClient
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	hello, err := clientHandshake(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &RoomClient{
		conn:     conn,
		log:      log.Sub("relay").With("room", hello.Room),
		identity: opts.Identity,
		room:     hello.Room,
		connID:   hello.Server.ConnID,
		members:  make(map[string]*member),
		pending:  make(map[string]chan Frame),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	var list ParticipantsResult
	if err := c.Call(ctx, MethodParticipantsList, nil, &list); err != nil {
		c.Close()
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	c.seed(list.Participants)

	c.log.Info().
		Str("identity", c.identity).
		Str("connId", c.connID).
		Int("participants", len(list.Participants)).
		Msg("joined room")
	return c, nil
}

func clientHandshake(conn *websocket.Conn, opts DialOptions) (HelloOK, error) {
	conn.SetReadDeadline(time.Now().Add(opts.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var challenge Frame
	if err := conn.ReadJSON(&challenge); err != nil {
		return HelloOK{}, fmt.Errorf("reading challenge: %w", err)
	}
	if challenge.Type != FrameTypeEvent || challenge.Event != EventConnectChallenge {
		return HelloOK{}, fmt.Errorf("expected %s, got %s %s", EventConnectChallenge, challenge.Type, challenge.Event)
	}

	var auth *ConnectAuth
	if opts.Token != "" || opts.Password != "" {
		auth = &ConnectAuth{Token: opts.Token, Password: opts.Password}
	}
	req, err := NewRequest(uuid.New().String(), MethodConnect, ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: ClientInfo{
			ID:          opts.Identity,
			DisplayName: opts.Name,
			Version:     version.Version,
			Platform:    runtime.GOOS,
			Mode:        opts.Mode,
		},
		Room:      opts.Room,
		Auth:      auth,
		UserAgent: version.UserAgent(),
	})
	if err != nil {
		return HelloOK{}, fmt.Errorf("creating connect request: %w", err)
	}
	if err := conn.WriteJSON(req); err != nil {
		return HelloOK{}, fmt.Errorf("sending connect: %w", err)
	}

	var resp Frame
	if err := conn.ReadJSON(&resp); err != nil {
		return HelloOK{}, fmt.Errorf("reading hello: %w", err)
	}
	if resp.OK == nil || !*resp.OK {
		if resp.Error != nil {
			return HelloOK{}, fmt.Errorf("relay rejected connect: %w", resp.Error)
		}
		return HelloOK{}, errors.New("relay rejected connect")
	}

	var hello HelloOK
	if err := json.Unmarshal(resp.Payload, &hello); err != nil {
		return HelloOK{}, fmt.Errorf("parsing hello: %w", err)
	}
	return hello, nil
}

// Identity is the identity this client joined with.
func (c *RoomClient) Identity() string { return c.identity }

// Room is the room the relay placed this client in.
func (c *RoomClient) Room() string { return c.room }

// Done is closed when the connection ends.
func (c *RoomClient) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It is nil after Close.
func (c *RoomClient) Err() error {
	<-c.done
	return c.err
}

// Call sends an RPC request and waits for its response. When out is non-nil
// the response payload is decoded into it. Error responses are returned as
// *ErrorShape.
func (c *RoomClient) Call(ctx context.Context, method string, params, out any) error {
	id := uuid.New().String()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.OK == nil || !*resp.OK {
			if resp.Error != nil {
				return resp.Error
			}
			return fmt.Errorf("%s failed", method)
		}
		if out != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, out); err != nil {
				return fmt.Errorf("decoding %s response: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send publishes p to the room without waiting for the relay's response.
func (c *RoomClient) Send(ctx context.Context, p transport.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	req, err := NewRequest("pub-"+uuid.New().String(), MethodDataPublish, DataPublishParams{
		Topic:    p.Topic,
		Payload:  p.Payload,
		Reliable: p.Reliable,
		To:       p.To,
	})
	if err != nil {
		return fmt.Errorf("creating publish request: %w", err)
	}
	if err := c.write(req); err != nil {
		return fmt.Errorf("publishing on %s: %w", p.Topic, err)
	}
	return nil
}

// OnMessage replaces the inbound packet handler.
func (c *RoomClient) OnMessage(h transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnPresence registers a presence handler and replays the participants
// currently online.
func (c *RoomClient) OnPresence(h transport.PresenceHandler) {
	c.mu.Lock()
	c.presence = append(c.presence, h)
	c.mu.Unlock()

	for _, p := range c.Members() {
		h(p)
	}
}

// Members returns the other participants currently online, sorted by
// identity.
func (c *RoomClient) Members() []domain.Participant {
	c.mu.Lock()
	out := make([]domain.Participant, 0, len(c.members))
	for _, m := range c.members {
		if m.conns > 0 {
			out = append(out, m.participant)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Close leaves the room. It is safe to call more than once but must not
// be called from a message or presence handler.
func (c *RoomClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *RoomClient) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

func (c *RoomClient) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.closed = true
			c.mu.Unlock()
			if !closed {
				c.err = err
				c.log.Warn().Err(err).Msg("relay connection lost")
				c.conn.Close()
			}
			c.dropMembers()
			return
		}

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.Warn().Err(err).Msg("ignoring unparseable frame")
			continue
		}

		switch f.Type {
		case FrameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			} else if f.OK != nil && !*f.OK && f.Error != nil {
				c.log.Warn().Str("id", f.ID).Str("code", f.Error.Code).Msg(f.Error.Message)
			}
		case FrameTypeEvent:
			c.handleEvent(f)
		}
	}
}

func (c *RoomClient) handleEvent(f Frame) {
	switch f.Event {
	case EventData:
		var evt DataEvent
		if err := json.Unmarshal(f.Payload, &evt); err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed data event")
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(transport.Packet{
				Topic:    evt.Topic,
				Payload:  evt.Payload,
				Sender:   evt.Sender,
				Reliable: evt.Reliable,
			})
		}

	case EventParticipantJoined, EventParticipantLeft:
		var info ParticipantInfo
		if err := json.Unmarshal(f.Payload, &info); err != nil {
			c.log.Warn().Err(err).Str("event", f.Event).Msg("ignoring malformed presence event")
			return
		}
		if info.Identity == c.identity {
			return
		}
		delta := 1
		if f.Event == EventParticipantLeft {
			delta = -1
		}
		if p, changed := c.track(info, delta); changed {
			c.notify(p)
		}
	}
}

// track applies a connection count change and reports whether the
// participant's online state flipped.
func (c *RoomClient) track(info ParticipantInfo, delta int) (domain.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[info.Identity]
	if !ok {
		m = &member{participant: domain.Participant{Identity: info.Identity}}
		c.members[info.Identity] = m
	}
	if info.Name != "" {
		m.participant.Name = info.Name
	}
	wasOnline := m.conns > 0
	m.conns = max(m.conns+delta, 0)
	m.participant.Online = m.conns > 0
	return m.participant, wasOnline != m.participant.Online
}

func (c *RoomClient) seed(list []ParticipantInfo) {
	for _, info := range list {
		if info.Identity == c.identity {
			continue
		}
		if p, changed := c.track(info, 1); changed {
			c.notify(p)
		}
	}
}

func (c *RoomClient) dropMembers() {
	c.mu.Lock()
	var gone []domain.Participant
	for _, m := range c.members {
		if m.conns > 0 {
			m.conns = 0
			m.participant.Online = false
			gone = append(gone, m.participant)
		}
	}
	c.mu.Unlock()

	for _, p := range gone {
		c.notify(p)
	}
}

func (c *RoomClient) notify(p domain.Participant) {
	c.mu.Lock()
	handlers := append([]transport.PresenceHandler(nil), c.presence...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(p)
	}
}
