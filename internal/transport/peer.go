package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/logging"
)

// Data channel labels. The offerer creates both.
const (
	reliableLabel = "reliable"
	lossyLabel    = "lossy"
)

// PeerConfig tunes a PeerTransport. Zero durations select defaults.
type PeerConfig struct {
	Identity   string
	ICEServers []webrtc.ICEServer

	OfferPollInterval  time.Duration // default 2s
	AnswerPollInterval time.Duration // default 500ms
	AnswerTimeout      time.Duration // default 30s
	GatherTimeout      time.Duration // default 15s
	OpenTimeout        time.Duration // default 30s
}

func (c *PeerConfig) applyDefaults() {
	if c.OfferPollInterval == 0 {
		c.OfferPollInterval = 2 * time.Second
	}
	if c.AnswerPollInterval == 0 {
		c.AnswerPollInterval = 500 * time.Millisecond
	}
	if c.AnswerTimeout == 0 {
		c.AnswerTimeout = 30 * time.Second
	}
	if c.GatherTimeout == 0 {
		c.GatherTimeout = 15 * time.Second
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
}

// PeerTransport is a Transport over WebRTC data channels, one
// PeerConnection per remote participant. Reliable packets use an ordered
// channel; lossy packets use an unordered channel without retransmits.
type PeerTransport struct {
	signaler Signaler
	cfg      PeerConfig
	log      *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	peers    map[string]*peerConn
	handler  Handler
	presence []PresenceHandler

	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ Transport      = (*PeerTransport)(nil)
	_ PresenceSource = (*PeerTransport)(nil)
)

type peerConn struct {
	identity string
	pc       *webrtc.PeerConnection

	mu       sync.Mutex
	reliable *webrtc.DataChannel
	lossy    *webrtc.DataChannel
	online   bool

	open     chan struct{} // closed when the reliable channel opens
	openOnce sync.Once
}

func (p *peerConn) channel(reliable bool) *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !reliable && p.lossy != nil && p.lossy.ReadyState() == webrtc.DataChannelStateOpen {
		return p.lossy
	}
	return p.reliable
}

func (p *peerConn) alive() bool {
	state := p.pc.ICEConnectionState()
	return state != webrtc.ICEConnectionStateFailed &&
		state != webrtc.ICEConnectionStateClosed &&
		state != webrtc.ICEConnectionStateDisconnected
}

// NewPeerTransport creates a transport identified as cfg.Identity.
func NewPeerTransport(signaler Signaler, cfg PeerConfig, log *logging.Logger) *PeerTransport {
	cfg.applyDefaults()
	return &PeerTransport{
		signaler: signaler,
		cfg:      cfg,
		log:      log.Sub("webrtc"),
		now:      time.Now,
		peers:    make(map[string]*peerConn),
		closed:   make(chan struct{}),
	}
}

// Peers returns the identities with an open reliable channel.
func (t *PeerTransport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, p := range t.peers {
		p.mu.Lock()
		online := p.online
		p.mu.Unlock()
		if online {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// OnMessage replaces the inbound packet handler.
func (t *PeerTransport) OnMessage(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// OnPresence registers a presence handler and replays connected peers.
func (t *PeerTransport) OnPresence(h PresenceHandler) {
	t.mu.Lock()
	t.presence = append(t.presence, h)
	t.mu.Unlock()
	for _, id := range t.Peers() {
		h(participant(id, true))
	}
}

// Send frames p and writes it to every connected peer, or only to p.To.
// Peers without an open channel are skipped.
func (t *PeerTransport) Send(_ context.Context, p Packet) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	data, err := EncodeFrame(Frame{
		Topic:   p.Topic,
		Sender:  t.cfg.Identity,
		Payload: p.Payload,
		Sent:    t.now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	targets := make([]*peerConn, 0, len(t.peers))
	for id, peer := range t.peers {
		if len(p.To) > 0 && !slices.Contains(p.To, id) {
			continue
		}
		targets = append(targets, peer)
	}
	t.mu.Unlock()

	var errs []error
	for _, peer := range targets {
		dc := peer.channel(p.Reliable)
		if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
			t.log.Debug().Str("peer", peer.identity).Str("topic", p.Topic).Msg("no open channel, packet dropped")
			continue
		}
		if err := dc.Send(data); err != nil {
			errs = append(errs, fmt.Errorf("sending to %s: %w", peer.identity, err))
		}
	}
	return errors.Join(errs...)
}

// Close tears down every PeerConnection.
func (t *PeerTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })

	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, p := range peers {
		p.pc.Close()
		t.markOffline(p)
	}
	return nil
}

// Dial connects to remote and waits until the reliable channel is open.
// An existing live connection is reused.
func (t *PeerTransport) Dial(ctx context.Context, remote string) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	peer, err := t.getOrCreatePeer(ctx, remote)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", remote, err)
	}

	timer := time.NewTimer(t.cfg.OpenTimeout)
	defer timer.Stop()
	select {
	case <-peer.open:
		return nil
	case <-timer.C:
		return fmt.Errorf("connecting to %s: channel did not open within %s", remote, t.cfg.OpenTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
}

func (t *PeerTransport) getOrCreatePeer(ctx context.Context, remote string) (*peerConn, error) {
	t.mu.Lock()
	if peer, ok := t.peers[remote]; ok {
		if peer.alive() {
			t.mu.Unlock()
			return peer, nil
		}
		peer.pc.Close()
		delete(t.peers, remote)
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	peer := &peerConn{identity: remote, pc: pc, open: make(chan struct{})}
	t.peers[remote] = peer
	t.mu.Unlock()

	if err := t.establishOutbound(ctx, peer); err != nil {
		t.mu.Lock()
		if current, ok := t.peers[remote]; ok && current == peer {
			delete(t.peers, remote)
		}
		t.mu.Unlock()
		pc.Close()
		return nil, err
	}
	return peer, nil
}

func (t *PeerTransport) establishOutbound(ctx context.Context, peer *peerConn) error {
	pc := peer.pc
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.handleICEState(peer, state)
	})

	ordered := true
	reliable, err := pc.CreateDataChannel(reliableLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("creating reliable channel: %w", err)
	}
	unordered := false
	var retransmits uint16
	lossy, err := pc.CreateDataChannel(lossyLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return fmt.Errorf("creating lossy channel: %w", err)
	}
	t.attach(peer, reliable)
	t.attach(peer, lossy)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := t.waitGathered(ctx, gatherComplete); err != nil {
		return err
	}

	if err := t.signaler.PublishOffer(ctx, t.cfg.Identity, peer.identity, pc.LocalDescription().SDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	t.log.Info().Str("peer", peer.identity).Msg("offer published")

	answer, err := t.waitForAnswer(ctx, peer.identity)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (t *PeerTransport) waitGathered(ctx context.Context, done <-chan struct{}) error {
	timer := time.NewTimer(t.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("ICE gathering timed out after %s", t.cfg.GatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *PeerTransport) waitForAnswer(ctx context.Context, remote string) (string, error) {
	deadline := time.NewTimer(t.cfg.AnswerTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.cfg.AnswerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return "", fmt.Errorf("timed out after %s", t.cfg.AnswerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.closed:
			return "", ErrClosed
		case <-ticker.C:
			answers, err := t.signaler.PollAnswers(ctx, t.cfg.Identity)
			if err != nil {
				t.log.Warn().Err(err).Msg("polling for SDP answer")
				continue
			}
			for _, a := range answers {
				if a.Peer == remote {
					return a.SDP, nil
				}
			}
		}
	}
}

// Serve answers inbound offers until ctx is cancelled or Close is called.
func (t *PeerTransport) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.OfferPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.closed:
			return nil
		case <-ticker.C:
			t.processOffers(ctx)
		}
	}
}

func (t *PeerTransport) processOffers(ctx context.Context) {
	offers, err := t.signaler.PollOffers(ctx, t.cfg.Identity)
	if err != nil {
		t.log.Warn().Err(err).Msg("polling for SDP offers")
		return
	}

	for _, offer := range offers {
		t.mu.Lock()
		existing, ok := t.peers[offer.Peer]
		if ok {
			// Both sides dialed: the smaller identity is the offerer.
			if existing.alive() && offer.Peer > t.cfg.Identity {
				t.mu.Unlock()
				continue
			}
			delete(t.peers, offer.Peer)
		}
		t.mu.Unlock()
		if ok {
			existing.pc.Close()
		}

		if err := t.answerOffer(ctx, offer); err != nil {
			t.log.Error().Err(err).Str("peer", offer.Peer).Msg("answering offer")
		}
	}
}

func (t *PeerTransport) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := t.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	peer := &peerConn{identity: offer.Peer, pc: pc, open: make(chan struct{})}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.attach(peer, dc)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.handleICEState(peer, state)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := t.waitGathered(ctx, gatherComplete); err != nil {
		pc.Close()
		return err
	}

	t.mu.Lock()
	t.peers[offer.Peer] = peer
	t.mu.Unlock()

	if err := t.signaler.PublishAnswer(ctx, offer.Peer, t.cfg.Identity, pc.LocalDescription().SDP); err != nil {
		t.mu.Lock()
		if current, ok := t.peers[offer.Peer]; ok && current == peer {
			delete(t.peers, offer.Peer)
		}
		t.mu.Unlock()
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}
	t.log.Info().Str("peer", offer.Peer).Msg("offer answered")
	return nil
}

// attach wires a data channel to the peer by label.
func (t *PeerTransport) attach(peer *peerConn, dc *webrtc.DataChannel) {
	label := dc.Label()
	peer.mu.Lock()
	switch label {
	case reliableLabel:
		peer.reliable = dc
	case lossyLabel:
		peer.lossy = dc
	default:
		peer.mu.Unlock()
		t.log.Debug().Str("peer", peer.identity).Str("label", label).Msg("ignoring unknown data channel")
		return
	}
	peer.mu.Unlock()

	dc.OnOpen(func() {
		t.log.Debug().Str("peer", peer.identity).Str("label", label).Msg("data channel open")
		if label == reliableLabel {
			t.markOnline(peer)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.receive(peer, msg.Data)
	})
}

func (t *PeerTransport) receive(peer *peerConn, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		t.log.Warn().Err(err).Str("peer", peer.identity).Msg("dropping undecodable frame")
		return
	}
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return
	}
	// The connection identity is authoritative over the frame's claim.
	h(Packet{Topic: f.Topic, Payload: f.Payload, Sender: peer.identity})
}

func (t *PeerTransport) handleICEState(peer *peerConn, state webrtc.ICEConnectionState) {
	t.log.Debug().Str("peer", peer.identity).Str("state", state.String()).Msg("ICE state change")

	switch state {
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		t.markOffline(peer)
	case webrtc.ICEConnectionStateClosed:
		t.markOffline(peer)
		t.mu.Lock()
		if current, ok := t.peers[peer.identity]; ok && current == peer {
			delete(t.peers, peer.identity)
		}
		t.mu.Unlock()
	}
}

func (t *PeerTransport) markOnline(peer *peerConn) {
	peer.mu.Lock()
	changed := !peer.online
	peer.online = true
	peer.mu.Unlock()
	peer.openOnce.Do(func() { close(peer.open) })
	if changed {
		t.notify(participant(peer.identity, true))
	}
}

func (t *PeerTransport) markOffline(peer *peerConn) {
	peer.mu.Lock()
	changed := peer.online
	peer.online = false
	peer.mu.Unlock()
	if changed {
		t.notify(participant(peer.identity, false))
	}
}

func (t *PeerTransport) notify(p domain.Participant) {
	t.mu.Lock()
	handlers := slices.Clone(t.presence)
	t.mu.Unlock()
	for _, h := range handlers {
		h(p)
	}
}

func (t *PeerTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	// Loopback candidates let peers on one host connect without STUN.
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
}

func participant(identity string, online bool) domain.Participant {
	return domain.Participant{Identity: identity, Online: online}
}
