package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/gateway"
	"github.com/soyeahso/agentsync/internal/transport"
)

// link is a connected transport plus the relay connection underneath it.
// With kind "webrtc" the relay only carries signaling.
type link struct {
	transport.Transport
	room *gateway.RoomClient
	peer *transport.PeerTransport
}

// Done reports relay loss for both kinds.
func (l *link) Done() <-chan struct{} { return l.room.Done() }

// OnPresence forwards to whichever layer reports room members.
func (l *link) OnPresence(h transport.PresenceHandler) {
	if l.peer != nil {
		l.peer.OnPresence(h)
		return
	}
	l.room.OnPresence(h)
}

// Close tears down the peer transport, then the relay.
func (l *link) Close() error {
	var err error
	if l.peer != nil {
		err = l.peer.Close()
	}
	if cerr := l.room.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ transport.PresenceSource = (*link)(nil)

// connect joins the configured room as identity. Authorities answer peer
// offers on g; clients dial the authority directly.
func connect(ctx context.Context, g *errgroup.Group, cfg config.Config, identity, name, mode string) (*link, error) {
	room, err := gateway.Dial(ctx, cfg.Transport.URL, gateway.DialOptions{
		Identity: identity,
		Name:     name,
		Room:     cfg.Transport.Room,
		Mode:     mode,
		Token:    cfg.Transport.Token,
		Password: cfg.Transport.Password,
	}, log)
	if err != nil {
		return nil, err
	}

	switch cfg.Transport.Kind {
	case "", "relay":
		return &link{Transport: room, room: room}, nil
	case "webrtc":
	default:
		room.Close()
		return nil, &config.ConfigError{Message: fmt.Sprintf("unknown transport kind %q", cfg.Transport.Kind)}
	}

	peer := transport.NewPeerTransport(transport.NewTopicSignaler(room), transport.PeerConfig{
		Identity:   identity,
		ICEServers: iceServers(cfg.Transport.ICEServers),
	}, log)
	l := &link{Transport: peer, room: room, peer: peer}

	if mode == gateway.ModeAuthority {
		g.Go(func() error { return peer.Serve(ctx) })
		return l, nil
	}
	if err := peer.Dial(ctx, cfg.Agent.Identity); err != nil {
		l.Close()
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Agent.Identity, err)
	}
	return l, nil
}

func iceServers(entries []config.ICEServerEntry) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		out = append(out, webrtc.ICEServer{
			URLs:       e.URLs,
			Username:   e.Username,
			Credential: e.Credential,
		})
	}
	return out
}

// clientIdentity picks the room identity: flag, then config, then a
// generated one.
func clientIdentity(flag string, cfg config.IdentityConfig) (id, name string) {
	id = flag
	if id == "" {
		id = cfg.ID
	}
	if id == "" {
		id = "client-" + uuid.NewString()[:8]
	}
	name = cfg.Name
	if name == "" {
		name = id
	}
	return id, name
}
