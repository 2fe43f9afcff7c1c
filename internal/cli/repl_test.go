package cli

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/envelope"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/soyeahso/agentsync/internal/logging"
	"github.com/soyeahso/agentsync/internal/session"
	"github.com/soyeahso/agentsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

type received struct {
	mu      sync.Mutex
	packets []transport.Packet
}

func (r *received) handle(p transport.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
}

func (r *received) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.packets))
	for _, p := range r.packets {
		out = append(out, p.Topic)
	}
	return out
}

type replFixture struct {
	session *session.Session
	agent   *transport.Endpoint
	seen    *received
}

func newREPLFixture(t *testing.T) *replFixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Identity = config.IdentityConfig{ID: "alice", Name: "Alice"}
	scfg, err := session.ConfigFrom(cfg)
	require.NoError(t, err)

	hub := transport.NewHub()
	client := hub.Join("alice", "Alice")
	s := session.New(client, scfg, logging.New(nil, "silent"))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	agent := hub.Join(cfg.Agent.Identity, "Agent")
	seen := &received{}
	agent.OnMessage(seen.handle)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
		agent.Close()
		client.Close()
	})
	return &replFixture{session: s, agent: agent, seen: seen}
}

func (f *replFixture) snapshot(t *testing.T) {
	t.Helper()
	data, _, err := envelope.New().Encode(domain.AgentConfig{
		AgentID:     "a1",
		AgentName:   "Bot",
		ModelType:   ptr("gpt-4-turbo"),
		Temperature: ptr(0.8),
		TopP:        ptr(0.9),
	})
	require.NoError(t, err)
	require.NoError(t, f.agent.Send(context.Background(), transport.Packet{
		Topic:    "agent-config-topic",
		Payload:  data,
		Reliable: true,
	}))
	assert.Eventually(t, func() bool {
		_, ok, err := f.session.Snapshot(context.Background())
		if err != nil || !ok {
			return false
		}
		st, err := f.session.Status(context.Background())
		return err == nil && st.State == session.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

// --- command parsing tests ---

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		line, name, rest string
	}{
		{"", "", ""},
		{"show", "show", ""},
		{"  SET temperature 0.5  ", "set", "temperature 0.5"},
		{"say hello   there", "say", "hello   there"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, rest := splitCommand(tt.line)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestClientIdentity(t *testing.T) {
	id, name := clientIdentity("bob", config.IdentityConfig{ID: "alice", Name: "Alice"})
	assert.Equal(t, "bob", id)
	assert.Equal(t, "Alice", name)

	id, name = clientIdentity("", config.IdentityConfig{ID: "alice"})
	assert.Equal(t, "alice", id)
	assert.Equal(t, "alice", name)

	id, name = clientIdentity("", config.IdentityConfig{})
	assert.True(t, strings.HasPrefix(id, "client-"), id)
	assert.Len(t, id, len("client-")+8)
	assert.Equal(t, id, name)
}

// --- REPL tests ---

func TestExecLineBeforeSnapshot(t *testing.T) {
	f := newREPLFixture(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, execLine(ctx, f.session, "show", &out))
	assert.Contains(t, out.String(), "no configuration received yet")

	out.Reset()
	require.NoError(t, execLine(ctx, f.session, "set temperature 0.5", &out))
	assert.Contains(t, out.String(), "temperature not sent")
	assert.Empty(t, f.seen.topics())
}

func TestExecLineErrors(t *testing.T) {
	f := newREPLFixture(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.ErrorIs(t, execLine(ctx, f.session, "quit", &out), errQuit)
	assert.ErrorIs(t, execLine(ctx, f.session, "edit colour red", &out), domain.ErrUnknownField)
	assert.Error(t, execLine(ctx, f.session, "say", &out))
	assert.Error(t, execLine(ctx, f.session, "transcript", &out))
	assert.ErrorContains(t, execLine(ctx, f.session, "dance", &out), `unknown command "dance"`)
	assert.NoError(t, execLine(ctx, f.session, "   ", &out))
}

func TestREPLEditCommitAndChat(t *testing.T) {
	f := newREPLFixture(t)
	f.snapshot(t)

	in := strings.NewReader(strings.Join([]string{
		"edit temperature 0.5",
		"show",
		"commit temperature",
		"say hello room",
		"timeline",
		"dance",
		"status",
		"quit",
		"say never sent",
	}, "\n"))
	var out bytes.Buffer
	require.NoError(t, runREPL(context.Background(), f.session, in, &out))

	text := out.String()
	assert.Contains(t, text, "draft temperature = 0.5")
	assert.Contains(t, text, "agent a1 (Bot)")
	assert.Contains(t, text, "* temperature")
	assert.Contains(t, text, "sent temperature = 0.5 to a1")
	assert.Contains(t, text, "Alice: hello room")
	assert.Contains(t, text, `error: unknown command "dance"`)
	assert.Contains(t, text, "state:        connected")
	assert.NotContains(t, text, "never sent")

	assert.Eventually(t, func() bool {
		topics := f.seen.topics()
		return len(topics) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"agent-config-topic", "lk-chat-topic"}, f.seen.topics())
}

func TestREPLStopsOnContext(t *testing.T) {
	f := newREPLFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	var out bytes.Buffer
	go func() { done <- runREPL(ctx, f.session, pr, &out) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("repl did not stop")
	}
}

func TestLogHookRecordsEveryEvent(t *testing.T) {
	var buf bytes.Buffer
	saved := log
	log = logging.New(&buf, "debug")
	t.Cleanup(func() { log = saved })

	m := hooks.NewManager(logging.New(nil, "silent"))
	m.OnAll("log", logHook)
	m.Emit(context.Background(), hooks.EventPatchUnacknowledged, map[string]any{"field": "temperature"})
	m.Emit(context.Background(), hooks.EventSnapshotApplied, nil)

	out := buf.String()
	assert.Contains(t, out, `"event":"patch_unacknowledged"`)
	assert.Contains(t, out, `"field":"temperature"`)
	assert.Contains(t, out, `"event":"snapshot_applied"`)
}
