package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/configsync"
	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/envelope"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/soyeahso/agentsync/internal/logging"
	"github.com/soyeahso/agentsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testLog() *logging.Logger {
	return logging.New(nil, "silent")
}

func ptr[T any](v T) *T { return &v }

func testConfig() Config {
	def := config.Defaults()
	syncCfg := def.Sync
	syncCfg.SweepIntervalMs = 5
	return Config{
		Self:          domain.Participant{Identity: "alice", Name: "Alice"},
		AgentIdentity: "agent",
		Topics:        def.Topics,
		Sync:          syncCfg,
		Models:        def.Models,
	}
}

func agentConfig(temperature float64) domain.AgentConfig {
	return domain.AgentConfig{
		AgentID:            "a1",
		AgentName:          "Bot",
		ModelType:          ptr("gpt-4-turbo"),
		DialogRound:        ptr(5),
		Temperature:        ptr(temperature),
		TopP:               ptr(0.9),
		OutputLimit:        ptr(200),
		SystemMessage:      ptr("be brief"),
		SystemMessageLimit: ptr(1000),
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// inbox records packets received by a raw hub endpoint.
type inbox struct {
	mu      sync.Mutex
	packets []transport.Packet
}

func (b *inbox) handle(p transport.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packets = append(b.packets, p)
}

func (b *inbox) onTopic(topic string) []transport.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []transport.Packet
	for _, p := range b.packets {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// start runs s until the test ends.
func start(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
}

type fixture struct {
	hub     *transport.Hub
	session *Session
	agent   *transport.Endpoint
	seen    *inbox
	codec   *envelope.Codec
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	hub := transport.NewHub()
	client := hub.Join(cfg.Self.Identity, cfg.Self.Name)
	s := New(client, cfg, testLog(), opts...)
	start(t, s)

	agent := hub.Join("agent", "Agent")
	seen := &inbox{}
	agent.OnMessage(seen.handle)
	t.Cleanup(func() {
		agent.Close()
		client.Close()
	})
	return &fixture{hub: hub, session: s, agent: agent, seen: seen, codec: envelope.New()}
}

func (f *fixture) sendSnapshot(t *testing.T, cfg domain.AgentConfig) {
	t.Helper()
	data, _, err := f.codec.Encode(cfg)
	require.NoError(t, err)
	require.NoError(t, f.agent.Send(context.Background(), transport.Packet{
		Topic:    "agent-config-topic",
		Payload:  data,
		Reliable: true,
	}))
}

func (f *fixture) waitSnapshot(t *testing.T, match func(domain.AgentConfig) bool) {
	t.Helper()
	assert.Eventually(t, func() bool {
		cfg, ok, err := f.session.Snapshot(context.Background())
		return err == nil && ok && match(cfg)
	}, waitFor, tick)
}

func temperatureIs(v float64) func(domain.AgentConfig) bool {
	return func(c domain.AgentConfig) bool { return c.Temperature != nil && *c.Temperature == v }
}

// --- Snapshot tests ---

func TestSnapshotFromAgentIsApplied(t *testing.T) {
	f := newFixture(t, testConfig())
	f.sendSnapshot(t, agentConfig(0.8))
	f.waitSnapshot(t, temperatureIs(0.8))

	draft, dirty, err := f.session.Draft(context.Background(), domain.FieldTemperature)
	require.NoError(t, err)
	assert.Equal(t, "0.8", draft)
	assert.False(t, dirty)

	entries, err := f.session.Timeline(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Configuration", entries[0].Name)
	assert.Equal(t, domain.SourceConfig, entries[0].Source)
}

func TestSnapshotReplaceWins(t *testing.T) {
	f := newFixture(t, testConfig())
	f.sendSnapshot(t, agentConfig(0.8))
	f.sendSnapshot(t, agentConfig(0.3))
	f.waitSnapshot(t, temperatureIs(0.3))
}

func TestConfigFromOtherParticipantNotApplied(t *testing.T) {
	f := newFixture(t, testConfig())
	bob := f.hub.Join("bob", "Bob")
	t.Cleanup(func() { bob.Close() })

	data, _, err := f.codec.Encode(agentConfig(0.1))
	require.NoError(t, err)
	require.NoError(t, bob.Send(context.Background(), transport.Packet{Topic: "agent-config-topic", Payload: data}))

	assert.Eventually(t, func() bool {
		st, err := f.session.Status(context.Background())
		return err == nil && st.ConfigEvents == 1
	}, waitFor, tick)

	_, ok, err := f.session.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- Draft and commit tests ---

func TestCommitBeforeSnapshotIsStale(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, ok, err := f.session.Set(ctx, domain.FieldTemperature, "0.5")
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := f.session.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.StaleEdits)
	assert.False(t, st.HasSnapshot)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.seen.onTopic("agent-config-topic"))
}

func TestDraftResetBySnapshot(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.sendSnapshot(t, agentConfig(0.8))
	f.waitSnapshot(t, temperatureIs(0.8))

	require.NoError(t, f.session.Edit(ctx, domain.FieldTemperature, "0.5"))
	draft, dirty, err := f.session.Draft(ctx, domain.FieldTemperature)
	require.NoError(t, err)
	assert.Equal(t, "0.5", draft)
	assert.True(t, dirty)

	f.sendSnapshot(t, agentConfig(0.9))
	f.waitSnapshot(t, temperatureIs(0.9))

	draft, dirty, err = f.session.Draft(ctx, domain.FieldTemperature)
	require.NoError(t, err)
	assert.Equal(t, "0.9", draft)
	assert.False(t, dirty)
}

func TestCommitSendsOneFieldPatchAndAcknowledges(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.sendSnapshot(t, agentConfig(0.8))
	f.waitSnapshot(t, temperatureIs(0.8))

	patch, ok, err := f.session.Set(ctx, domain.FieldTemperature, "0.4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.FieldTemperature, patch.Field)
	assert.Equal(t, "a1", patch.AgentID)

	assert.Eventually(t, func() bool { return len(f.seen.onTopic("agent-config-topic")) == 1 }, waitFor, tick)
	pkt := f.seen.onTopic("agent-config-topic")[0]
	assert.Equal(t, "alice", pkt.Sender)
	assert.True(t, pkt.Reliable)

	env, err := f.codec.Decode(pkt.Payload)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal([]byte(env.Message), &wire))
	assert.Equal(t, map[string]any{"agentId": "a1", "agentName": "Bot", "temperature": 0.4}, wire)

	st, err := f.session.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, configsync.StatusPending, st.Pending[0].Status)

	f.sendSnapshot(t, agentConfig(0.4))
	assert.Eventually(t, func() bool {
		st, err := f.session.Status(ctx)
		return err == nil && len(st.Pending) == 0
	}, waitFor, tick)
}

func TestCommitRecordsTimelineEntry(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.sendSnapshot(t, agentConfig(0.8))
	f.waitSnapshot(t, temperatureIs(0.8))

	_, ok, err := f.session.Set(ctx, domain.FieldDialogRound, "7")
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := f.session.Timeline(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	last := entries[1]
	assert.Equal(t, "Configuration", last.Name)
	assert.False(t, last.IsSelf)
	assert.JSONEq(t, `{"agentId":"a1","agentName":"Bot","dialogRound":7}`, last.Message)
}

func TestCommitClampsByDefault(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.sendSnapshot(t, agentConfig(0.8))
	f.waitSnapshot(t, temperatureIs(0.8))

	patch, ok, err := f.session.Set(ctx, domain.FieldTemperature, "3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, patch.Value)
}

func TestCommitRejectPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.DraftPolicy = "reject"
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.sendSnapshot(t, agentConfig(0.8))
	f.waitSnapshot(t, temperatureIs(0.8))

	_, ok, err := f.session.Set(ctx, domain.FieldTopP, "1.5")
	assert.False(t, ok)
	assert.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.seen.onTopic("agent-config-topic"))
}

func TestEditUnknownField(t *testing.T) {
	f := newFixture(t, testConfig())
	err := f.session.Edit(context.Background(), domain.FieldKey("agentId"), "x")
	assert.ErrorIs(t, err, domain.ErrUnknownField)
}

func TestUnacknowledgedPatchAfterTimeout(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	hm := hooks.NewManager(testLog())
	expired := make(chan string, 1)
	hm.On(hooks.EventPatchUnacknowledged, "test", func(_ context.Context, p hooks.Payload) error {
		expired <- p.Data["field"].(string)
		return nil
	})

	f := newFixture(t, testConfig(), WithClock(clock.Now), WithHooks(hm))
	ctx := context.Background()
	f.sendSnapshot(t, agentConfig(0.8))
	f.waitSnapshot(t, temperatureIs(0.8))

	_, ok, err := f.session.Set(ctx, domain.FieldOutputLimit, "300")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(6 * time.Second)

	select {
	case field := <-expired:
		assert.Equal(t, "outputLimit", field)
	case <-time.After(waitFor):
		t.Fatal("patch never marked unacknowledged")
	}

	st, err := f.session.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, configsync.StatusUnacknowledged, st.Pending[0].Status)
}

// --- Inbound stream tests ---

func TestMalformedPayloadLeavesStateUntouched(t *testing.T) {
	hm := hooks.NewManager(testLog())
	reported := make(chan map[string]any, 4)
	hm.On(hooks.EventPayloadMalformed, "test", func(_ context.Context, p hooks.Payload) error {
		reported <- p.Data
		return nil
	})

	f := newFixture(t, testConfig(), WithHooks(hm))
	ctx := context.Background()
	f.sendSnapshot(t, agentConfig(0.8))
	f.waitSnapshot(t, temperatureIs(0.8))

	for _, topic := range []string{"agent-config-topic", "lk-chat-topic", "transcription"} {
		require.NoError(t, f.agent.Send(ctx, transport.Packet{Topic: topic, Payload: []byte("{not json")}))
	}

	for range 3 {
		select {
		case data := <-reported:
			assert.Equal(t, "agent", data["sender"])
		case <-time.After(waitFor):
			t.Fatal("malformed payload not reported")
		}
	}

	st, err := f.session.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Malformed)
	assert.Equal(t, 0, st.Chat)
	assert.Equal(t, 0, st.Transcripts)
	assert.Equal(t, 1, st.ConfigEvents)

	cfg, ok, err := f.session.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.8, *cfg.Temperature)
}

func TestTimelineOrdersOutOfOrderArrivals(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	chat := func(id string, ts int64, text string) []byte {
		data, err := json.Marshal(envelope.Envelope{ID: id, Message: text, Timestamp: ts})
		require.NoError(t, err)
		return data
	}
	send := func(topic string, payload []byte) {
		require.NoError(t, f.agent.Send(ctx, transport.Packet{Topic: topic, Payload: payload}))
	}

	send("lk-chat-topic", chat("c2", 300, "third"))
	send("transcription", []byte(`{"text":"second","timestamp":200}`))
	send("lk-chat-topic", chat("c1", 100, "first"))
	send("transcription", []byte(`{"text":"tie transcript","timestamp":300}`))

	var entries []domain.TimelineEntry
	assert.Eventually(t, func() bool {
		var err error
		entries, err = f.session.Timeline(ctx)
		return err == nil && len(entries) == 4
	}, waitFor, tick)

	var got []string
	for _, e := range entries {
		got = append(got, e.Message)
	}
	assert.Equal(t, []string{"first", "second", "tie transcript", "third"}, got)
	assert.Equal(t, "Agent", entries[0].Name)
}

func TestSendChatAndTranscript(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	msg, err := f.session.SendChat(ctx, "hello agent")
	require.NoError(t, err)
	assert.Equal(t, "hello agent", msg.Message)
	assert.Len(t, msg.ID, 12)

	require.NoError(t, f.session.SendTranscript(ctx, "spoken words"))

	assert.Eventually(t, func() bool {
		return len(f.seen.onTopic("lk-chat-topic")) == 1 && len(f.seen.onTopic("transcription")) == 1
	}, waitFor, tick)
	assert.True(t, f.seen.onTopic("lk-chat-topic")[0].Reliable)
	assert.False(t, f.seen.onTopic("transcription")[0].Reliable)

	entries, err := f.session.Timeline(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	names := map[domain.Source]string{}
	for _, e := range entries {
		assert.True(t, e.IsSelf)
		names[e.Source] = e.Name
	}
	assert.Equal(t, "Alice", names[domain.SourceChat])
	assert.Equal(t, "You", names[domain.SourceTranscript])
}

// --- Connection state tests ---

func TestConnectionState(t *testing.T) {
	hub := transport.NewHub()
	client := hub.Join("alice", "Alice")
	t.Cleanup(func() { client.Close() })
	s := New(client, testConfig(), testLog())
	start(t, s)
	ctx := context.Background()

	stateIs := func(want State) func() bool {
		return func() bool {
			st, err := s.Status(ctx)
			return err == nil && st.State == want
		}
	}

	assert.Eventually(t, stateIs(StateWaitingForAgent), waitFor, tick)

	bob := hub.Join("bob", "Bob")
	defer bob.Close()
	agent := hub.Join("agent", "Agent")
	assert.Eventually(t, stateIs(StateConnected), waitFor, tick)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Participants, 2)

	agent.Close()
	assert.Eventually(t, stateIs(StateWaitingForAgent), waitFor, tick)
}

// lossyTransport is a transport whose connection can be cut.
type lossyTransport struct {
	done chan struct{}
}

func (l *lossyTransport) Send(context.Context, transport.Packet) error { return nil }
func (l *lossyTransport) OnMessage(transport.Handler)                 {}
func (l *lossyTransport) Close() error                                { return nil }
func (l *lossyTransport) Done() <-chan struct{}                       { return l.done }

func TestRunStopsWhenTransportLost(t *testing.T) {
	tr := &lossyTransport{done: make(chan struct{})}
	s := New(tr, testConfig(), testLog())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	close(tr.done)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTransportLost)
	case <-time.After(waitFor):
		t.Fatal("run did not stop")
	}

	_, err := s.Status(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Defaults()
	cfg.Identity = config.IdentityConfig{ID: "alice", Name: "Alice"}

	sc, err := ConfigFrom(cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.Participant{Identity: "alice", Name: "Alice"}, sc.Self)
	assert.Equal(t, "agent", sc.AgentIdentity)
	assert.Equal(t, "lk-chat-topic", sc.Topics.Chat)
	assert.Len(t, sc.Limits, 5)

	cfg.Sync.DraftPolicy = "shout"
	_, err = ConfigFrom(cfg)
	assert.Error(t, err)
}
