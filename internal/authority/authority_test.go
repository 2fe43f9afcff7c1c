package authority

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/agentsync/internal/config"
	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/envelope"
	"github.com/soyeahso/agentsync/internal/hooks"
	"github.com/soyeahso/agentsync/internal/logging"
	"github.com/soyeahso/agentsync/internal/store"
	"github.com/soyeahso/agentsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	configTopic = "agent-config-topic"
	waitFor     = 2 * time.Second
	tick        = 5 * time.Millisecond
)

func testLog() *logging.Logger {
	return logging.New(nil, "silent")
}

func testStore(t *testing.T) *store.AgentStore {
	t.Helper()
	db, err := store.Open(":memory:", testLog())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewAgentStore(db)
}

func testServiceConfig() Config {
	cfg := config.Defaults()
	cfg.Agent.ID = "a1"
	cfg.Agent.Name = "Bot"
	return ConfigFrom(cfg)
}

// snapshots decodes config snapshots received by a participant.
type snapshots struct {
	mu    sync.Mutex
	codec *envelope.Codec
	got   []domain.AgentConfig
}

func watch(e *transport.Endpoint) *snapshots {
	s := &snapshots{codec: envelope.New()}
	e.OnMessage(func(p transport.Packet) {
		if p.Topic != configTopic {
			return
		}
		_, cfg, err := s.codec.DecodeConfig(p.Payload)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.got = append(s.got, cfg)
		s.mu.Unlock()
	})
	return s
}

func (s *snapshots) last() (domain.AgentConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		return domain.AgentConfig{}, false
	}
	return s.got[len(s.got)-1], true
}

func (s *snapshots) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func (s *snapshots) waitFor(t *testing.T, match func(domain.AgentConfig) bool) {
	t.Helper()
	assert.Eventually(t, func() bool {
		cfg, ok := s.last()
		return ok && match(cfg)
	}, waitFor, tick)
}

type fixture struct {
	hub   *transport.Hub
	store *store.AgentStore
	svc   *Service
	alice *transport.Endpoint
	seen  *snapshots
	codec *envelope.Codec
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	hub := transport.NewHub()
	st := testStore(t)

	alice := hub.Join("alice", "Alice")
	seen := watch(alice)

	agent := hub.Join("agent", "Agent")
	svc := New(agent, st, testServiceConfig(), testLog(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		agent.Close()
		alice.Close()
	})

	// alice gets the start broadcast plus the snapshot announced to joiners.
	seen.waitFor(t, func(c domain.AgentConfig) bool { return c.AgentID == "a1" })
	require.Eventually(t, func() bool { return seen.count() == 2 }, waitFor, tick)
	return &fixture{hub: hub, store: st, svc: svc, alice: alice, seen: seen, codec: envelope.New()}
}

func (f *fixture) sendPatch(t *testing.T, from *transport.Endpoint, patch domain.ConfigPatch) {
	t.Helper()
	data, _, err := f.codec.Encode(patch)
	require.NoError(t, err)
	require.NoError(t, from.Send(context.Background(), transport.Packet{Topic: configTopic, Payload: data, Reliable: true}))
}

// --- Service tests ---

func TestRunCreatesPrimaryFromDefaults(t *testing.T) {
	f := newFixture(t)

	cfg, ok := f.seen.last()
	require.True(t, ok)
	assert.Equal(t, "Bot", cfg.AgentName)
	assert.Equal(t, "gpt-4-turbo", *cfg.ModelType)
	assert.Equal(t, 5, *cfg.DialogRound)
	assert.Equal(t, 0.8, *cfg.Temperature)
	assert.Equal(t, 0.9, *cfg.TopP)
	assert.Equal(t, 200, *cfg.OutputLimit)
	assert.Equal(t, 1000, *cfg.SystemMessageLimit)
	assert.Nil(t, cfg.SystemMessage)

	stored, err := f.store.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, cfg, stored.Config)
}

func TestRunKeepsStoredPrimary(t *testing.T) {
	hub := transport.NewHub()
	st := testStore(t)
	temp := 0.2
	require.NoError(t, st.Upsert(context.Background(), domain.AgentConfig{AgentID: "a1", AgentName: "Stored", Temperature: &temp}))

	alice := hub.Join("alice", "Alice")
	defer alice.Close()
	seen := watch(alice)
	agent := hub.Join("agent", "Agent")
	defer agent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(agent, st, testServiceConfig(), testLog()).Run(ctx)

	seen.waitFor(t, func(c domain.AgentConfig) bool {
		return c.AgentName == "Stored" && c.Temperature != nil && *c.Temperature == 0.2
	})
}

func TestPatchAppliedAndRebroadcast(t *testing.T) {
	f := newFixture(t)
	bob := f.hub.Join("bob", "Bob")
	defer bob.Close()
	bobSeen := watch(bob)

	f.sendPatch(t, f.alice, domain.ConfigPatch{AgentID: "a1", AgentName: "Bot", Field: domain.FieldTemperature, Value: 0.3})

	isPatched := func(c domain.AgentConfig) bool { return c.Temperature != nil && *c.Temperature == 0.3 }
	f.seen.waitFor(t, isPatched)
	bobSeen.waitFor(t, isPatched)

	cfg, _ := f.seen.last()
	assert.Equal(t, 5, *cfg.DialogRound, "other fields keep their stored values")

	history, err := f.store.History(context.Background(), "a1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].Sender)
	assert.NotEmpty(t, history[0].EnvelopeID)
}

func TestPatchCannotRename(t *testing.T) {
	f := newFixture(t)
	f.sendPatch(t, f.alice, domain.ConfigPatch{AgentID: "a1", AgentName: "Evil", Field: domain.FieldTopP, Value: 0.5})

	f.seen.waitFor(t, func(c domain.AgentConfig) bool { return c.TopP != nil && *c.TopP == 0.5 })
	cfg, _ := f.seen.last()
	assert.Equal(t, "Bot", cfg.AgentName)
}

func TestPatchesApplyInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 20; i++ {
		f.sendPatch(t, f.alice, domain.ConfigPatch{AgentID: "a1", Field: domain.FieldDialogRound, Value: i})
	}

	f.seen.waitFor(t, func(c domain.AgentConfig) bool { return c.DialogRound != nil && *c.DialogRound == 20 })

	history, err := f.store.History(context.Background(), "a1", 0)
	require.NoError(t, err)
	require.Len(t, history, 20)
	for i, r := range history {
		assert.Equal(t, float64(i+1), r.Value)
	}
}

func TestUnknownAgentCreatedFromSeed(t *testing.T) {
	f := newFixture(t)
	f.sendPatch(t, f.alice, domain.ConfigPatch{AgentID: "b2", AgentName: "Second", Field: domain.FieldOutputLimit, Value: 64})

	f.seen.waitFor(t, func(c domain.AgentConfig) bool { return c.AgentID == "b2" })
	cfg, _ := f.seen.last()
	assert.Equal(t, "Second", cfg.AgentName)
	assert.Equal(t, 64, *cfg.OutputLimit)
	assert.Equal(t, 0.8, *cfg.Temperature)

	all, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestJoinerReceivesSnapshot(t *testing.T) {
	f := newFixture(t)
	carol := f.hub.Join("carol", "Carol")
	defer carol.Close()
	carolSeen := watch(carol)

	carolSeen.waitFor(t, func(c domain.AgentConfig) bool { return c.AgentID == "a1" })
}

func TestMalformedPatchesRejected(t *testing.T) {
	hm := hooks.NewManager(testLog())
	reasons := make(chan string, 8)
	hm.On(hooks.EventPayloadMalformed, "test", func(_ context.Context, p hooks.Payload) error {
		reasons <- p.Data["reason"].(string)
		return nil
	})
	f := newFixture(t, WithHooks(hm))
	before := f.seen.count()

	full, _, err := f.codec.Encode(domain.AgentConfig{AgentID: "a1", AgentName: "Bot", TopP: ptr(0.1), Temperature: ptr(0.1)})
	require.NoError(t, err)
	noID, _, err := f.codec.EncodeText(`{"temperature":0.1}`)
	require.NoError(t, err)

	payloads := [][]byte{[]byte("garbage"), full, noID}
	for _, p := range payloads {
		require.NoError(t, f.alice.Send(context.Background(), transport.Packet{Topic: configTopic, Payload: p}))
	}

	for range payloads {
		select {
		case reason := <-reasons:
			assert.NotEmpty(t, reason)
		case <-time.After(waitFor):
			t.Fatal("malformed patch not reported")
		}
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, f.seen.count())
	history, err := f.store.History(context.Background(), "a1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestOtherTopicsIgnored(t *testing.T) {
	f := newFixture(t)
	before := f.seen.count()

	data, _, err := f.codec.Encode(domain.ConfigPatch{AgentID: "a1", Field: domain.FieldTopP, Value: 0.2})
	require.NoError(t, err)
	require.NoError(t, f.alice.Send(context.Background(), transport.Packet{Topic: "lk-chat-topic", Payload: data}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, f.seen.count())
}

func TestBroadcast(t *testing.T) {
	f := newFixture(t)
	before := f.seen.count()

	require.NoError(t, f.svc.Broadcast(context.Background(), "a1"))
	assert.Eventually(t, func() bool { return f.seen.count() == before+1 }, waitFor, tick)

	assert.ErrorIs(t, f.svc.Broadcast(context.Background(), "missing"), store.ErrNotFound)
}

func TestDefaultsFrom(t *testing.T) {
	temp := 0.5
	got := DefaultsFrom(config.AgentDefaults{ModelType: "gpt-4", Temperature: &temp, OutputLimit: 10})

	var want domain.AgentConfig
	require.NoError(t, json.Unmarshal([]byte(`{"modelType":"gpt-4","temperature":0.5,"outputLimit":10}`), &want))
	assert.Equal(t, want, got)

	temp = 0.9
	assert.Equal(t, 0.5, *got.Temperature)
}

func ptr[T any](v T) *T { return &v }
