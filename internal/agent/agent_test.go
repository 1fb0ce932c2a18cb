package agent_test

import (
	"context"
	"crypto/rsa"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aesterisk/aesterisk/internal/agent"
	"github.com/aesterisk/aesterisk/internal/bus"
	"github.com/aesterisk/aesterisk/internal/client"
	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/gateway"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/packet"
	"github.com/aesterisk/aesterisk/internal/relay"
)

type fakeCollector struct {
	nodeCalls atomic.Int32
}

func (f *fakeCollector) NodeStats(context.Context) (packet.NodeStats, error) {
	f.nodeCalls.Add(1)
	return packet.NodeStats{CPU: 42, UsedMemory: 1, TotalMemory: 4}, nil
}

func (f *fakeCollector) Servers(context.Context) ([]packet.ServerStatus, error) {
	return []packet.ServerStatus{{ServerID: "s1", Name: "mc", State: agent.StateHealthy}}, nil
}

type harness struct {
	url      string
	relay    *relay.Relay
	relayKey *rsa.PrivateKey
	userKey  *rsa.PrivateKey
	nodeKey  *rsa.PrivateKey
	node     uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keys := make([]*rsa.PrivateKey, 3)
	for i := range keys {
		k, err := envelope.GenerateKey(2048)
		require.NoError(t, err)
		keys[i] = k
	}
	h := &harness{relayKey: keys[0], userKey: keys[1], nodeKey: keys[2], node: uuid.New()}

	store := identity.NewMemoryStore()
	store.AddUser(1, &h.userKey.PublicKey, 7)
	store.AddNode(h.node, &h.nodeKey.PublicKey, 7)

	h.relay = relay.New(relay.Config{
		Store:    store,
		Presence: store,
		Codec: envelope.NewCodec(envelope.NewKeyring(h.relayKey), envelope.IssuerRelay, envelope.OpenOptions{
			Issuers: []string{envelope.IssuerDashboard, envelope.IssuerDaemon},
			Leeway:  envelope.DefaultLeeway,
		}),
	})
	srv := httptest.NewServer(gateway.New(gateway.Config{Relay: h.relay}).Handler())
	t.Cleanup(srv.Close)
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return h
}

func (h *harness) startAgent(t *testing.T, col agent.Collector, interval time.Duration) {
	t.Helper()
	a := agent.New(agent.Config{
		RelayURL:          h.url,
		Node:              h.node,
		Key:               h.nodeKey,
		RelayKey:          &h.relayKey.PublicKey,
		Collector:         col,
		StatusInterval:    interval,
		ReconnectInterval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("agent did not stop")
		}
	})
	require.Eventually(t, func() bool {
		_, ok := h.relay.Hub().DaemonByUUID(h.node)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func (h *harness) dashboard(t *testing.T) (*client.Client, *bus.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{
		URL:       h.url,
		Principal: identity.User(1),
		Key:       h.userKey,
		RelayKey:  &h.relayKey.PublicKey,
	})
	require.NoError(t, err)
	sub := c.Bus().Subscribe(bus.TopicEventPrefix)
	rctx, rcancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(rctx) }()
	t.Cleanup(func() {
		rcancel()
		_ = c.Close()
	})
	return c, sub
}

func nextEvent(t *testing.T, sub *bus.Subscription) bus.NodeEvent {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		ne, ok := ev.Payload.(bus.NodeEvent)
		require.True(t, ok, "payload %T", ev.Payload)
		return ne
	case <-time.After(3 * time.Second):
		t.Fatal("no event from agent")
		return bus.NodeEvent{}
	}
}

func TestAgent_EmitsOnlyListenedEvents(t *testing.T) {
	h := newHarness(t)
	col := &fakeCollector{}
	h.startAgent(t, col, 20*time.Millisecond)

	u, events := h.dashboard(t)
	require.NoError(t, u.Listen(context.Background(), packet.ListenRequest{
		Event: packet.EventServerStatus, Daemons: []uuid.UUID{h.node},
	}))

	for i := 0; i < 3; i++ {
		ev := nextEvent(t, events)
		assert.Equal(t, h.node, ev.Node)
		require.Equal(t, packet.EventServerStatus, ev.Event.Type)
	}
	assert.Zero(t, col.nodeCalls.Load(), "node stats collected while nobody listens")
}

func TestAgent_SyncTriggersImmediateStatus(t *testing.T) {
	h := newHarness(t)
	col := &fakeCollector{}
	h.startAgent(t, col, time.Hour)

	u, events := h.dashboard(t)
	ctx := context.Background()
	require.NoError(t, u.Listen(ctx, packet.ListenRequest{
		Event: packet.EventNodeStatus, Daemons: []uuid.UUID{h.node},
	}))
	require.Eventually(t, func() bool {
		return len(h.relay.Hub().ListenedEvents(h.node)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Give the agent a moment to apply the listen set before asking.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, u.Sync(ctx, h.node))

	ev := nextEvent(t, events)
	st, err := packet.DecodeNodeStatus(ev.Event)
	require.NoError(t, err)
	assert.True(t, st.Online)
	require.NotNil(t, st.Stats)
	assert.Equal(t, 42.0, st.Stats.CPU)
}

func TestAgent_RunStopsWhileRelayUnreachable(t *testing.T) {
	key, err := envelope.GenerateKey(2048)
	require.NoError(t, err)
	a := agent.New(agent.Config{
		RelayURL:          "ws://127.0.0.1:1/ws",
		Node:              uuid.New(),
		Key:               key,
		RelayKey:          &key.PublicKey,
		ReconnectInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))
}
