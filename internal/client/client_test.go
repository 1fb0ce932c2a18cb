package client

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aesterisk/aesterisk/internal/bus"
	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/packet"
)

func TestRoleOf(t *testing.T) {
	role, issuer, err := roleOf(identity.User(4))
	require.NoError(t, err)
	assert.Equal(t, packet.Dashboard, role)
	assert.Equal(t, envelope.IssuerDashboard, issuer)

	role, issuer, err = roleOf(identity.Node(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, packet.Daemon, role)
	assert.Equal(t, envelope.IssuerDaemon, issuer)

	_, _, err = roleOf(identity.Node(uuid.Nil))
	require.Error(t, err)
	_, _, err = roleOf(identity.Principal{})
	require.Error(t, err)
}

func TestDial_RequiresKeys(t *testing.T) {
	_, err := Dial(context.Background(), Config{URL: "ws://127.0.0.1:1/ws", Principal: identity.User(1)})
	require.Error(t, err)
}

func newTestClient() *Client {
	return &Client{bus: bus.New(), logger: slog.Default()}
}

func recv(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no bus event")
		return bus.Event{}
	}
}

func TestDispatch_PublishesByTopic(t *testing.T) {
	c := newTestClient()
	all := c.bus.Subscribe("")
	node := uuid.New()

	ev, err := packet.NewEvent(packet.EventServerStatus, packet.ServerStatus{ServerID: "s1", State: "running"})
	require.NoError(t, err)
	p, err := packet.New(packet.SWEvent, packet.SWEventData{Event: ev, Daemon: node})
	require.NoError(t, err)
	c.dispatch(p)

	got := recv(t, all)
	assert.Equal(t, "relay.event.ServerStatus", got.Topic)
	assert.Equal(t, bus.NodeEvent{Node: node, Event: ev}, got.Payload)

	p, err = packet.New(packet.SDListen, packet.SDListenData{Events: []packet.EventType{packet.EventNodeStatus}})
	require.NoError(t, err)
	c.dispatch(p)
	got = recv(t, all)
	assert.Equal(t, bus.TopicListen, got.Topic)
	assert.True(t, got.Payload.(bus.ListenUpdate).Listens(packet.EventNodeStatus))

	p, err = packet.New(packet.SDSync, packet.SDSyncData{RequestedAt: 1700000000})
	require.NoError(t, err)
	c.dispatch(p)
	got = recv(t, all)
	assert.Equal(t, bus.TopicSync, got.Topic)
	assert.Equal(t, time.Unix(1700000000, 0), got.Payload.(bus.SyncRequest).RequestedAt)
}

func TestDispatch_IgnoresMalformedAndForeignPackets(t *testing.T) {
	c := newTestClient()
	all := c.bus.Subscribe("")

	c.dispatch(packet.Packet{ID: packet.SDListen, Data: []byte(`{"events":`)})
	c.dispatch(packet.Packet{ID: packet.WSAuth, Data: []byte(`{"user_id":1}`)})

	select {
	case ev := <-all.Ch():
		t.Fatalf("unexpected publish on %s", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
