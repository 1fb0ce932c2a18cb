package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/packet"
)

// Relay traffic topics. Event topics are TopicEventPrefix followed by the
// event type, so subscribing to TopicEventPrefix receives every event.
const (
	TopicEventPrefix  = "relay.event."
	TopicListen       = "relay.listen"
	TopicSync         = "relay.sync"
	TopicConnected    = "relay.connected"
	TopicDisconnected = "relay.disconnected"
)

// EventTopic returns the topic events of type t are published on.
func EventTopic(t packet.EventType) string {
	return TopicEventPrefix + string(t)
}

// NodeEvent is published for every SWEvent a dashboard client receives.
type NodeEvent struct {
	Node  uuid.UUID
	Event packet.Event
}

// ListenUpdate is published when the relay changes the set of events a
// daemon should emit.
type ListenUpdate struct {
	Events []packet.EventType
}

// Listens reports whether t is in the listened set.
func (u ListenUpdate) Listens(t packet.EventType) bool {
	for _, e := range u.Events {
		if e == t {
			return true
		}
	}
	return false
}

// SyncRequest is published when the relay asks a daemon for fresh state.
type SyncRequest struct {
	RequestedAt time.Time
}

// ConnectionState is published when a client connects or loses its relay.
type ConnectionState struct {
	Connected bool
	Err       error
}
