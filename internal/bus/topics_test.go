package bus

import (
	"testing"

	"github.com/aesterisk/aesterisk/internal/packet"
)

func TestEventTopic_SharesPrefix(t *testing.T) {
	for _, et := range packet.EventTypes() {
		topic := EventTopic(et)
		if topic != TopicEventPrefix+string(et) {
			t.Fatalf("EventTopic(%s) = %q", et, topic)
		}
	}

	// Control topics must not be caught by an event subscription.
	for _, topic := range []string{TopicListen, TopicSync, TopicConnected, TopicDisconnected} {
		if len(topic) >= len(TopicEventPrefix) && topic[:len(TopicEventPrefix)] == TopicEventPrefix {
			t.Fatalf("%q collides with the event prefix", topic)
		}
	}
}

func TestListenUpdate_Listens(t *testing.T) {
	u := ListenUpdate{Events: []packet.EventType{packet.EventServerStatus}}
	if !u.Listens(packet.EventServerStatus) {
		t.Fatal("expected ServerStatus to be listened")
	}
	if u.Listens(packet.EventNodeStatus) {
		t.Fatal("NodeStatus should not be listened")
	}
	if (ListenUpdate{}).Listens(packet.EventNodeStatus) {
		t.Fatal("empty update listens to nothing")
	}
}
