package packet

import (
	"encoding/json"
	"fmt"
)

// EventType names a kind of state change a daemon can report.
type EventType string

const (
	EventNodeStatus   EventType = "NodeStatus"
	EventServerStatus EventType = "ServerStatus"
)

// EventTypes lists every event type this version understands, in a stable order.
func EventTypes() []EventType {
	return []EventType{EventNodeStatus, EventServerStatus}
}

// Known reports whether t is an event type this version understands.
func (t EventType) Known() bool {
	switch t {
	case EventNodeStatus, EventServerStatus:
		return true
	}
	return false
}

// Event is a typed state change. Data is opaque to the relay.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(t EventType, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", t, err)
	}
	return Event{Type: t, Data: raw}, nil
}

// NodeStatus reports whether a node is reachable and, when it is, its resource usage.
type NodeStatus struct {
	Online bool       `json:"online"`
	Stats  *NodeStats `json:"stats,omitempty"`
}

type NodeStats struct {
	UsedMemory        float64 `json:"used_memory"`
	TotalMemory       float64 `json:"total_memory"`
	CPU               float64 `json:"cpu"`
	CPUs              int     `json:"cpus,omitempty"`
	UsedStorage       float64 `json:"used_storage"`
	TotalStorage      float64 `json:"total_storage"`
	Containers        int     `json:"containers,omitempty"`
	ContainersRunning int     `json:"containers_running,omitempty"`
}

// ServerStatus reports the state of one managed container.
type ServerStatus struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Status   string `json:"status,omitempty"`
}

// OfflineEvent is the NodeStatus the relay reports for a node with no live daemon.
func OfflineEvent() Event {
	return Event{Type: EventNodeStatus, Data: json.RawMessage(`{"online":false}`)}
}

// DecodeNodeStatus unmarshals ev as a NodeStatus event.
func DecodeNodeStatus(ev Event) (NodeStatus, error) {
	var st NodeStatus
	if ev.Type != EventNodeStatus {
		return st, fmt.Errorf("%w: event %s is not %s", ErrInvalidData, ev.Type, EventNodeStatus)
	}
	if err := json.Unmarshal(ev.Data, &st); err != nil {
		return st, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return st, nil
}
