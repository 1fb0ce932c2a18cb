package relay

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/packet"
)

type subKey struct {
	event packet.EventType
	node  uuid.UUID
}

// Hub is the relay's shared routing state: which daemons and dashboards are
// connected and which dashboards listen for what. Registry and subscription
// table share one lock so teardown is a single critical section.
type Hub struct {
	logger *slog.Logger

	mu         sync.RWMutex
	daemons    map[uuid.UUID]*Conn
	dashboards map[identity.UserID]map[*Conn]struct{}
	subs       map[subKey]map[*Conn]struct{}
	bySub      map[*Conn][]subKey
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		daemons:    make(map[uuid.UUID]*Conn),
		dashboards: make(map[identity.UserID]map[*Conn]struct{}),
		subs:       make(map[subKey]map[*Conn]struct{}),
		bySub:      make(map[*Conn][]subKey),
	}
}

// Register adds an authenticated connection. For a daemon it returns the
// connection it superseded, if any, and queues the daemon's current listen
// set as its first packet.
func (h *Hub) Register(c *Conn) (superseded *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.detached {
		return nil
	}
	c.registered = true

	switch c.role {
	case packet.Daemon:
		node := c.principal.NodeID
		if old, ok := h.daemons[node]; ok && old != c {
			old.superseded.Store(true)
			superseded = old
		}
		h.daemons[node] = c
		h.pushListenLocked(node)
	case packet.Dashboard:
		user := c.principal.UserID
		set, ok := h.dashboards[user]
		if !ok {
			set = make(map[*Conn]struct{})
			h.dashboards[user] = set
		}
		set[c] = struct{}{}
	}
	return superseded
}

// Deregister removes c from the registry and drops all its subscriptions in
// one critical section. It reports whether c was the live connection for its
// principal; a superseded daemon never removes its successor. Daemons that
// lose listeners get a new listen set, and subscribers of a daemon that went
// away are told the node is offline.
func (h *Hub) Deregister(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.detached {
		return false
	}
	c.detached = true
	if !c.registered {
		return false
	}

	current := false
	switch c.role {
	case packet.Daemon:
		node := c.principal.NodeID
		if h.daemons[node] == c {
			delete(h.daemons, node)
			current = true
		}
		if current && !c.superseded.Load() {
			h.routeLocked(subKey{packet.EventNodeStatus, node}, node, packet.OfflineEvent())
		}
	case packet.Dashboard:
		user := c.principal.UserID
		if set, ok := h.dashboards[user]; ok {
			if _, ok := set[c]; ok {
				current = true
				delete(set, c)
			}
			if len(set) == 0 {
				delete(h.dashboards, user)
			}
		}
	}

	h.replaceLocked(c, nil)
	return current
}

// UnsubscribeAll drops every subscription of c and returns the nodes whose
// listener set changed.
func (h *Hub) UnsubscribeAll(c *Conn) []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replaceLocked(c, nil)
}

// replace swaps c's subscription set for keys. Offline NodeStatus for nodes
// without a daemon is queued to c inside the same critical section, so it
// cannot overtake a live status routed after the daemon registers.
func (h *Hub) replace(c *Conn, keys []subKey) []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.detached {
		return nil
	}
	changed := h.replaceLocked(c, keys)
	for _, k := range keys {
		if k.event != packet.EventNodeStatus {
			continue
		}
		if _, online := h.daemons[k.node]; online {
			continue
		}
		h.enqueueEvent(c, k.node, packet.OfflineEvent())
	}
	return changed
}

func (h *Hub) replaceLocked(c *Conn, keys []subKey) []uuid.UUID {
	old := h.bySub[c]
	touched := map[uuid.UUID]struct{}{}
	for _, k := range old {
		touched[k.node] = struct{}{}
	}
	for _, k := range keys {
		touched[k.node] = struct{}{}
	}
	before := make(map[uuid.UUID][]packet.EventType, len(touched))
	for node := range touched {
		before[node] = h.listenedLocked(node)
	}

	for _, k := range old {
		if set, ok := h.subs[k]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, k)
			}
		}
	}
	if len(keys) == 0 {
		delete(h.bySub, c)
	} else {
		h.bySub[c] = keys
		for _, k := range keys {
			set, ok := h.subs[k]
			if !ok {
				set = make(map[*Conn]struct{})
				h.subs[k] = set
			}
			set[c] = struct{}{}
		}
	}

	var changed []uuid.UUID
	for node, prev := range before {
		if sameEvents(prev, h.listenedLocked(node)) {
			continue
		}
		changed = append(changed, node)
		h.pushListenLocked(node)
	}
	return changed
}

// ListenedEvents returns the event types of node that have at least one
// subscriber, in table order.
func (h *Hub) ListenedEvents(node uuid.UUID) []packet.EventType {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listenedLocked(node)
}

func (h *Hub) listenedLocked(node uuid.UUID) []packet.EventType {
	events := []packet.EventType{}
	for _, t := range packet.EventTypes() {
		if len(h.subs[subKey{t, node}]) > 0 {
			events = append(events, t)
		}
	}
	return events
}

func (h *Hub) pushListenLocked(node uuid.UUID) {
	d, ok := h.daemons[node]
	if !ok {
		return
	}
	p, err := packet.New(packet.SDListen, packet.SDListenData{Events: h.listenedLocked(node)})
	if err != nil {
		h.logger.Error("relay: build listen packet", "node", node, "error", err)
		return
	}
	if !d.Enqueue(p) {
		h.logger.Warn("relay: listen update dropped", "node", node, "conn_id", d.id)
	}
}

// routeLocked queues ev from node to every subscriber of k and returns how
// many accepted it and how many dropped it.
func (h *Hub) routeLocked(k subKey, node uuid.UUID, ev packet.Event) (delivered, dropped int) {
	for sub := range h.subs[k] {
		if h.enqueueEvent(sub, node, ev) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

func (h *Hub) enqueueEvent(c *Conn, node uuid.UUID, ev packet.Event) bool {
	p, err := packet.New(packet.SWEvent, packet.SWEventData{Event: ev, Daemon: node})
	if err != nil {
		h.logger.Error("relay: build event packet", "node", node, "error", err)
		return false
	}
	return c.Enqueue(p)
}

// DaemonByUUID returns the live daemon connection of node.
func (h *Hub) DaemonByUUID(node uuid.UUID) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.daemons[node]
	return c, ok
}

// DashboardsByUser returns every live dashboard connection of user.
func (h *Hub) DashboardsByUser(user identity.UserID) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.dashboards[user]))
	for c := range h.dashboards[user] {
		out = append(out, c)
	}
	return out
}

// ConnectedNodes returns the nodes that currently have a daemon connection.
func (h *Hub) ConnectedNodes() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(h.daemons))
	for node := range h.daemons {
		out = append(out, node)
	}
	return out
}

// Counts is a snapshot of the hub's size.
type Counts struct {
	Daemons       int `json:"daemons"`
	Dashboards    int `json:"dashboards"`
	Users         int `json:"users"`
	Subscriptions int `json:"subscriptions"`
}

func (h *Hub) Counts() Counts {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := Counts{Daemons: len(h.daemons), Users: len(h.dashboards)}
	for _, set := range h.dashboards {
		c.Dashboards += len(set)
	}
	for _, set := range h.subs {
		c.Subscriptions += len(set)
	}
	return c
}

func sameEvents(a, b []packet.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
