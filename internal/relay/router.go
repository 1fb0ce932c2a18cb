package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/otel"
	"github.com/aesterisk/aesterisk/internal/packet"
)

// Router turns listen requests into subscriptions and fans daemon events out
// to them.
type Router struct {
	hub     *Hub
	store   identity.Store
	metrics *otel.Metrics
	logger  *slog.Logger
}

func NewRouter(hub *Hub, store identity.Store, metrics *otel.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{hub: hub, store: store, metrics: metrics, logger: logger}
}

// SubscribeResult summarizes what a listen request turned into.
type SubscribeResult struct {
	Subscriptions int
	// Filtered counts requested (event, node) pairs that were dropped because
	// the event type is unknown or the user may not observe the node.
	Filtered int
	// Changed lists nodes whose listen set changed.
	Changed []uuid.UUID
}

// Subscribe replaces the subscription set of dashboard c with the authorized
// subset of reqs. Unauthorized nodes are filtered, never an error.
func (r *Router) Subscribe(ctx context.Context, c *Conn, reqs []packet.ListenRequest) (SubscribeResult, error) {
	if c.Role() != packet.Dashboard {
		return SubscribeResult{}, fmt.Errorf("%w: %s cannot subscribe", ErrProtocolViolation, c.Role())
	}
	user := c.Principal().UserID

	var res SubscribeResult
	seen := map[subKey]struct{}{}
	var keys []subKey
	for _, req := range reqs {
		if !req.Event.Known() {
			res.Filtered += len(req.Daemons)
			r.logger.Debug("relay: listen for unknown event filtered", "conn_id", c.id, "event", req.Event)
			continue
		}
		allowed, err := identity.Authorize(ctx, r.store, user, req.Daemons)
		if err != nil {
			return SubscribeResult{}, fmt.Errorf("authorize listen of user %d: %w", user, err)
		}
		res.Filtered += len(uniqueNodes(req.Daemons)) - len(allowed)
		for _, node := range allowed {
			k := subKey{req.Event, node}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	res.Changed = r.hub.replace(c, keys)
	res.Subscriptions = len(keys)
	if res.Filtered > 0 {
		r.logger.Debug("relay: listen request filtered",
			"conn_id", c.id, "user", user, "filtered", res.Filtered, "kept", res.Subscriptions)
	}
	return res, nil
}

// Route delivers ev from daemon c to every current subscriber of
// (ev.Type, node). It never blocks on a slow subscriber: a full queue drops
// the event for that subscriber only. Returns ErrRouteMiss when nobody
// received it.
func (r *Router) Route(ctx context.Context, c *Conn, ev packet.Event) (int, error) {
	if c.Role() != packet.Daemon {
		return 0, fmt.Errorf("%w: %s cannot emit events", ErrProtocolViolation, c.Role())
	}
	node := c.Principal().NodeID

	// Queued under the read lock so the order of Route, offline synthesis and
	// teardown is the order subscribers observe.
	r.hub.mu.RLock()
	if r.hub.daemons[node] != c {
		r.hub.mu.RUnlock()
		return 0, fmt.Errorf("%w: %s is not the live connection of node %s", ErrRouteMiss, c.id, node)
	}
	delivered, dropped := r.hub.routeLocked(subKey{ev.Type, node}, node, ev)
	r.hub.mu.RUnlock()

	r.metrics.Routed(ctx, string(ev.Type), delivered)
	r.metrics.Dropped(ctx, "queue_full", dropped)
	if delivered == 0 && dropped == 0 {
		return 0, fmt.Errorf("%w: no subscribers for %s of node %s", ErrRouteMiss, ev.Type, node)
	}
	return delivered, nil
}

func uniqueNodes(nodes []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(nodes))
	out := nodes[:0:0]
	for _, n := range nodes {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
