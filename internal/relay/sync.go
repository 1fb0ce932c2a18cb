package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/audit"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/otel"
	"github.com/aesterisk/aesterisk/internal/packet"
)

// Syncer forwards dashboard sync requests to daemons.
type Syncer struct {
	hub     *Hub
	store   identity.Store
	metrics *otel.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewSyncer(hub *Hub, store identity.Store, metrics *otel.Metrics, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{hub: hub, store: store, metrics: metrics, logger: logger, now: time.Now}
}

// RequestSync asks the daemon of node to push its current state. The user
// behind c must be allowed to observe node. An offline node is a no-op
// reported as ErrRouteMiss; nothing is queued for later.
func (s *Syncer) RequestSync(ctx context.Context, c *Conn, node uuid.UUID) error {
	if c.Role() != packet.Dashboard {
		return fmt.Errorf("%w: %s cannot request sync", ErrProtocolViolation, c.Role())
	}
	if err := identity.CanObserve(ctx, s.store, c.Principal().UserID, node); err != nil {
		audit.Record(audit.Deny, "sync", c.Principal().String(), c.remote, err.Error())
		return err
	}

	d, ok := s.hub.DaemonByUUID(node)
	if !ok {
		return fmt.Errorf("%w: node %s is offline", ErrRouteMiss, node)
	}
	p, err := packet.New(packet.SDSync, packet.SDSyncData{RequestedAt: s.now().Unix()})
	if err != nil {
		return err
	}
	if !d.Enqueue(p) {
		s.metrics.Dropped(ctx, "queue_full", 1)
		return fmt.Errorf("%w: sync for node %s dropped", ErrRouteMiss, node)
	}
	s.metrics.Synced(ctx)
	return nil
}
