package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/aesterisk/aesterisk/internal/handshake"
	"github.com/aesterisk/aesterisk/internal/identity"
)

// DefaultPresenceSchedule refreshes presence every 30 seconds.
const DefaultPresenceSchedule = "@every 30s"

// PresenceConfig holds the dependencies of the presence scheduler.
type PresenceConfig struct {
	Hub      *Hub
	Presence identity.Presence
	Cache    *identity.Cache    // optional; purged on every tick
	Ledger   *handshake.Ledger  // optional; expired challenges reaped on every tick
	Logger   *slog.Logger
	// Schedule is a cron spec or descriptor such as "@every 30s".
	Schedule string
}

// PresenceScheduler periodically marks connected daemons as active and
// sweeps expired relay state.
type PresenceScheduler struct {
	cfg      PresenceConfig
	schedule cronlib.Schedule
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPresenceScheduler(cfg PresenceConfig) (*PresenceScheduler, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultPresenceSchedule
	}
	sched, err := cronlib.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse presence schedule %q: %w", spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceScheduler{cfg: cfg, schedule: sched, logger: logger, now: time.Now}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *PresenceScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("presence scheduler started")
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *PresenceScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("presence scheduler stopped")
}

func (s *PresenceScheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one presence round.
func (s *PresenceScheduler) Tick(ctx context.Context) {
	now := s.now()
	if s.cfg.Presence != nil && s.cfg.Hub != nil {
		nodes := s.cfg.Hub.ConnectedNodes()
		if len(nodes) > 0 {
			if err := s.cfg.Presence.TouchNodes(ctx, nodes, now); err != nil {
				s.logger.Error("presence: touch nodes failed", "nodes", len(nodes), "error", err)
			}
		}
	}
	cached, reaped := 0, 0
	if s.cfg.Cache != nil {
		cached = s.cfg.Cache.Purge()
	}
	if s.cfg.Ledger != nil {
		reaped = s.cfg.Ledger.Reap()
	}
	if reaped > 0 {
		s.logger.Debug("presence: swept", "keys_cached", cached, "challenges_reaped", reaped)
	}
}
