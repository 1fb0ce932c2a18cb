// Package agent is the daemon that runs on every managed machine. It keeps a
// connection to the relay open and reports the events the relay asks for.
package agent

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/aesterisk/aesterisk/internal/bus"
	"github.com/aesterisk/aesterisk/internal/client"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/otel"
	"github.com/aesterisk/aesterisk/internal/packet"
)

const (
	DefaultStatusInterval    = time.Second
	DefaultReconnectInterval = time.Second

	// loudAttempts reconnect attempts are always logged; after that only
	// every quietEvery-th attempt is.
	loudAttempts = 5
	quietEvery   = 1800
)

type Config struct {
	RelayURL string
	Node     uuid.UUID
	Key      *rsa.PrivateKey
	RelayKey *rsa.PublicKey

	Collector Collector
	Logger    *slog.Logger
	Metrics   *otel.Metrics // optional
	Tracer    trace.Tracer  // optional

	StatusInterval    time.Duration
	ReconnectInterval time.Duration
}

// Agent reports node and server status to the relay.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	listens bus.ListenUpdate
}

func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	return &Agent{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "agent", "node", cfg.Node.String()),
	}
}

// Listening reports whether the relay currently wants events of type t.
func (a *Agent) Listening(t packet.EventType) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.listens.Listens(t)
}

func (a *Agent) setListens(u bus.ListenUpdate) {
	a.mu.Lock()
	a.listens = u
	a.mu.Unlock()
}

// Run connects to the relay and keeps reconnecting until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	attempts := 0
	for {
		attempts++
		loud := attempts <= loudAttempts || attempts%quietEvery == 0
		if loud {
			a.logger.Info("agent: connecting to relay", "url", a.cfg.RelayURL, "attempt", attempts)
		}
		if attempts > 1 {
			a.cfg.Metrics.Reconnected(ctx)
		}

		connected, err := a.session(ctx)
		if ctx.Err() != nil {
			a.logger.Warn("agent: shutting down")
			return nil
		}
		if connected {
			attempts = 1
		}
		if err != nil && (loud || connected) {
			a.logger.Error("agent: relay connection failed", "error", err)
		}
		if loud {
			a.logger.Warn("agent: disconnected from relay, retrying", "attempt", attempts)
		} else if attempts == loudAttempts+1 {
			a.logger.Warn("agent: further reconnect attempts are logged every 1800th attempt")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectInterval):
		}
	}
}

// session runs one connection to the relay. connected reports whether the
// handshake succeeded.
func (a *Agent) session(ctx context.Context) (connected bool, err error) {
	c, err := client.Dial(ctx, client.Config{
		URL:       a.cfg.RelayURL,
		Principal: identity.Node(a.cfg.Node),
		Key:       a.cfg.Key,
		RelayKey:  a.cfg.RelayKey,
		Logger:    a.cfg.Logger,
		Tracer:    a.cfg.Tracer,
	})
	if err != nil {
		return false, err
	}
	a.logger.Info("agent: authenticated with relay")
	a.setListens(bus.ListenUpdate{})

	sub := c.Bus().Subscribe("relay.")
	defer c.Bus().Unsubscribe(sub)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readErr := make(chan error, 1)
	go func() { readErr <- c.Run(sctx) }()
	defer c.Close()

	ticker := time.NewTicker(a.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err := <-readErr:
			return true, err
		case ev := <-sub.Ch():
			switch p := ev.Payload.(type) {
			case bus.ListenUpdate:
				a.setListens(p)
				a.logger.Info("agent: listen set changed", "events", p.Events)
			case bus.SyncRequest:
				a.logger.Debug("agent: sync requested")
				a.report(ctx, c)
			}
		case <-ticker.C:
			a.report(ctx, c)
		}
	}
}

// report emits every event type the relay is listening for.
func (a *Agent) report(ctx context.Context, c *client.Client) {
	if a.Listening(packet.EventNodeStatus) {
		if err := a.emitNodeStatus(ctx, c); err != nil {
			a.logger.Error("agent: node status failed", "error", err)
		}
	}
	if a.Listening(packet.EventServerStatus) {
		if err := a.emitServerStatus(ctx, c); err != nil {
			a.logger.Error("agent: server status failed", "error", err)
		}
	}
}

func (a *Agent) emitNodeStatus(ctx context.Context, c *client.Client) error {
	if a.cfg.Collector == nil {
		return errors.New("no collector configured")
	}
	stats, err := a.cfg.Collector.NodeStats(ctx)
	if err != nil {
		return err
	}
	ev, err := packet.NewEvent(packet.EventNodeStatus, packet.NodeStatus{Online: true, Stats: &stats})
	if err != nil {
		return err
	}
	return c.Emit(ctx, ev)
}

func (a *Agent) emitServerStatus(ctx context.Context, c *client.Client) error {
	if a.cfg.Collector == nil {
		return errors.New("no collector configured")
	}
	servers, err := a.cfg.Collector.Servers(ctx)
	if err != nil {
		return err
	}
	for _, s := range servers {
		ev, err := packet.NewEvent(packet.EventServerStatus, s)
		if err != nil {
			return err
		}
		if err := c.Emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
