// Package relay authenticates dashboard and daemon connections and routes
// traffic between them.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/aesterisk/aesterisk/internal/config"
	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/handshake"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/otel"
	"github.com/aesterisk/aesterisk/internal/shared"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultQueueSize        = 256
)

// Socket is the message transport of one peer. *websocket.Conn satisfies it.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ Socket = (*websocket.Conn)(nil)

// Config holds the dependencies of a Relay.
type Config struct {
	Store    identity.Store
	Presence identity.Presence // optional
	Codec    *envelope.Codec
	Ledger   *handshake.Ledger
	Hub      *Hub // optional; a new one is created if nil
	Logger   *slog.Logger
	Metrics  *otel.Metrics // optional
	Tracer   trace.Tracer  // optional

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	QueueSize        int
	RateLimit        config.RateLimitConfig
}

// Relay serves peer connections. It is safe for concurrent use; each
// connection is served by its own Serve call.
type Relay struct {
	cfg    Config
	hub    *Hub
	router *Router
	syncer *Syncer
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	sessions sync.WaitGroup
}

func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Ledger == nil {
		cfg.Ledger = handshake.NewLedger(cfg.HandshakeTimeout)
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Noop().Tracer
	}
	return &Relay{
		cfg:    cfg,
		hub:    cfg.Hub,
		router: NewRouter(cfg.Hub, cfg.Store, cfg.Metrics, cfg.Logger),
		syncer: NewSyncer(cfg.Hub, cfg.Store, cfg.Metrics, cfg.Logger),
		logger: cfg.Logger,
		tracer: tracer,
		now:    time.Now,
	}
}

func (r *Relay) Hub() *Hub                 { return r.hub }
func (r *Relay) Router() *Router           { return r.router }
func (r *Relay) Syncer() *Syncer           { return r.syncer }
func (r *Relay) Ledger() *handshake.Ledger { return r.cfg.Ledger }

// Serve runs the session of one socket until it closes. It always tears the
// connection down before returning. A nil error means a normal close.
func (r *Relay) Serve(ctx context.Context, sock Socket, remote string) error {
	r.sessions.Add(1)
	defer r.sessions.Done()

	c := newConn(remote, r.cfg.QueueSize)
	c.closer = func(code websocket.StatusCode, reason string) {
		_ = sock.Close(code, reason)
	}
	ctx = shared.WithConnID(ctx, c.id.String())
	s := &session{
		relay:  r,
		conn:   c,
		sock:   sock,
		logger: r.logger.With(shared.LogAttrs(ctx)...).With("remote", remote),
	}
	return s.run(ctx)
}

// Wait blocks until every Serve call has returned, including its teardown,
// or until ctx is done.
func (r *Relay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
