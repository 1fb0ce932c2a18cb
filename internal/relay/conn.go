package relay

import (
	"crypto/rsa"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/packet"
	"github.com/aesterisk/aesterisk/internal/ratelimit"
)

// ConnState is the lifecycle stage of a connection.
type ConnState int32

const (
	StateConnected ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one peer socket. Its session owns it; the hub only keeps
// references until teardown.
type Conn struct {
	id     uuid.UUID
	remote string

	// Set once by the session before the hub sees the connection.
	role      packet.Endpoint
	principal identity.Principal
	key       *rsa.PublicKey
	limiter   *ratelimit.TokenBucket

	out       chan packet.Packet
	done      chan struct{}
	closeOnce sync.Once
	closer    func(websocket.StatusCode, string)

	state      atomic.Int32
	superseded atomic.Bool

	// guarded by Hub.mu
	registered bool
	detached   bool
}

func newConn(remote string, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Conn{
		id:     uuid.New(),
		remote: remote,
		out:    make(chan packet.Packet, queueSize),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() uuid.UUID                 { return c.id }
func (c *Conn) Remote() string                { return c.remote }
func (c *Conn) Role() packet.Endpoint         { return c.role }
func (c *Conn) Principal() identity.Principal { return c.principal }
func (c *Conn) State() ConnState              { return ConnState(c.state.Load()) }

// Superseded reports whether a newer daemon connection replaced this one.
func (c *Conn) Superseded() bool { return c.superseded.Load() }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) bind(role packet.Endpoint, p identity.Principal, key *rsa.PublicKey) {
	c.role = role
	c.principal = p
	c.key = key
	c.state.Store(int32(StateAuthenticated))
}

// Enqueue queues p for the writer without blocking. It returns false when
// the queue is full or the connection is closed; the packet is then dropped
// for this connection only.
func (c *Conn) Enqueue(p packet.Packet) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- p:
		return true
	default:
		return false
	}
}

// Close closes the connection once. Later calls are no-ops.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		if c.closer != nil {
			c.closer(code, reason)
		}
	})
}
