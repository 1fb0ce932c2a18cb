// Package client is the peer side of the relay protocol. Daemons and
// dashboard tooling use it to authenticate and exchange packets.
package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aesterisk/aesterisk/internal/bus"
	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/otel"
	"github.com/aesterisk/aesterisk/internal/packet"
)

// ErrRejected is returned by Dial when the relay answers the handshake with
// success=false.
var ErrRejected = errors.New("client: relay rejected authentication")

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultMaxFrameBytes    = 1 << 20
)

// Config describes who the client is and where the relay lives.
type Config struct {
	URL string
	// Principal is the identity to authenticate as: identity.User for a
	// dashboard, identity.Node for a daemon.
	Principal identity.Principal
	Key       *rsa.PrivateKey
	RelayKey  *rsa.PublicKey

	// Bus receives inbound packets. A private bus is created when nil.
	Bus    *bus.Bus
	Logger *slog.Logger
	Tracer trace.Tracer

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxFrameBytes    int64
}

// Client is one authenticated connection to the relay.
type Client struct {
	cfg    Config
	role   packet.Endpoint
	conn   *websocket.Conn
	codec  *envelope.Codec
	bus    *bus.Bus
	logger *slog.Logger

	writeMu sync.Mutex
}

// Dial connects to the relay and completes the challenge handshake. The
// returned client is authenticated; call Run to start receiving packets.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Key == nil || cfg.RelayKey == nil {
		return nil, errors.New("client: key and relay key are required")
	}
	role, issuer, err := roleOf(cfg.Principal)
	if err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Noop().Tracer
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	hctx, span := otel.StartClientSpan(hctx, cfg.Tracer, "client.handshake",
		otel.AttrRole.String(role.String()),
		otel.AttrPrincipal.String(cfg.Principal.String()),
	)
	defer span.End()

	conn, _, err := websocket.Dial(hctx, cfg.URL, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(cfg.MaxFrameBytes)

	c := &Client{
		cfg:  cfg,
		role: role,
		conn: conn,
		codec: envelope.NewCodec(envelope.NewKeyring(cfg.Key), issuer, envelope.OpenOptions{
			Issuers: []string{envelope.IssuerRelay},
			Leeway:  envelope.DefaultLeeway,
		}),
		bus:    cfg.Bus,
		logger: cfg.Logger.With("component", "client", "principal", cfg.Principal.String()),
	}
	if err := c.handshake(hctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}
	c.bus.Publish(bus.TopicConnected, bus.ConnectionState{Connected: true})
	return c, nil
}

func roleOf(p identity.Principal) (packet.Endpoint, string, error) {
	switch p.Role {
	case identity.RoleUser:
		return packet.Dashboard, envelope.IssuerDashboard, nil
	case identity.RoleNode:
		if p.NodeID == uuid.Nil {
			return 0, "", errors.New("client: node principal without id")
		}
		return packet.Daemon, envelope.IssuerDaemon, nil
	default:
		return 0, "", fmt.Errorf("client: unsupported principal %s", p)
	}
}

func (c *Client) handshake(ctx context.Context) error {
	pem, err := envelope.EncodePublicKeyPEM(&c.cfg.Key.PublicKey)
	if err != nil {
		return err
	}
	if c.role == packet.Daemon {
		err = c.Send(ctx, packet.DSAuth, packet.DSAuthData{DaemonUUID: c.cfg.Principal.NodeID, PublicKey: pem})
	} else {
		err = c.Send(ctx, packet.WSAuth, packet.WSAuthData{UserID: int64(c.cfg.Principal.UserID), PublicKey: pem})
	}
	if err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	req, err := c.read(ctx)
	if err != nil {
		return fmt.Errorf("read handshake request: %w", err)
	}
	var challenge packet.HandshakeRequestData
	if err := req.Decode(packet.HandshakeRequestID(c.role), &challenge); err != nil {
		return fmt.Errorf("handshake request: %w", err)
	}
	if err := c.Send(ctx, packet.HandshakeResponseID(c.role), packet.HandshakeResponseData{Challenge: challenge.Challenge}); err != nil {
		return fmt.Errorf("send handshake response: %w", err)
	}

	res, err := c.read(ctx)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	var auth packet.AuthResponseData
	if err := res.Decode(packet.AuthResponseID(c.role), &auth); err != nil {
		return fmt.Errorf("auth response: %w", err)
	}
	if !auth.Success {
		return ErrRejected
	}
	return nil
}

func (c *Client) read(ctx context.Context) (packet.Packet, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return packet.Packet{}, err
	}
	env, err := c.codec.Open(string(data))
	if err != nil {
		return packet.Packet{}, err
	}
	return env.Packet(), nil
}

// Bus returns the bus inbound packets are published on.
func (c *Client) Bus() *bus.Bus { return c.bus }

// Send seals payload as packet id and writes it to the relay.
func (c *Client) Send(ctx context.Context, id packet.ID, payload any) error {
	tok, err := c.codec.SealPayload(id, payload, c.cfg.RelayKey)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(wctx, websocket.MessageText, []byte(tok))
}

// Listen replaces this dashboard's subscriptions.
func (c *Client) Listen(ctx context.Context, reqs ...packet.ListenRequest) error {
	if reqs == nil {
		reqs = []packet.ListenRequest{}
	}
	return c.Send(ctx, packet.WSListen, packet.WSListenData{Events: reqs})
}

// Sync asks the daemon of node for a fresh status.
func (c *Client) Sync(ctx context.Context, node uuid.UUID) error {
	return c.Send(ctx, packet.WSSync, packet.WSSyncData{Daemon: node})
}

// Emit reports an event from this daemon.
func (c *Client) Emit(ctx context.Context, ev packet.Event) error {
	return c.Send(ctx, packet.DSEvent, packet.DSEventData{Event: ev})
}

// Run reads packets until the connection ends and publishes them on the
// bus. It returns nil when ctx is cancelled or the relay closes normally.
func (c *Client) Run(ctx context.Context) error {
	err := c.runLoop(ctx)
	c.bus.Publish(bus.TopicDisconnected, bus.ConnectionState{Connected: false, Err: err})
	return err
}

func (c *Client) runLoop(ctx context.Context) error {
	for {
		p, err := c.read(ctx)
		if err != nil {
			var de *envelope.DecodeError
			if errors.As(err, &de) {
				c.logger.Warn("client: dropped undecodable packet", "cause", de.Cause())
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("read from relay: %w", err)
		}
		c.dispatch(p)
	}
}

func (c *Client) dispatch(p packet.Packet) {
	switch p.ID {
	case packet.SWEvent:
		var data packet.SWEventData
		if err := p.Decode(packet.SWEvent, &data); err != nil {
			c.logger.Warn("client: bad event packet", "error", err)
			return
		}
		c.bus.Publish(bus.EventTopic(data.Event.Type), bus.NodeEvent{Node: data.Daemon, Event: data.Event})
	case packet.SDListen:
		var data packet.SDListenData
		if err := p.Decode(packet.SDListen, &data); err != nil {
			c.logger.Warn("client: bad listen packet", "error", err)
			return
		}
		c.bus.Publish(bus.TopicListen, bus.ListenUpdate{Events: data.Events})
	case packet.SDSync:
		var data packet.SDSyncData
		if err := p.Decode(packet.SDSync, &data); err != nil {
			c.logger.Warn("client: bad sync packet", "error", err)
			return
		}
		req := bus.SyncRequest{}
		if data.RequestedAt > 0 {
			req.RequestedAt = time.Unix(data.RequestedAt, 0)
		}
		c.bus.Publish(bus.TopicSync, req)
	default:
		c.logger.Debug("client: ignoring packet", "packet", p.ID.String())
	}
}

// Close ends the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
