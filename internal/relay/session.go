package relay

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/aesterisk/aesterisk/internal/audit"
	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/handshake"
	"github.com/aesterisk/aesterisk/internal/otel"
	"github.com/aesterisk/aesterisk/internal/packet"
	"github.com/aesterisk/aesterisk/internal/ratelimit"
	"github.com/aesterisk/aesterisk/internal/shared"
)

const presenceWriteTimeout = 5 * time.Second

type session struct {
	relay  *Relay
	conn   *Conn
	sock   Socket
	logger *slog.Logger

	authenticated bool
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	s.logger.Debug("ws: client connected")
	if err := s.handshake(ctx); err != nil {
		code, reason := closeStatus(err)
		s.logger.Info("ws: handshake failed", "error", err)
		s.conn.Close(code, reason)
		return err
	}
	ctx = shared.WithPrincipal(ctx, s.conn.principal.String())
	s.admit(ctx)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	err := s.readLoop(ctx)
	code, reason := closeStatus(err)
	s.conn.Close(code, reason)
	cancel()
	<-writerDone
	return err
}

// handshake runs the unauthenticated phase. It is bounded by the handshake
// timeout as a whole and binds the connection's principal on success.
func (s *session) handshake(ctx context.Context) (err error) {
	r := s.relay
	start := r.now()
	ctx, span := otel.StartServerSpan(ctx, r.tracer, "relay.handshake",
		otel.AttrConnID.String(s.conn.id.String()),
		otel.AttrRemote.String(s.conn.remote),
	)
	defer span.End()

	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()

	role := packet.Relay
	defer func() {
		result := "ok"
		if err != nil {
			result = "failed"
			span.RecordError(err)
			audit.Record(audit.Deny, "handshake", role.String(), s.conn.remote, err.Error())
		} else {
			audit.Record(audit.Allow, "handshake", s.conn.principal.String(), s.conn.remote, "")
		}
		r.cfg.Metrics.Handshake(ctx, role.String(), result, r.now().Sub(start).Seconds())
	}()

	env, err := s.read(hctx)
	if err != nil {
		return err
	}
	role, err = roleOf(env)
	if err != nil {
		return err
	}

	m := handshake.New(s.conn.id.String(), role, r.cfg.Store, r.cfg.Ledger)
	defer m.Abort()

	// An unknown principal or a key mismatch gets no reply at all.
	ch, err := m.Begin(hctx, env.Packet())
	if err != nil {
		return err
	}
	if err := s.writeDirect(hctx, packet.HandshakeRequestID(role), packet.HandshakeRequestData{Challenge: ch.Value}, ch.Recipient); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	env, err = s.read(hctx)
	if err == nil && env.Issuer != issuerOf(role) {
		err = fmt.Errorf("%w: %s answered with issuer %q", ErrProtocolViolation, role, env.Issuer)
	}
	if err != nil {
		s.refuse(hctx, role, ch.Recipient)
		return err
	}
	principal, err := m.Complete(env.Packet())
	if err != nil {
		s.refuse(hctx, role, ch.Recipient)
		return err
	}
	if err := s.writeDirect(hctx, packet.AuthResponseID(role), packet.AuthResponseData{Success: true}, ch.Recipient); err != nil {
		return fmt.Errorf("send auth response: %w", err)
	}

	s.conn.bind(role, principal, ch.Recipient)
	if rl := r.cfg.RateLimit; rl.Enabled {
		s.conn.limiter = ratelimit.NewTokenBucket(rl.PacketsPerMinute, rl.Burst)
	}
	s.authenticated = true
	span.SetAttributes(otel.AttrRole.String(role.String()), otel.AttrPrincipal.String(principal.String()))
	return nil
}

// admit registers an authenticated connection and applies its side effects.
func (s *session) admit(ctx context.Context) {
	r := s.relay
	c := s.conn
	s.logger = s.logger.With("role", c.role.String(), "principal", shared.Principal(ctx))

	if old := r.hub.Register(c); old != nil {
		s.logger.Info("ws: superseded older daemon connection", "old_conn_id", old.id.String())
		go old.Close(websocket.StatusNormalClosure, "superseded")
	}
	r.cfg.Metrics.ConnectionOpened(ctx, c.role.String())

	if c.role == packet.Daemon && r.cfg.Presence != nil {
		if err := r.cfg.Presence.SetNodeOnline(ctx, c.principal.NodeID, true, r.now()); err != nil {
			s.logger.Warn("ws: presence update failed", "online", true, "error", err)
		}
	}
	s.logger.Info("ws: client authenticated")
}

func (s *session) readLoop(ctx context.Context) error {
	r := s.relay
	c := s.conn
	for {
		_, data, err := s.sock.Read(ctx)
		if err != nil {
			return s.readErr(ctx, err)
		}

		// Every frame here belongs to an authenticated peer, so a token
		// that does not open ends the connection.
		env, err := r.cfg.Codec.Open(string(data))
		if err != nil {
			r.cfg.Metrics.Rejected(ctx, "undecodable")
			var de *envelope.DecodeError
			if errors.As(err, &de) {
				s.logger.Info("ws: undecodable packet", "cause", de.Cause())
			}
			return fmt.Errorf("%w: undecodable packet: %w", ErrProtocolViolation, err)
		}
		if env.Issuer != issuerOf(c.role) {
			r.cfg.Metrics.Rejected(ctx, "issuer")
			return fmt.Errorf("%w: %s sent a packet issued by %q", ErrProtocolViolation, c.role, env.Issuer)
		}
		if c.limiter != nil && !c.limiter.Allow() {
			r.cfg.Metrics.RateLimited(ctx, "packet")
			s.logger.Debug("ws: packet rate limited", "packet", env.PacketID.String())
			continue
		}

		if err := s.dispatch(ctx, env.Packet()); err != nil {
			switch {
			case errors.Is(err, ErrProtocolViolation):
				r.cfg.Metrics.Rejected(ctx, "protocol")
				return err
			case errors.Is(err, ErrRouteMiss), errors.Is(err, ErrAuthorizationDenied):
				s.logger.Debug("ws: packet not delivered", "packet", env.PacketID.String(), "error", err)
			default:
				s.logger.Warn("ws: packet handling failed", "packet", env.PacketID.String(), "error", err)
			}
		}
	}
}

func (s *session) dispatch(ctx context.Context, p packet.Packet) (err error) {
	r := s.relay
	c := s.conn
	ctx, span := otel.StartSpan(ctx, r.tracer, "relay.dispatch",
		otel.AttrPacket.String(p.ID.String()),
		otel.AttrPrincipal.String(c.principal.String()),
	)
	defer func() {
		if err != nil {
			span.SetAttributes(otel.AttrReason.String(err.Error()))
		}
		span.End()
	}()

	if spec, ok := packet.Lookup(p.Version, p.ID); !ok || spec.From != c.role || spec.To != packet.Relay {
		return fmt.Errorf("%w: %s may not send %s", ErrProtocolViolation, c.role, p.ID)
	}

	switch {
	case c.role == packet.Dashboard && p.ID == packet.WSListen:
		var data packet.WSListenData
		if err := p.Decode(packet.WSListen, &data); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		res, err := r.router.Subscribe(ctx, c, data.Events)
		if err != nil {
			return err
		}
		s.logger.Debug("ws: subscriptions replaced", "subscriptions", res.Subscriptions, "filtered", res.Filtered)
		return nil

	case c.role == packet.Dashboard && p.ID == packet.WSSync:
		var data packet.WSSyncData
		if err := p.Decode(packet.WSSync, &data); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return r.syncer.RequestSync(ctx, c, data.Daemon)

	case c.role == packet.Daemon && p.ID == packet.DSEvent:
		var data packet.DSEventData
		if err := p.Decode(packet.DSEvent, &data); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if data.Daemon != nil && *data.Daemon != c.principal.NodeID {
			return fmt.Errorf("%w: event names daemon %s", ErrProtocolViolation, *data.Daemon)
		}
		_, err := r.router.Route(ctx, c, data.Event)
		return err

	default:
		return fmt.Errorf("%w: %s may not send %s", ErrProtocolViolation, c.role, p.ID)
	}
}

// writeLoop drains the outbound queue in FIFO order, sealing each packet to
// the peer's key.
func (s *session) writeLoop(ctx context.Context) {
	c := s.conn
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case p := <-c.out:
			tok, err := s.relay.cfg.Codec.Seal(p, c.key)
			if err != nil {
				s.logger.Error("ws: seal outbound packet", "packet", p.ID.String(), "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, s.relay.cfg.WriteTimeout)
			err = s.sock.Write(wctx, websocket.MessageText, []byte(tok))
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed, closing", "error", err)
				c.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

// teardown removes the connection from the hub and applies the side effects
// of its departure. It runs exactly once, on every exit path.
func (s *session) teardown() {
	r := s.relay
	c := s.conn
	c.Close(websocket.StatusNormalClosure, "")
	current := r.hub.Deregister(c)
	if !s.authenticated {
		return
	}
	r.cfg.Metrics.ConnectionClosed(context.Background(), c.role.String())

	if c.role == packet.Daemon && current && !c.Superseded() && r.cfg.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
		if err := r.cfg.Presence.SetNodeOnline(ctx, c.principal.NodeID, false, r.now()); err != nil {
			s.logger.Warn("ws: presence update failed", "online", false, "error", err)
		}
		cancel()
	}
	s.logger.Info("ws: client disconnected", "superseded", c.Superseded())
}

func (s *session) read(ctx context.Context) (envelope.Envelope, error) {
	_, data, err := s.sock.Read(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return envelope.Envelope{}, fmt.Errorf("%w: handshake timed out", ErrProtocolViolation)
		}
		return envelope.Envelope{}, fmt.Errorf("read: %w", err)
	}
	return s.relay.cfg.Codec.Open(string(data))
}

func (s *session) writeDirect(ctx context.Context, id packet.ID, payload any, key *rsa.PublicKey) error {
	tok, err := s.relay.cfg.Codec.SealPayload(id, payload, key)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.relay.cfg.WriteTimeout)
	defer cancel()
	return s.sock.Write(wctx, websocket.MessageText, []byte(tok))
}

// refuse tells a peer whose key is known that authentication failed.
func (s *session) refuse(ctx context.Context, role packet.Endpoint, key *rsa.PublicKey) {
	if key == nil || ctx.Err() != nil {
		return
	}
	if err := s.writeDirect(ctx, packet.AuthResponseID(role), packet.AuthResponseData{Success: false}, key); err != nil {
		s.logger.Debug("ws: send auth refusal", "error", err)
	}
}

func (s *session) readErr(ctx context.Context, err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}
	select {
	case <-s.conn.done:
		return nil
	default:
	}
	return fmt.Errorf("read: %w", err)
}

func roleOf(env envelope.Envelope) (packet.Endpoint, error) {
	switch {
	case env.PacketID == packet.WSAuth && env.Issuer == envelope.IssuerDashboard:
		return packet.Dashboard, nil
	case env.PacketID == packet.DSAuth && env.Issuer == envelope.IssuerDaemon:
		return packet.Daemon, nil
	default:
		return packet.Relay, fmt.Errorf("%w: connection opened with %s from %q", ErrProtocolViolation, env.PacketID, env.Issuer)
	}
}

func issuerOf(role packet.Endpoint) string {
	switch role {
	case packet.Dashboard:
		return envelope.IssuerDashboard
	case packet.Daemon:
		return envelope.IssuerDaemon
	default:
		return envelope.IssuerRelay
	}
}

func closeStatus(err error) (websocket.StatusCode, string) {
	var de *envelope.DecodeError
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, ErrAuthFailure):
		return websocket.StatusPolicyViolation, "authentication failed"
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, handshake.ErrOutOfOrder), errors.As(err, &de):
		return websocket.StatusPolicyViolation, "protocol violation"
	default:
		return websocket.StatusInternalError, "internal error"
	}
}
