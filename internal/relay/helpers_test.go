package relay

import (
	"context"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/packet"
)

var (
	keyPoolOnce sync.Once
	keyPool     []*rsa.PrivateKey
	keyPoolErr  error
)

// testKey returns the i-th key of a shared pool so the suite generates each
// RSA key only once.
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keyPoolOnce.Do(func() {
		for n := 0; n < 8; n++ {
			k, err := envelope.GenerateKey(2048)
			if err != nil {
				keyPoolErr = err
				return
			}
			keyPool = append(keyPool, k)
		}
	})
	require.NoError(t, keyPoolErr)
	return keyPool[i]
}

// pipeSocket is an in-memory Socket. The relay reads from in and writes to out.
type pipeSocket struct {
	in  chan []byte
	out chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	code      websocket.StatusCode
	reason    string
}

func newPipeSocket() *pipeSocket {
	return &pipeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 512),
		closed: make(chan struct{}),
	}
}

func (p *pipeSocket) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case b := <-p.in:
		return websocket.MessageText, b, nil
	case <-p.closed:
		p.mu.Lock()
		defer p.mu.Unlock()
		return 0, nil, websocket.CloseError{Code: p.code, Reason: p.reason}
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (p *pipeSocket) Write(ctx context.Context, _ websocket.MessageType, b []byte) error {
	select {
	case <-p.closed:
		return errors.New("pipe closed")
	default:
	}
	select {
	case p.out <- b:
		return nil
	case <-p.closed:
		return errors.New("pipe closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeSocket) Close(code websocket.StatusCode, reason string) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.code, p.reason = code, reason
		p.mu.Unlock()
		close(p.closed)
	})
	return nil
}

func (p *pipeSocket) closeReason() (websocket.StatusCode, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.reason
}

type fixture struct {
	t        *testing.T
	relay    *Relay
	store    *identity.MemoryStore
	relayKey *rsa.PrivateKey
	ctx      context.Context
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	relayKey := testKey(t, 0)
	store := identity.NewMemoryStore()
	codec := envelope.NewCodec(envelope.NewKeyring(relayKey), envelope.IssuerRelay, envelope.OpenOptions{
		Issuers: []string{envelope.IssuerDashboard, envelope.IssuerDaemon},
		Leeway:  envelope.DefaultLeeway,
	})
	cfg := Config{
		Store:            store,
		Presence:         store,
		Codec:            codec,
		HandshakeTimeout: 2 * time.Second,
		QueueSize:        64,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &fixture{t: t, relay: New(cfg), store: store, relayKey: relayKey, ctx: ctx, cancel: cancel}
}

// peer is the far end of a pipeSocket, speaking the protocol by hand.
type peer struct {
	t     *testing.T
	sock  *pipeSocket
	codec *envelope.Codec
	relay *rsa.PublicKey
	done  chan error
	role  packet.Endpoint
}

func (f *fixture) dial(role packet.Endpoint, key *rsa.PrivateKey) *peer {
	f.t.Helper()
	issuer := envelope.IssuerDashboard
	if role == packet.Daemon {
		issuer = envelope.IssuerDaemon
	}
	p := &peer{
		t:     f.t,
		sock:  newPipeSocket(),
		codec: envelope.NewCodec(envelope.NewKeyring(key), issuer, envelope.OpenOptions{Issuers: []string{envelope.IssuerRelay}}),
		relay: &f.relayKey.PublicKey,
		done:  make(chan error, 1),
		role:  role,
	}
	go func() { p.done <- f.relay.Serve(f.ctx, p.sock, "pipe") }()
	return p
}

func (p *peer) send(id packet.ID, payload any) {
	p.t.Helper()
	tok, err := p.codec.SealPayload(id, payload, p.relay)
	require.NoError(p.t, err)
	p.sendRaw(tok)
}

func (p *peer) sendRaw(tok string) {
	p.t.Helper()
	select {
	case p.sock.in <- []byte(tok):
	case <-time.After(2 * time.Second):
		p.t.Fatalf("relay did not read packet")
	}
}

// recv returns the next packet the relay wrote, or fails after 2s.
func (p *peer) recv() packet.Packet {
	p.t.Helper()
	select {
	case b := <-p.sock.out:
		env, err := p.codec.Open(string(b))
		require.NoError(p.t, err)
		require.Equal(p.t, envelope.IssuerRelay, env.Issuer)
		return env.Packet()
	case <-time.After(2 * time.Second):
		p.t.Fatalf("no packet from relay")
		return packet.Packet{}
	}
}

// expectNothing asserts no packet arrives within d.
func (p *peer) expectNothing(d time.Duration) {
	p.t.Helper()
	select {
	case b := <-p.sock.out:
		env, err := p.codec.Open(string(b))
		if err == nil {
			p.t.Fatalf("unexpected packet %s: %s", env.PacketID, env.Payload)
		}
		p.t.Fatalf("unexpected undecodable frame")
	case <-time.After(d):
	}
}

// waitClosed waits for the relay to end the session and returns its error.
func (p *peer) waitClosed() error {
	p.t.Helper()
	select {
	case err := <-p.done:
		return err
	case <-time.After(3 * time.Second):
		p.t.Fatalf("session did not end")
		return nil
	}
}

func (p *peer) close() {
	_ = p.sock.Close(websocket.StatusNormalClosure, "bye")
}

// answerChallenge reads the handshake request and echoes its challenge.
func (p *peer) answerChallenge() string {
	p.t.Helper()
	req := p.recv()
	var data packet.HandshakeRequestData
	require.NoError(p.t, req.Decode(packet.HandshakeRequestID(p.role), &data))
	p.send(packet.HandshakeResponseID(p.role), packet.HandshakeResponseData{Challenge: data.Challenge})
	return data.Challenge
}

func (p *peer) expectAuth(success bool) {
	p.t.Helper()
	res := p.recv()
	var data packet.AuthResponseData
	require.NoError(p.t, res.Decode(packet.AuthResponseID(p.role), &data))
	require.Equal(p.t, success, data.Success)
}

func (f *fixture) dashboard(user identity.UserID, key *rsa.PrivateKey) *peer {
	f.t.Helper()
	p := f.dial(packet.Dashboard, key)
	p.send(packet.WSAuth, packet.WSAuthData{UserID: int64(user)})
	p.answerChallenge()
	p.expectAuth(true)
	f.waitFor(func() bool { return len(f.relay.Hub().DashboardsByUser(user)) > 0 })
	return p
}

// daemon authenticates a daemon and consumes its initial listen set.
func (f *fixture) daemon(node uuid.UUID, key *rsa.PrivateKey) (*peer, []packet.EventType) {
	f.t.Helper()
	p := f.dial(packet.Daemon, key)
	pem, err := envelope.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(f.t, err)
	p.send(packet.DSAuth, packet.DSAuthData{DaemonUUID: node, PublicKey: pem})
	p.answerChallenge()
	p.expectAuth(true)
	return p, p.expectListen()
}

func (p *peer) expectListen() []packet.EventType {
	p.t.Helper()
	pk := p.recv()
	var data packet.SDListenData
	require.NoError(p.t, pk.Decode(packet.SDListen, &data))
	return data.Events
}

func (p *peer) expectEvent() packet.SWEventData {
	p.t.Helper()
	pk := p.recv()
	var data packet.SWEventData
	require.NoError(p.t, pk.Decode(packet.SWEvent, &data))
	return data
}

func (p *peer) listen(reqs ...packet.ListenRequest) {
	p.t.Helper()
	p.send(packet.WSListen, packet.WSListenData{Events: reqs})
}

func (p *peer) emit(ev packet.Event) {
	p.t.Helper()
	p.send(packet.DSEvent, packet.DSEventData{Event: ev})
}

func (f *fixture) waitFor(cond func() bool) {
	f.t.Helper()
	require.Eventually(f.t, cond, 2*time.Second, 5*time.Millisecond)
}

func nodeStatus(t *testing.T, online bool, cpu float64) packet.Event {
	t.Helper()
	st := packet.NodeStatus{Online: online}
	if online {
		st.Stats = &packet.NodeStats{CPU: cpu}
	}
	ev, err := packet.NewEvent(packet.EventNodeStatus, st)
	require.NoError(t, err)
	return ev
}
