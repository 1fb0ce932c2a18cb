package gateway_test

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/audit"
	"github.com/aesterisk/aesterisk/internal/bus"
	"github.com/aesterisk/aesterisk/internal/client"
	"github.com/aesterisk/aesterisk/internal/config"
	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/gateway"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/packet"
	"github.com/aesterisk/aesterisk/internal/persistence"
	"github.com/aesterisk/aesterisk/internal/relay"
)

const gatewayTestAdminToken = "gateway-test-token"

type testEnv struct {
	addr     string
	relayKey *rsa.PrivateKey
	store    *persistence.Store
	relay    *relay.Relay
}

func mustKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := envelope.GenerateKey(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func mustPEM(t *testing.T, k *rsa.PrivateKey) string {
	t.Helper()
	pem, err := envelope.EncodePublicKeyPEM(&k.PublicKey)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return pem
}

func startRelay(t *testing.T, rl config.RateLimitConfig) *testEnv {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	relayKey := mustKey(t)
	codec := envelope.NewCodec(envelope.NewKeyring(relayKey), envelope.IssuerRelay, envelope.OpenOptions{
		Issuers: []string{envelope.IssuerDashboard, envelope.IssuerDaemon},
		Leeway:  envelope.DefaultLeeway,
	})
	r := relay.New(relay.Config{
		Store:            identity.NewCache(store, time.Minute),
		Presence:         store,
		Codec:            codec,
		HandshakeTimeout: 5 * time.Second,
	})
	srv := gateway.New(gateway.Config{
		Relay:             r,
		DB:                store,
		MaxFrameBytes:     64 << 10,
		RateLimit:         rl,
		AdminToken:        gatewayTestAdminToken,
		ConfigFingerprint: "cfg-test",
	})

	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	httpSrv := &http.Server{
		Handler:     srv.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		_ = httpSrv.Serve(ln)
	}()
	t.Cleanup(func() {
		cancel()
		_ = httpSrv.Shutdown(context.Background())
	})
	return &testEnv{addr: ln.Addr().String(), relayKey: relayKey, store: store, relay: r}
}

func (e *testEnv) dial(t *testing.T, p identity.Principal, key *rsa.PrivateKey) (*client.Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Dial(ctx, client.Config{
		URL:       fmt.Sprintf("ws://%s/ws", e.addr),
		Principal: p,
		Key:       key,
		RelayKey:  &e.relayKey.PublicKey,
	})
}

// run starts the read loop and returns the subscription opened before it.
func run(t *testing.T, c *client.Client, topic string) *bus.Subscription {
	t.Helper()
	sub := c.Bus().Subscribe(topic)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
		<-done
	})
	return sub
}

func next(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for bus event")
		return bus.Event{}
	}
}

func nextNodeStatus(t *testing.T, sub *bus.Subscription) (uuid.UUID, packet.NodeStatus) {
	t.Helper()
	ev := next(t, sub)
	ne, ok := ev.Payload.(bus.NodeEvent)
	if !ok {
		t.Fatalf("unexpected payload %T on %s", ev.Payload, ev.Topic)
	}
	st, err := packet.DecodeNodeStatus(ne.Event)
	if err != nil {
		t.Fatalf("decode node status: %v", err)
	}
	return ne.Node, st
}

func TestGateway_EndToEndNodeStatusOverTCP(t *testing.T) {
	env := startRelay(t, config.RateLimitConfig{})
	ctx := context.Background()

	userKey, otherKey, nodeKey := mustKey(t), mustKey(t), mustKey(t)
	node := uuid.NewSHA1(uuid.NameSpaceOID, []byte("abc-123"))

	team, err := env.store.CreateTeam(ctx, "T")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	other, err := env.store.CreateTeam(ctx, "X")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	for _, step := range []error{
		env.store.PutUser(ctx, 1, mustPEM(t, userKey)),
		env.store.AddMember(ctx, team, 1),
		env.store.PutUser(ctx, 2, mustPEM(t, otherKey)),
		env.store.AddMember(ctx, other, 2),
		env.store.PutNode(ctx, node, team, mustPEM(t, nodeKey)),
	} {
		if step != nil {
			t.Fatalf("seed store: %v", step)
		}
	}

	u, err := env.dial(t, identity.User(1), userKey)
	if err != nil {
		t.Fatalf("dial as user 1: %v", err)
	}
	uEvents := run(t, u, bus.TopicEventPrefix)
	if err := u.Listen(ctx, packet.ListenRequest{Event: packet.EventNodeStatus, Daemons: []uuid.UUID{node}}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if got, st := nextNodeStatus(t, uEvents); got != node || st.Online {
		t.Fatalf("expected synthesized offline status for %s, got %s online=%v", node, got, st.Online)
	}

	v, err := env.dial(t, identity.User(2), otherKey)
	if err != nil {
		t.Fatalf("dial as user 2: %v", err)
	}
	vEvents := run(t, v, bus.TopicEventPrefix)
	if err := v.Listen(ctx, packet.ListenRequest{Event: packet.EventNodeStatus, Daemons: []uuid.UUID{node}}); err != nil {
		t.Fatalf("listen: %v", err)
	}

	d, err := env.dial(t, identity.Node(node), nodeKey)
	if err != nil {
		t.Fatalf("dial as daemon: %v", err)
	}
	dAll := run(t, d, "relay.")
	listen := next(t, dAll)
	if lu, ok := listen.Payload.(bus.ListenUpdate); !ok || !lu.Listens(packet.EventNodeStatus) {
		t.Fatalf("expected NodeStatus in listen set, got %#v", listen.Payload)
	}

	ev, err := packet.NewEvent(packet.EventNodeStatus, packet.NodeStatus{Online: true, Stats: &packet.NodeStats{CPU: 12.5}})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := d.Emit(ctx, ev); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if got, st := nextNodeStatus(t, uEvents); got != node || !st.Online || st.Stats == nil || st.Stats.CPU != 12.5 {
		t.Fatalf("unexpected status %s %#v", got, st)
	}

	if err := u.Sync(ctx, node); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if sync := next(t, dAll); sync.Topic != bus.TopicSync {
		t.Fatalf("expected sync request, got %s", sync.Topic)
	}

	_ = d.Close()
	if got, st := nextNodeStatus(t, uEvents); got != node || st.Online {
		t.Fatalf("expected offline after daemon close, got %s online=%v", got, st.Online)
	}

	select {
	case ev := <-vEvents.Ch():
		t.Fatalf("user outside the owning team received %s", ev.Topic)
	case <-time.After(100 * time.Millisecond):
	}

	// Presence is written after the offline event is routed.
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := env.store.Node(ctx, node)
		if err != nil {
			t.Fatalf("load node: %v", err)
		}
		if !rec.Online && rec.LastActive != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected node offline with last_active set, got %#v", rec)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGateway_UnknownUserIsNotAdmitted(t *testing.T) {
	env := startRelay(t, config.RateLimitConfig{})
	denials := audit.DenyCount()
	_, err := env.dial(t, identity.User(99), mustKey(t))
	if err == nil {
		t.Fatalf("expected dial to fail for unknown user")
	}
	if errors.Is(err, client.ErrRejected) {
		t.Fatalf("unknown principals get no reply, not a rejection: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for audit.DenyCount() == denials {
		if time.Now().After(deadline) {
			t.Fatalf("handshake denial was not audited")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthzEndpointContract(t *testing.T) {
	env := startRelay(t, config.RateLimitConfig{})

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", env.addr))
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	for _, key := range []string{"healthy", "db_ok", "daemons", "dashboards", "subscriptions", "config_fingerprint"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("healthz missing %q: %v", key, body)
		}
	}
	if body["config_fingerprint"] != "cfg-test" {
		t.Fatalf("config_fingerprint = %v", body["config_fingerprint"])
	}
}

func TestMetricsEndpoint_RequiresAdminToken(t *testing.T) {
	env := startRelay(t, config.RateLimitConfig{})
	url := fmt.Sprintf("http://%s/metrics", env.addr)

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	for _, path := range []string{"/metrics", "/metrics/prometheus"} {
		req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s%s", env.addr, path), nil)
		req.Header.Set("Authorization", "Bearer "+gatewayTestAdminToken)
		resp, err = http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for %s with token, got %d", path, resp.StatusCode)
		}
	}
}

func TestGateway_ConnectRateLimit(t *testing.T) {
	env := startRelay(t, config.RateLimitConfig{Enabled: true, ConnectsPerMinute: 1, Burst: 1})
	url := fmt.Sprintf("http://%s/ws", env.addr)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("get ws: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] == http.StatusTooManyRequests || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}
