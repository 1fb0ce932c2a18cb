package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/otel"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, context.Background(), "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != otel.Version {
		t.Fatalf("got %q, want %q", out, otel.Version)
	}
}

func writeAgentConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "agent.yaml"), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestRun_RequiresNodeUUID(t *testing.T) {
	home := t.TempDir()
	writeAgentConfig(t, home, "node_uuid: not-a-uuid\n")
	_, err := execute(t, context.Background(), "--home", home, "run", "--quiet")
	if err == nil || !strings.Contains(err.Error(), "E_NODE_UUID") {
		t.Fatalf("expected E_NODE_UUID, got %v", err)
	}
}

func TestRun_GeneratesKeyThenNeedsRelayKey(t *testing.T) {
	home := t.TempDir()
	writeAgentConfig(t, home, "node_uuid: "+uuid.NewString()+"\ndocker_enabled: false\n")

	_, err := execute(t, context.Background(), "--home", home, "run", "--quiet", "--key-bits", "2048")
	if err == nil || !strings.Contains(err.Error(), "E_RELAY_KEY_LOAD") {
		t.Fatalf("expected E_RELAY_KEY_LOAD, got %v", err)
	}
	if _, err := envelope.LoadPrivateKey(filepath.Join(home, "keys", "daemon.pem")); err != nil {
		t.Fatalf("expected generated daemon key: %v", err)
	}
}

func TestRun_StopsOnCancelWhileRelayDown(t *testing.T) {
	home := t.TempDir()
	keys := filepath.Join(home, "keys")
	if _, _, err := envelope.WriteKeyPair(keys, "daemon", 2048); err != nil {
		t.Fatalf("daemon key: %v", err)
	}
	if _, _, err := envelope.WriteKeyPair(keys, "relay", 2048); err != nil {
		t.Fatalf("relay key: %v", err)
	}
	writeAgentConfig(t, home, strings.Join([]string{
		"node_uuid: " + uuid.NewString(),
		"relay_url: ws://127.0.0.1:1/ws",
		"docker_enabled: false",
		"reconnect_interval: 10ms",
		"",
	}, "\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := execute(t, ctx, "--home", home, "run", "--quiet"); err != nil {
		t.Fatalf("run: %v", err)
	}
}
