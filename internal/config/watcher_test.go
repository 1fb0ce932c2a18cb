package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aesterisk/aesterisk/internal/config"
)

func TestWatcher_DetectsKeyFileChange(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "relay.pem")
	otherPath := filepath.Join(dir, "unrelated.txt")
	if err := os.WriteFile(keyPath, []byte("initial"), 0o600); err != nil {
		t.Fatalf("write initial key: %v", err)
	}

	w := config.NewWatcher([]string{keyPath}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write at short intervals until the watcher produces an event,
	// to absorb platform-specific delay in notification readiness.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	_ = os.WriteFile(otherPath, []byte("noise"), 0o644)
	if err := os.WriteFile(keyPath, []byte("rotated"), 0o600); err != nil {
		t.Fatalf("write rotated key: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "relay.pem" {
				t.Fatalf("expected relay.pem event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(keyPath, []byte("rotated"), 0o600)
		case <-deadline:
			t.Fatalf("timed out waiting for relay.pem change event")
		}
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w := config.NewWatcher([]string{filepath.Join(t.TempDir(), "relay.yaml")}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed after cancel")
	}
}
