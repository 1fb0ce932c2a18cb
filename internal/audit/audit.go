// Package audit keeps an append-only JSONL trail of authentication and
// authorization decisions made by the relay.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aesterisk/aesterisk/internal/shared"
)

const (
	Allow = "allow"
	Deny  = "deny"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Principal string `json:"principal,omitempty"`
	Remote    string `json:"remote,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens <logDir>/audit.jsonl for appending. Records made before Init
// are counted but not written.
func Init(logDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. action names what was attempted, such as
// "handshake" or "sync".
func Record(decision, action, principal, remote, reason string) {
	if decision == Deny {
		denyCount.Add(1)
	}
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Principal: principal,
		Remote:    remote,
		Reason:    reason,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
