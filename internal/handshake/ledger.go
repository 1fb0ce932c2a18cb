package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ChallengeBytes is the amount of randomness in one challenge. It is sent
// hex encoded, 512 characters on the wire.
const ChallengeBytes = 256

const DefaultChallengeTTL = 10 * time.Second

type issued struct {
	connID   string
	deadline time.Time
}

// Ledger tracks every outstanding challenge in the process. A challenge is
// bound to the connection it was issued to, can be redeemed once, and is
// worthless after its deadline.
type Ledger struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]issued
}

func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &Ledger{ttl: ttl, now: time.Now, pending: make(map[string]issued)}
}

// Issue creates a fresh challenge for connID.
func (l *Ledger) Issue(connID string) (string, time.Time, error) {
	buf := make([]byte, ChallengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("read challenge entropy: %w", err)
	}
	value := hex.EncodeToString(buf)
	deadline := l.now().Add(l.ttl)

	l.mu.Lock()
	l.pending[value] = issued{connID: connID, deadline: deadline}
	l.mu.Unlock()
	return value, deadline, nil
}

// Redeem consumes value. It succeeds only once, only for the connection the
// challenge was issued to, and only before the deadline.
func (l *Ledger) Redeem(connID, value string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.pending[value]
	if !ok {
		return false
	}
	delete(l.pending, value)
	return entry.connID == connID && l.now().Before(entry.deadline)
}

// Revoke drops value without redeeming it.
func (l *Ledger) Revoke(value string) {
	if value == "" {
		return
	}
	l.mu.Lock()
	delete(l.pending, value)
	l.mu.Unlock()
}

// Reap removes expired challenges and returns how many were dropped.
func (l *Ledger) Reap() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for v, e := range l.pending {
		if !now.Before(e.deadline) {
			delete(l.pending, v)
			n++
		}
	}
	return n
}

// Outstanding returns the number of unredeemed challenges.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
