package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(perMinute, burst int) *TokenBucket {
	return newTokenBucket(perMinute, burst, time.Now)
}

func newTokenBucket(perMinute, burst int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(perMinute) / 60.0,
		lastRefill: t,
		lastAccess: t,
		now:        now,
	}
}

// Allow checks if an action is allowed and consumes a token if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// LastAccess returns the time of the last Allow() call.
func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// Limiter keeps one token bucket per key (normally a remote address).
type Limiter struct {
	perMinute int
	burst     int
	enabled   bool
	now       func() time.Time

	mu      sync.RWMutex
	buckets map[string]*TokenBucket

	onReject func(r *http.Request)
}

// NewLimiter creates a keyed limiter. Zero values fall back to 60/min with a
// burst of 10.
func NewLimiter(enabled bool, perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &Limiter{
		perMinute: perMinute,
		burst:     burst,
		enabled:   enabled,
		now:       time.Now,
		buckets:   make(map[string]*TokenBucket),
	}
}

// Allow reports whether key may act now. A disabled limiter always allows.
func (l *Limiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}
	return l.bucket(key).Allow()
}

// StartEviction periodically drops buckets idle for longer than maxAge.
func (l *Limiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets that haven't been accessed within maxAge.
func (l *Limiter) EvictStale(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if b.LastAccess().Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(l.buckets))
	}
	return evicted
}

// BucketCount returns the current number of tracked buckets.
func (l *Limiter) BucketCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// OnReject registers fn to be called for every request Wrap turns away.
func (l *Limiter) OnReject(fn func(r *http.Request)) {
	l.onReject = fn
}

// Wrap rejects requests from an address that exceeded its budget with 429.
func (l *Limiter) Wrap(next http.Handler) http.Handler {
	if !l.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(RemoteHost(r)) {
			if l.onReject != nil {
				l.onReject(r)
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RemoteHost returns the host part of r.RemoteAddr.
func RemoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *Limiter) bucket(key string) *TokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = newTokenBucket(l.perMinute, l.burst, l.now)
	l.buckets[key] = b
	return b
}
