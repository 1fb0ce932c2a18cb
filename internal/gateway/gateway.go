// Package gateway exposes the relay over HTTP: the WebSocket endpoint peers
// connect to, plus health and metrics endpoints for operators.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/aesterisk/aesterisk/internal/audit"
	"github.com/aesterisk/aesterisk/internal/config"
	"github.com/aesterisk/aesterisk/internal/otel"
	"github.com/aesterisk/aesterisk/internal/ratelimit"
	"github.com/aesterisk/aesterisk/internal/relay"
	"github.com/aesterisk/aesterisk/internal/shared"
)

// Pinger reports whether the identity database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Relay *relay.Relay
	DB    Pinger // optional

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means "same-origin only" (no cross-origin WebSockets).
	AllowOrigins []string

	// MaxFrameBytes bounds a single inbound WebSocket message.
	MaxFrameBytes int64

	// RateLimit.ConnectsPerMinute bounds WebSocket upgrades per remote host.
	RateLimit config.RateLimitConfig

	// AdminToken guards /metrics. Empty disables the metrics endpoints.
	AdminToken string

	// ConfigFingerprint is the hash of the active config exposed in /healthz.
	ConfigFingerprint string

	Metrics *otel.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	connects *ratelimit.Limiter
	started  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		connects: ratelimit.NewLimiter(cfg.RateLimit.Enabled, cfg.RateLimit.ConnectsPerMinute, cfg.RateLimit.Burst),
		started:  time.Now(),
	}
	s.connects.OnReject(func(r *http.Request) {
		cfg.Metrics.RateLimited(r.Context(), "connect")
		logger.Debug("ws: connect rate limited", "remote", ratelimit.RemoteHost(r))
	})
	return s
}

// Start runs background housekeeping until ctx is done.
func (s *Server) Start(ctx context.Context) {
	s.connects.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	cors := NewCORSMiddleware(s.cfg.AllowOrigins)

	mux := http.NewServeMux()
	mux.Handle("/ws", s.connects.Wrap(http.HandlerFunc(s.handleWS)))
	mux.Handle("/healthz", cors(http.HandlerFunc(s.handleHealthz)))
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if s.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxFrameBytes)
	}
	ctx := shared.WithTraceID(r.Context(), traceID(r))
	s.logger.Debug("ws: client connected", "remote", r.RemoteAddr, "trace_id", shared.TraceID(ctx))

	if err := s.cfg.Relay.Serve(ctx, conn, r.RemoteAddr); err != nil {
		var ce websocket.CloseError
		if !errors.As(err, &ce) {
			s.logger.Debug("ws: session ended", "remote", r.RemoteAddr, "error", err)
		}
	}
	_ = conn.CloseNow()
}

// traceID honours an X-Request-ID set by a fronting proxy.
func traceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" && len(id) <= 128 {
		return id
	}
	return shared.NewTraceID()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := true
	if s.cfg.DB != nil {
		if err := s.cfg.DB.Ping(ctx); err != nil {
			dbOK = false
			s.logger.Warn("healthz: database ping failed", "error", err)
		}
	}
	counts := s.cfg.Relay.Hub().Counts()

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"daemons":            counts.Daemons,
		"dashboards":         counts.Dashboards,
		"users":              counts.Users,
		"subscriptions":      counts.Subscriptions,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"version":            otel.Version,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	counts := s.cfg.Relay.Hub().Counts()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"daemons":                counts.Daemons,
		"dashboards":             counts.Dashboards,
		"users":                  counts.Users,
		"subscriptions":          counts.Subscriptions,
		"outstanding_challenges": s.cfg.Relay.Ledger().Outstanding(),
		"auth_denials":           audit.DenyCount(),
		"connect_buckets":        s.connects.BucketCount(),
		"goroutines":             runtime.NumGoroutine(),
		"alloc_bytes":            mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	counts := s.cfg.Relay.Hub().Counts()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP aesterisk_%s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE aesterisk_%s gauge\n", name)
		fmt.Fprintf(w, "aesterisk_%s %v\n", name, v)
	}
	gauge("daemons", "Number of authenticated daemon connections.", counts.Daemons)
	gauge("dashboards", "Number of authenticated dashboard connections.", counts.Dashboards)
	gauge("users", "Number of distinct users with a dashboard connected.", counts.Users)
	gauge("subscriptions", "Number of (event, node, dashboard) subscriptions.", counts.Subscriptions)
	gauge("outstanding_challenges", "Handshake challenges issued and not yet redeemed.", s.cfg.Relay.Ledger().Outstanding())
	fmt.Fprintf(w, "# HELP aesterisk_auth_denials_total Handshakes and sync requests denied since startup.\n")
	fmt.Fprintf(w, "# TYPE aesterisk_auth_denials_total counter\n")
	fmt.Fprintf(w, "aesterisk_auth_denials_total %d\n", audit.DenyCount())
	gauge("alloc_bytes", "Current allocated memory in bytes.", mem.Alloc)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1
}
