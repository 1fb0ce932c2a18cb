package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/aesterisk/aesterisk/internal/audit"
	"github.com/aesterisk/aesterisk/internal/config"
	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/gateway"
	"github.com/aesterisk/aesterisk/internal/handshake"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/otel"
	"github.com/aesterisk/aesterisk/internal/persistence"
	"github.com/aesterisk/aesterisk/internal/relay"
	"github.com/aesterisk/aesterisk/internal/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.home, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "write logs to the log directory only")
	return cmd
}

func runServe(ctx context.Context, home string, quiet bool) error {
	cfg, err := config.LoadRelay(home)
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(telemetry.Options{
		Dir:       cfg.LogDir,
		Component: "relay",
		Level:     cfg.LogLevel,
		Quiet:     quiet,
	})
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	if err := audit.Init(cfg.LogDir); err != nil {
		return fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()
	if cfg.NeedsGenesis {
		logger.Warn("no relay.yaml found, running with defaults", "home", cfg.HomeDir)
	}

	keyring, err := envelope.LoadKeyring(cfg.PrivateKeyPath)
	if err != nil {
		return fatalStartup(logger, "E_KEY_LOAD", fmt.Errorf("%w (generate one with `relay keygen`)", err))
	}

	provider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	// No daemon is connected to a relay that just started.
	if n, err := store.ResetPresence(ctx); err != nil {
		return fatalStartup(logger, "E_PRESENCE_RESET", err)
	} else if n > 0 {
		logger.Info("presence reset", "nodes", n)
	}
	cache := identity.NewCache(store, cfg.KeyCacheTTL)
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.DatabasePath)

	ledger := handshake.NewLedger(cfg.HandshakeTimeout)
	r := relay.New(relay.Config{
		Store:    cache,
		Presence: store,
		Codec: envelope.NewCodec(keyring, envelope.IssuerRelay, envelope.OpenOptions{
			Issuers: []string{envelope.IssuerDashboard, envelope.IssuerDaemon},
			MaxAge:  cfg.PacketMaxAge,
			Leeway:  cfg.ClockLeeway,
		}),
		Ledger:           ledger,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           provider.Tracer,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		QueueSize:        cfg.OutboundQueueSize,
		RateLimit:        cfg.RateLimit,
	})

	presence, err := relay.NewPresenceScheduler(relay.PresenceConfig{
		Hub:      r.Hub(),
		Presence: store,
		Cache:    cache,
		Ledger:   ledger,
		Logger:   logger,
		Schedule: cfg.PresenceSchedule,
	})
	if err != nil {
		return fatalStartup(logger, "E_PRESENCE_SCHEDULE", err)
	}
	presence.Start(ctx)
	defer presence.Stop()

	watcher := config.NewWatcher([]string{cfg.PrivateKeyPath}, logger)
	if err := watcher.Start(ctx); err != nil {
		return fatalStartup(logger, "E_KEY_WATCHER_START", err)
	}
	go func() {
		for range watcher.Events() {
			if err := keyring.Reload(); err != nil {
				logger.Error("relay key reload failed, keeping previous key", "path", cfg.PrivateKeyPath, "error", err)
				continue
			}
			logger.Info("relay key reloaded", "path", cfg.PrivateKeyPath)
		}
	}()

	gw := gateway.New(gateway.Config{
		Relay:             r,
		DB:                store,
		AllowOrigins:      cfg.AllowOrigins,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		RateLimit:         cfg.RateLimit,
		AdminToken:        cfg.AdminToken,
		ConfigFingerprint: cfg.Fingerprint(),
		Metrics:           metrics,
		Logger:            logger,
	})
	gw.Start(ctx)

	sessionCtx, stopSessions := context.WithCancel(ctx)
	defer stopSessions()
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Sessions outlive Shutdown once hijacked; they end with sessionCtx.
		BaseContext: func(net.Listener) context.Context { return sessionCtx },
	}
	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("relay server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	stopSessions()
	// Session teardown writes presence, so the store must outlive it.
	if err := r.Wait(shutdownCtx); err != nil {
		logger.Warn("sessions still running at shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
