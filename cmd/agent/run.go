package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aesterisk/aesterisk/internal/agent"
	"github.com/aesterisk/aesterisk/internal/config"
	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/otel"
	"github.com/aesterisk/aesterisk/internal/telemetry"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		quiet   bool
		keyBits int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and report until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), opts.home, quiet, keyBits)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "write logs to the log directory only")
	cmd.Flags().IntVar(&keyBits, "key-bits", 4096, "RSA size of a daemon key generated on first run")
	return cmd
}

func runAgent(ctx context.Context, home string, quiet bool, keyBits int) error {
	cfg, err := config.LoadAgent(home)
	if err != nil {
		return fmt.Errorf("E_CONFIG_LOAD: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(telemetry.Options{
		Dir:       cfg.LogDir,
		Component: "agent",
		Level:     cfg.LogLevel,
		Quiet:     quiet,
	})
	if err != nil {
		return fmt.Errorf("E_LOGGER_INIT: %w", err)
	}
	defer closer.Close()

	fail := func(reasonCode string, err error) error {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
		return fmt.Errorf("%s: %w", reasonCode, err)
	}

	node, err := uuid.Parse(cfg.NodeUUID)
	if err != nil {
		return fail("E_NODE_UUID", fmt.Errorf("node_uuid %q: %w", cfg.NodeUUID, err))
	}
	key, created, err := agent.EnsureKey(cfg.PrivateKeyPath, keyBits)
	if err != nil {
		return fail("E_KEY_LOAD", err)
	}
	if created {
		logger.Warn("generated a new daemon key; register its public key with `relay node add` before the relay will accept this daemon",
			"path", cfg.PrivateKeyPath)
	}
	relayKey, err := envelope.LoadPublicKey(cfg.RelayPublicKeyPath)
	if err != nil {
		return fail("E_RELAY_KEY_LOAD", err)
	}

	provider, err := otel.Init(ctx, otel.Config{ServiceName: "aesterisk-agent"})
	if err != nil {
		return fail("E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fail("E_OTEL_INIT", err)
	}

	collector := &agent.HostCollector{StoragePath: cfg.StoragePath, Logger: logger}
	if cfg.DockerEnabled {
		d, err := agent.NewDocker()
		if err != nil {
			logger.Warn("docker unavailable, server status disabled", "error", err)
		} else {
			defer d.Close()
			collector.Docker = d
		}
	}

	a := agent.New(agent.Config{
		RelayURL:          cfg.RelayURL,
		Node:              node,
		Key:               key,
		RelayKey:          relayKey,
		Collector:         collector,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            provider.Tracer,
		StatusInterval:    cfg.StatusInterval,
		ReconnectInterval: cfg.ReconnectInterval,
	})
	logger.Info("agent starting", "node", node.String(), "relay", cfg.RelayURL, "docker", collector.Docker != nil)
	return a.Run(ctx)
}
