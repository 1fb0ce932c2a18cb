// Command agent is the aesterisk daemon. It reports node and server status
// to the relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aesterisk/aesterisk/internal/config"
	"github.com/aesterisk/aesterisk/internal/doctor"
	"github.com/aesterisk/aesterisk/internal/otel"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	home string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "agent",
		Short:        "Aesterisk daemon: reports this machine to the relay",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "data directory (default $AESTERISK_HOME or ~/.aesterisk)")
	root.AddCommand(newRunCmd(opts), newDoctorCmd(opts), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), otel.Version)
		},
	}
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgPtr *config.Agent
			cfg, err := config.LoadAgent(opts.home)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			} else {
				cfgPtr = &cfg
			}
			diag := doctor.RunAgent(cmd.Context(), cfgPtr, otel.Version)
			return doctor.Write(cmd.OutOrStdout(), "Agent", diag, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	return cmd
}
