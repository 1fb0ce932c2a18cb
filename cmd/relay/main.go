// Command relay runs the aesterisk relay and manages its identity database.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

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
		Use:           "relay",
		Short:         "Aesterisk relay: routes events between daemons and dashboards",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "data directory (default $AESTERISK_HOME or ~/.aesterisk)")

	root.AddCommand(
		newServeCmd(opts),
		newKeygenCmd(opts),
		newStatusCmd(opts),
		newDoctorCmd(opts),
		newTeamCmd(opts),
		newUserCmd(opts),
		newNodeCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), otel.Version)
		},
	}
}

// fatalStartup logs a startup failure with a stable reason code and returns
// it as an error for cobra to report.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) error {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"relay","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			err.Error(),
		)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}
