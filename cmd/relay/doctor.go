package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aesterisk/aesterisk/internal/config"
	"github.com/aesterisk/aesterisk/internal/doctor"
	"github.com/aesterisk/aesterisk/internal/otel"
)

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgPtr *config.Relay
			cfg, err := config.LoadRelay(opts.home)
			if err != nil {
				// Keep going so the report shows what is wrong.
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			} else {
				cfgPtr = &cfg
			}
			diag := doctor.RunRelay(cmd.Context(), cfgPtr, otel.Version)
			return doctor.Write(cmd.OutOrStdout(), "Relay", diag, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	return cmd
}
