package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aesterisk/aesterisk/internal/config"
	"github.com/aesterisk/aesterisk/internal/envelope"
)

const defaultKeyBits = 4096

func newKeygenCmd(opts *rootOptions) *cobra.Command {
	var (
		bits  int
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the relay key pair",
		Long: `Generate the relay's RSA key pair at private_key_path. The public key is
written next to it as <name>.pub.pem; distribute it to daemons and dashboards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadRelay(opts.home)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.PrivateKeyPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", cfg.PrivateKeyPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			dir, file := filepath.Split(cfg.PrivateKeyPath)
			priv, pub, err := envelope.WriteKeyPair(filepath.Clean(dir), strings.TrimSuffix(file, ".pem"), bits)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\n", priv, pub)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", defaultKeyBits, "RSA key size")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}
