package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aesterisk/aesterisk/internal/config"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/persistence"
)

// withStore opens the relay database for one admin command.
func withStore(ctx context.Context, home string, fn func(*persistence.Store) error) error {
	cfg, err := config.LoadRelay(home)
	if err != nil {
		return err
	}
	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func readKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(data), nil
}

func newTeamCmd(opts *rootOptions) *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage teams"}
	team.AddCommand(&cobra.Command{
		Use:   "add NAME",
		Short: "Create a team and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts.home, func(s *persistence.Store) error {
				id, err := s.CreateTeam(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	})
	return team
}

func newUserCmd(opts *rootOptions) *cobra.Command {
	var (
		keyPath string
		teams   []int64
	)
	add := &cobra.Command{
		Use:   "add ID",
		Short: "Register or re-key a dashboard user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("user id %q: %w", args[0], err)
			}
			pemText, err := readKeyFile(keyPath)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), opts.home, func(s *persistence.Store) error {
				if err := s.PutUser(cmd.Context(), identity.UserID(id), pemText); err != nil {
					return err
				}
				for _, t := range teams {
					if err := s.AddMember(cmd.Context(), identity.TeamID(t), identity.UserID(id)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	add.Flags().StringVar(&keyPath, "key", "", "path to the user's public key (PEM)")
	add.Flags().Int64SliceVar(&teams, "team", nil, "team to add the user to (repeatable)")
	_ = add.MarkFlagRequired("key")

	user := &cobra.Command{Use: "user", Short: "Manage dashboard users"}
	user.AddCommand(add)
	return user
}

func newNodeCmd(opts *rootOptions) *cobra.Command {
	var (
		keyPath string
		team    int64
		id      string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register or re-key a daemon and print its uuid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			node := uuid.New()
			if id != "" {
				parsed, err := uuid.Parse(id)
				if err != nil {
					return fmt.Errorf("node uuid %q: %w", id, err)
				}
				node = parsed
			}
			pemText, err := readKeyFile(keyPath)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), opts.home, func(s *persistence.Store) error {
				if err := s.PutNode(cmd.Context(), node, identity.TeamID(team), pemText); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), node)
				return nil
			})
		},
	}
	add.Flags().StringVar(&keyPath, "key", "", "path to the daemon's public key (PEM)")
	add.Flags().Int64Var(&team, "team", 0, "owning team id")
	add.Flags().StringVar(&id, "uuid", "", "node uuid (generated when empty)")
	_ = add.MarkFlagRequired("key")
	_ = add.MarkFlagRequired("team")

	var listTeam int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List a team's nodes as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts.home, func(s *persistence.Store) error {
				nodes, err := s.ListNodes(cmd.Context(), identity.TeamID(listTeam))
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(nodes)
			})
		},
	}
	list.Flags().Int64Var(&listTeam, "team", 0, "team id")
	_ = list.MarkFlagRequired("team")

	node := &cobra.Command{Use: "node", Short: "Manage daemons"}
	node.AddCommand(add, list)
	return node
}
