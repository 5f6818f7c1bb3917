package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"consoleguard.io/internal/migrate"
	"consoleguard.io/internal/store/pg"
)

var migrateTimeout time.Duration

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Apply or inspect the PostgreSQL schema",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"up", "down", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.PGDSN == "" {
			return errors.New("missing DSN: provide via --dsn or GUARD_PG_DSN")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
		defer cancel()

		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		mgr := migrate.NewManager(store.DB())
		out := cmd.OutOrStdout()

		switch args[0] {
		case "up":
			applied, err := mgr.Up(ctx)
			for _, name := range applied {
				fmt.Fprintln(out, "applied", name)
			}
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema up to date")
			}
		case "down":
			name, err := mgr.Down(ctx)
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Fprintln(out, "rolled back", name)
		case "status":
			applied, err := mgr.Status(ctx)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			pending, err := mgr.Pending(ctx)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			for _, name := range applied {
				fmt.Fprintln(out, "applied ", name)
			}
			for _, name := range pending {
				fmt.Fprintln(out, "pending ", name)
			}
		default:
			return fmt.Errorf("unknown migrate command %q", args[0])
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 30*time.Second, "overall timeout")
}
