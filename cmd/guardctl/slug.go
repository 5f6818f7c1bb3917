package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/slug"
	"consoleguard.io/internal/store/pg"
)

var slugCmd = &cobra.Command{
	Use:   "slug",
	Short: "Tenant slug tools",
}

var slugNormalizeCmd = &cobra.Command{
	Use:   "normalize NAME...",
	Short: "Print the normalized slug for a tenant name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), slug.Normalize(strings.Join(args, " ")))
		return err
	},
}

var slugResolveCmd = &cobra.Command{
	Use:   "resolve NAME...",
	Short: "Print the first free slug for a tenant name, checked against the database",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var registry slug.Registry = slug.NewMemoryRegistry()
		if cfg.PGDSN != "" {
			store, err := pg.Open(cfg.PGDSN)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer store.Close()
			registry = store.SlugRegistry()
		}
		log, err := audit.NewLog(audit.NewMemorySink())
		if err != nil {
			return err
		}
		s, err := slug.NewResolver(registry, log, slug.WithTimeout(cfg.Slug.Timeout)).
			Resolve(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), s)
		return err
	},
}

func init() {
	slugCmd.AddCommand(slugNormalizeCmd, slugResolveCmd)
}
