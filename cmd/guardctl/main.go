// Command guardctl is the operator CLI: schema migrations, bearer tokens for
// testing, and slug checks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"consoleguard.io/internal/config"
	"consoleguard.io/internal/obs"
)

var (
	cfgFile string
	dsnFlag string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:           "guardctl",
	Short:         "Operator CLI for the consoleguard security core",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dsnFlag != "" {
			cfg.PGDSN = dsnFlag
		}
		obs.ConfigureLogger(cfg.Log.Level, "console")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the environment variables guardctl and the API read",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), config.Usage())
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file layered under the environment")
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "PostgreSQL DSN (overrides GUARD_PG_DSN)")
	rootCmd.AddCommand(configCmd, migrateCmd, tokenCmd, slugCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
