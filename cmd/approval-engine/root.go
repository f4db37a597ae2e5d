package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "approval-engine",
	Short: "Approval workflow engine",
	Long: `approval-engine runs and administers the approval workflow engine.

Examples:
  # Serve metrics and health endpoints
  approval-engine serve --config approval.yaml

  # Create the Postgres schema
  APPROVAL_STORAGE_DRIVER=postgres approval-engine migrate

  # Load definitions from a manifest
  approval-engine seed definitions.yaml

  # Show instance and task counts
  approval-engine stats
`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		logger, err = logging.New(cfg.Log, cmd.ErrOrStderr())
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./approval.yaml or ./config/approval.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(statsCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
