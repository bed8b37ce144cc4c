// Package cmd wires the CLI entry points.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/app"
	"github.com/minhvu-dev/account-provisioner/internal/config"
	"github.com/minhvu-dev/account-provisioner/internal/logging"
)

var (
	cfgFile string
	dryRun  bool
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provisioner",
		Short: "Drives account-provisioning jobs across a pool of rate-limited workers.",
		Long: `provisioner walks every pending row of the result ledger through the
external provisioning flow, one worker per proxy quota key, leasing
verification mailboxes exclusively and persisting results crash-safely.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			if err := app.Run(cmd.Context(), cfg, logger, dryRun); err != nil {
				logger.Error("run failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "replace the external driver with a no-op")

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
