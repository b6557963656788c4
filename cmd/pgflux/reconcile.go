package main

import (
	"github.com/spf13/cobra"

	"github.com/pgflux/pgflux/internal/egress"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove orphaned staging files and reconcile unregistered batch directories",
	Long: `Reconcile runs the same filesystem and registry reconciliation that
run performs on startup, without streaming replication. Useful for
cleaning up after a crash without bringing the pipeline fully up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		svc := egress.New(cfg, logger)
		defer svc.Close()

		ctx := cmd.Context()
		if err := svc.ConnectForMaintenance(ctx); err != nil {
			return err
		}

		logger.Info().Msg("reconciling filesystem and registry state")
		return svc.Recoverer().ReconcileFilesystem(ctx)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
