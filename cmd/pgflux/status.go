package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgflux/pgflux/internal/egress"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print each tracked table's reload mode and last registered LSN",
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

		states, err := svc.Registry().ListTableStates(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("%-12s %-24s %-10s %s\n", "MODE", "TABLE", "EXPORT_ID", "LAST_LSN")
		for _, ts := range states {
			fmt.Printf("%-12s %-24s %-10s %s\n", ts.Mode, ts.Table, ts.ReloadExportID, ts.LastStreamingLSN)
		}

		snap := svc.Metrics().Snapshot()
		fmt.Printf("\nlag: %s (%d bytes)\n", snap.LagFormatted, snap.LagBytes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
