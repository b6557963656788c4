package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgflux/pgflux/internal/egress"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the egress pipeline: decode WAL, buffer, flush, coordinate reloads",
	Long: `Run performs startup & recovery, then streams the replication slot
until an interrupt or TERM signal is received, at which point it flushes
outstanding batches, confirms their LSN, and shuts down cleanly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc := egress.New(cfg, logger)
		defer svc.Close()

		logger.Info().Str("slot", cfg.Replication.SlotName).Str("publication", cfg.Replication.Publication).Msg("starting pgflux")
		return svc.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
