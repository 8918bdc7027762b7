package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"orders-etl/internal/processor"
	"orders-etl/internal/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume the CDC stream and load batches into the warehouse",
	Args:  cobra.NoArgs,
	RunE: func(command *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(command.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting orders ETL service...")
		logger.Infof("Sink: %s, checkpoint backend: %s, partitions: %v",
			cfg.Sink.Type, cfg.Checkpoint.Backend, cfg.Source.Partitions)

		runner, err := processor.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer runner.Close()

		server.Start(ctx, cfg.Metrics.Addr, logger)

		err = runner.Run(ctx)
		logger.Info("Orders ETL service stopped")
		return err
	},
}
