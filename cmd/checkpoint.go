package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"orders-etl/internal/checkpoint"
	"orders-etl/internal/config"
	"orders-etl/internal/stream"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect stored worker checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show [WORKER...]",
	Short: "Print the stored checkpoint of each worker (default: every configured partition)",
	RunE: func(command *cobra.Command, args []string) error {
		ctx := command.Context()

		var conn *nats.Conn
		if cfg.Checkpoint.Backend == config.CheckpointNATS {
			var err error
			conn, err = stream.Connect(stream.ConnectOptions{
				URL:           cfg.Source.URL,
				Name:          "orders-etl-checkpoint",
				MaxReconnect:  cfg.Source.MaxReconnect,
				ReconnectWait: cfg.Source.ReconnectWait,
			}, logger)
			if err != nil {
				return err
			}
			defer conn.Close()
		}

		store, err := checkpoint.Open(ctx, cfg.Checkpoint, conn, logger)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		defer store.Close()

		workers := args
		if len(workers) == 0 {
			workers = workerNames(cfg.Source)
		}
		return showCheckpoints(ctx, store, workers, command.OutOrStdout())
	},
}

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd)
}

// workerNames returns the checkpoint names of the configured partitions
func workerNames(src config.SourceConfig) []string {
	names := make([]string, 0, len(src.Partitions))
	for _, partition := range src.Partitions {
		names = append(names, stream.JetStreamConfig{Group: src.ConsumerGroup, Partition: partition}.Durable())
	}
	return names
}

func showCheckpoints(ctx context.Context, store checkpoint.Store, workers []string, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for _, worker := range workers {
		cp, err := store.Load(ctx, worker)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint for %s: %w", worker, err)
		}
		if err := enc.Encode(cp); err != nil {
			return err
		}
	}
	return nil
}
