// Package checkpoint persists per-worker progress and drives the
// sink write → checkpoint commit → source ack sequence.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"orders-etl/internal/config"
	"orders-etl/internal/models"
)

// Store persists one checkpoint per worker.
// Load returns a zero checkpoint for a worker that has never committed.
type Store interface {
	Load(ctx context.Context, worker string) (models.Checkpoint, error)
	Commit(ctx context.Context, cp models.Checkpoint) error
	Close() error
}

// Open returns the store selected by cfg.Backend. conn is only used by the nats backend.
func Open(ctx context.Context, cfg config.CheckpointConfig, conn *nats.Conn, logger *logrus.Logger) (Store, error) {
	switch cfg.Backend {
	case config.CheckpointFile:
		return NewFileStore(cfg.Dir)
	case config.CheckpointEtcd:
		return NewEtcdStore(cfg.Endpoints, cfg.Prefix, cfg.DialTimeout)
	case config.CheckpointNATS:
		if conn == nil {
			return nil, fmt.Errorf("nats checkpoint backend needs a NATS connection")
		}
		return NewKVStore(conn, cfg.Bucket, cfg.LeaseTTL)
	case config.CheckpointPostgres, config.CheckpointMySQL:
		return NewSQLStore(ctx, cfg.Backend, cfg.DSN, logger)
	case config.CheckpointMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}
