// Package sink writes sealed batches to the columnar warehouse.
//
// Every Sink makes a batch visible atomically and upserts rows keyed by (order_id, cdc_timestamp),
// so rewriting a redelivered batch converges to the same warehouse state.
package sink

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"orders-etl/internal/config"
	"orders-etl/internal/models"
)

// Sink durably writes one sealed batch
type Sink interface {
	WriteBatch(ctx context.Context, batch models.Batch) error
	Close() error
}

// Open returns the sink selected by cfg.Type
func Open(ctx context.Context, cfg config.SinkConfig, logger *logrus.Logger) (Sink, error) {
	switch cfg.Type {
	case config.SinkDuckDB:
		return NewDuckDBSink(ctx, cfg.DuckDB.Path, cfg.DuckDB.Table, logger)
	case config.SinkS3:
		return NewS3ParquetSink(ctx, S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

// Dedupe collapses records that share a record key, keeping the last occurrence in its original slot
func Dedupe(records []models.CanonicalRecord) []models.CanonicalRecord {
	last := make(map[models.RecordKey]int, len(records))
	for i := range records {
		last[records[i].Key()] = i
	}
	if len(last) == len(records) {
		return records
	}

	out := make([]models.CanonicalRecord, 0, len(last))
	for i := range records {
		if last[records[i].Key()] == i {
			out = append(out, records[i])
		}
	}
	return out
}
