// Package stream adapts the CDC transport to a poll/ack consumer
package stream

import (
	"context"
	"errors"
	"time"

	"orders-etl/internal/models"
)

// ErrSourceUnavailable wraps transport failures that should be retried with backoff
var ErrSourceUnavailable = errors.New("stream source unavailable")

// Entry is one stream entry holding a single encoded envelope. Timestamp is when the transport
// stored the entry; it is the same on every redelivery.
type Entry struct {
	Position  models.Position
	Data      []byte
	Timestamp time.Time
}

// Source pulls entries for one partition on behalf of a consumer group
type Source interface {
	// Poll returns up to max entries, waiting at most block for the first one.
	// An empty slice with a nil error means the wait elapsed.
	Poll(ctx context.Context, max int, block time.Duration) ([]Entry, error)
	// Ack marks every delivered entry at or below upto as processed
	Ack(ctx context.Context, upto models.Position) error
	Close() error
}
