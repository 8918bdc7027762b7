package sink

import (
	"context"
	"sort"
	"sync"

	"orders-etl/internal/models"
)

// MemorySink keeps the warehouse in memory. It is used by tests and dry runs.
type MemorySink struct {
	mu      sync.Mutex
	rows    map[models.RecordKey]models.CanonicalRecord
	batches []uint64
	failN   int
	err     error
}

// NewMemorySink creates an empty in-memory warehouse
func NewMemorySink() *MemorySink {
	return &MemorySink{rows: make(map[models.RecordKey]models.CanonicalRecord)}
}

// FailNext makes the next n writes fail with err
func (s *MemorySink) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
	s.err = err
}

// WriteBatch implements Sink
func (s *MemorySink) WriteBatch(ctx context.Context, batch models.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failN > 0 {
		s.failN--
		return s.err
	}
	for _, rec := range Dedupe(batch.Records) {
		s.rows[rec.Key()] = rec
	}
	s.batches = append(s.batches, batch.ID)
	return nil
}

// Rows returns the stored rows ordered by event timestamp then order id
func (s *MemorySink) Rows() []models.CanonicalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.CanonicalRecord, 0, len(s.rows))
	for _, rec := range s.rows {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTimestamp.Equal(out[j].EventTimestamp) {
			return out[i].EventTimestamp.Before(out[j].EventTimestamp)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// Batches returns the ids of successfully written batches in write order
func (s *MemorySink) Batches() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.batches...)
}

// Close implements Sink
func (s *MemorySink) Close() error {
	return nil
}
