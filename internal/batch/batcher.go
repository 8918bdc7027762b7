// Package batch accumulates validated records into time-bounded windows
package batch

import (
	"sync"
	"time"

	"orders-etl/internal/models"
)

// Batcher accumulates records for the open window. Seal swaps the open window for a fresh one
// under the same lock that guards Add, so every record lands in exactly one sealed batch.
type Batcher struct {
	mu         sync.Mutex
	worker     string
	nextID     uint64
	maxRecords int
	now        func() time.Time

	records  []models.CanonicalRecord
	first    models.Position
	last     models.Position
	openedAt time.Time
}

// New creates a batcher whose first sealed batch gets nextID
func New(worker string, nextID uint64, maxRecords int) *Batcher {
	b := &Batcher{
		worker:     worker,
		nextID:     nextID,
		maxRecords: maxRecords,
		now:        time.Now,
	}
	b.openedAt = b.now()
	return b
}

// Observe extends the open window's stream range without adding a record.
// Dropped events are observed so their positions are still committed and acked.
func (b *Batcher) Observe(pos models.Position) {
	b.mu.Lock()
	b.observe(pos)
	b.mu.Unlock()
}

// Add appends rec to the open window and reports whether the window reached its record limit
func (b *Batcher) Add(rec models.CanonicalRecord, pos models.Position) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.observe(pos)
	b.records = append(b.records, rec)
	return b.maxRecords > 0 && len(b.records) >= b.maxRecords
}

func (b *Batcher) observe(pos models.Position) {
	if pos == 0 {
		return
	}
	if b.first == 0 || pos < b.first {
		b.first = pos
	}
	if pos > b.last {
		b.last = pos
	}
}

// Len returns the number of records in the open window
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Seal closes the open window and starts a new one. The second return value is false when the
// window covered no stream positions; such a window consumes no batch id.
func (b *Batcher) Seal() (models.Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	sealed := models.Batch{
		Worker:        b.worker,
		Records:       b.records,
		FirstPosition: b.first,
		LastPosition:  b.last,
		OpenedAt:      b.openedAt,
		SealedAt:      now,
	}

	b.records = nil
	b.first, b.last = 0, 0
	b.openedAt = now

	if sealed.Empty() {
		return sealed, false
	}
	sealed.ID = b.nextID
	b.nextID++
	return sealed, true
}
