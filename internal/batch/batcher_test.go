package batch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orders-etl/internal/models"
)

func record(id string) models.CanonicalRecord {
	return models.CanonicalRecord{OrderID: id, EventTimestamp: time.Unix(0, 0)}
}

func TestSealEmptyWindowConsumesNoID(t *testing.T) {
	b := New("w", 7, 0)

	_, ok := b.Seal()
	assert.False(t, ok)

	b.Add(record("a"), 3)
	sealed, ok := b.Seal()
	require.True(t, ok)
	assert.Equal(t, uint64(7), sealed.ID)
	assert.Equal(t, "w", sealed.Worker)
}

func TestSealTracksPositionRange(t *testing.T) {
	b := New("w", 1, 0)
	b.Observe(10)
	b.Add(record("a"), 11)
	b.Observe(12)

	sealed, ok := b.Seal()
	require.True(t, ok)
	assert.Equal(t, models.Position(10), sealed.FirstPosition)
	assert.Equal(t, models.Position(12), sealed.LastPosition)
	assert.Len(t, sealed.Records, 1)
	assert.Equal(t, 0, b.Len())

	b.Observe(13)
	next, ok := b.Seal()
	require.True(t, ok, "a window of dropped events still seals")
	assert.Equal(t, uint64(2), next.ID)
	assert.Empty(t, next.Records)
	assert.Equal(t, models.Position(13), next.FirstPosition)
}

func TestAddReportsFullWindow(t *testing.T) {
	b := New("w", 1, 2)
	assert.False(t, b.Add(record("a"), 1))
	assert.True(t, b.Add(record("b"), 2))
}

func TestSealTimes(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("w", 1, 0)
	b.now = func() time.Time { return now }
	b.openedAt = now

	b.Add(record("a"), 1)
	now = now.Add(time.Minute)
	sealed, _ := b.Seal()
	assert.Equal(t, time.Minute, sealed.SealedAt.Sub(sealed.OpenedAt))
}

// Every record added while windows are sealed concurrently lands in exactly one batch
func TestSealIsExhaustiveAndExclusive(t *testing.T) {
	const writers, perWriter = 8, 500
	b := New("w", 1, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		batches []models.Batch
		done    = make(chan struct{})
	)

	sealerDone := make(chan struct{})
	go func() {
		defer close(sealerDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			if sealed, ok := b.Seal(); ok {
				mu.Lock()
				batches = append(batches, sealed)
				mu.Unlock()
			}
		}
	}()

	var pos sync.Mutex
	next := models.Position(0)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				pos.Lock()
				next++
				p := next
				b.Add(record(fmt.Sprintf("%d-%d", w, i)), p)
				pos.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(done)
	<-sealerDone
	if sealed, ok := b.Seal(); ok {
		batches = append(batches, sealed)
	}

	seen := make(map[string]int)
	for i, batch := range batches {
		assert.Equal(t, uint64(i+1), batch.ID, "batch ids are sequential")
		for _, rec := range batch.Records {
			seen[rec.OrderID]++
		}
	}
	assert.Len(t, seen, writers*perWriter)
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("record %s sealed %d times", id, n)
		}
	}
}
