package sink

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orders-etl/internal/models"
)

func rec(orderID string, sec int64, status string) models.CanonicalRecord {
	return models.CanonicalRecord{
		OperationType:  models.OperationUpdate,
		EventTimestamp: time.Unix(sec, 0).UTC(),
		OrderID:        orderID,
		ProcessingTime: time.Unix(1000, 0).UTC(),
		Status:         nullString(status),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func TestDedupeKeepsLastOccurrence(t *testing.T) {
	in := []models.CanonicalRecord{
		rec("O1", 1, "new"),
		rec("O2", 1, "new"),
		rec("O1", 1, "paid"),
		rec("O1", 2, "shipped"),
	}
	out := Dedupe(in)
	require.Len(t, out, 3)
	assert.Equal(t, "O2", out[0].OrderID)
	assert.Equal(t, "paid", out[1].Status.String)
	assert.Equal(t, "shipped", out[2].Status.String)

	unique := in[1:]
	assert.Equal(t, unique, Dedupe(unique))
}

func TestMemorySinkWriteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	batch := models.Batch{ID: 1, Worker: "w", LastPosition: 2, Records: []models.CanonicalRecord{rec("O1", 1, "new"), rec("O2", 1, "new")}}

	once := NewMemorySink()
	require.NoError(t, once.WriteBatch(ctx, batch))

	twice := NewMemorySink()
	require.NoError(t, twice.WriteBatch(ctx, batch))
	require.NoError(t, twice.WriteBatch(ctx, batch))

	assert.Equal(t, once.Rows(), twice.Rows())
}

func TestMemorySinkFailNext(t *testing.T) {
	s := NewMemorySink()
	s.FailNext(1, assert.AnError)

	batch := models.Batch{ID: 1, LastPosition: 1, Records: []models.CanonicalRecord{rec("O1", 1, "")}}
	assert.ErrorIs(t, s.WriteBatch(context.Background(), batch), assert.AnError)
	assert.Empty(t, s.Rows())
	require.NoError(t, s.WriteBatch(context.Background(), batch))
	assert.Equal(t, []uint64{1}, s.Batches())
}
