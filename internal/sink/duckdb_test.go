package sink

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orders-etl/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fullRecord(orderID string, ts time.Time, deleted bool) models.CanonicalRecord {
	op := models.OperationInsert
	if deleted {
		op = models.OperationDelete
	}
	return models.CanonicalRecord{
		OperationType:  op,
		EventTimestamp: ts,
		DocumentKey:    "key-" + orderID,
		OrderID:        orderID,
		CustomerID:     sql.NullString{String: "C1", Valid: true},
		Quantity:       sql.NullInt64{Int64: 2, Valid: true},
		Price:          decimal.NewNullDecimal(decimal.RequireFromString("9.99")),
		Status:         sql.NullString{String: "new", Valid: true},
		IsDeleted:      deleted,
		ProcessingTime: ts.Add(time.Second),
	}
}

func TestDuckDBSinkUpsertsByOrderAndTimestamp(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "warehouse.duckdb")
	s, err := NewDuckDBSink(ctx, path, "transformed_orders", quietLogger())
	require.NoError(t, err)
	defer s.Close()

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	batch := models.Batch{ID: 1, Worker: "w", FirstPosition: 1, LastPosition: 3, Records: []models.CanonicalRecord{
		fullRecord("O1", ts, false),
		fullRecord("O2", ts, true),
		fullRecord("O1", ts.Add(time.Minute), false),
	}}

	require.NoError(t, s.WriteBatch(ctx, batch))
	// Redelivery of the same batch leaves the table unchanged
	require.NoError(t, s.WriteBatch(ctx, batch))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	var (
		deleted bool
		price   string
		qty     int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT is_deleted, CAST(price AS VARCHAR), quantity FROM transformed_orders WHERE order_id = 'O2'`).
		Scan(&deleted, &price, &qty)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, "9.9900", price)
	assert.Equal(t, int64(2), qty)

	// A later write for the same key replaces the row
	changed := fullRecord("O2", ts, true)
	changed.Status = sql.NullString{String: "cancelled", Valid: true}
	require.NoError(t, s.WriteBatch(ctx, models.Batch{ID: 2, LastPosition: 4, Records: []models.CanonicalRecord{changed}}))

	var status string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT order_status FROM transformed_orders WHERE order_id = 'O2'`).Scan(&status))
	assert.Equal(t, "cancelled", status)

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDuckDBSinkReplayKeepsFirstProcessingTime(t *testing.T) {
	ctx := context.Background()
	s, err := NewDuckDBSink(ctx, filepath.Join(t.TempDir(), "warehouse.duckdb"), "transformed_orders", quietLogger())
	require.NoError(t, err)
	defer s.Close()

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := fullRecord("O1", ts, false)
	require.NoError(t, s.WriteBatch(ctx, models.Batch{ID: 1, LastPosition: 1, Records: []models.CanonicalRecord{first}}))

	// The same event reconciled again on replay carries a later processing time
	replayed := fullRecord("O1", ts, false)
	replayed.ProcessingTime = first.ProcessingTime.Add(time.Hour)
	replayed.Status = sql.NullString{String: "shipped", Valid: true}
	require.NoError(t, s.WriteBatch(ctx, models.Batch{ID: 1, LastPosition: 1, Records: []models.CanonicalRecord{replayed}}))

	var (
		processed time.Time
		status    string
	)
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT etl_processing_time, order_status FROM transformed_orders WHERE order_id = 'O1'`).Scan(&processed, &status))
	assert.True(t, first.ProcessingTime.Equal(processed), "got %s", processed)
	assert.Equal(t, "shipped", status)
}

func TestDuckDBSinkRejectsBadTableName(t *testing.T) {
	_, err := NewDuckDBSink(context.Background(), "", "orders; DROP TABLE x", quietLogger())
	assert.Error(t, err)
}
