package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orders-etl/internal/models"
)

func doc(orderID string) *models.OrderDocument {
	qty := int64(3)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &models.OrderDocument{
		OrderID:    orderID,
		CustomerID: "C1",
		Quantity:   &qty,
		Price:      decimal.NewNullDecimal(decimal.RequireFromString("12.50")),
		Status:     "paid",
		CreatedAt:  &created,
	}
}

func TestAuthoritativeDocument(t *testing.T) {
	after, before := doc("after"), doc("before")

	tests := []struct {
		op   models.OperationType
		want *models.OrderDocument
	}{
		{models.OperationInsert, after},
		{models.OperationUpdate, after},
		{models.OperationReplace, after},
		{models.OperationDelete, before},
		{models.OperationType("invalidate"), nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			ev := &models.ChangeEvent{OperationType: tt.op, FullDocument: after, FullDocumentBeforeChange: before}
			assert.Same(t, tt.want, AuthoritativeDocument(ev))
		})
	}
}

func TestReconcileMapsFields(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC)
	processed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	ev := &models.ChangeEvent{
		OperationType: models.OperationUpdate,
		DocumentKey:   models.DocumentKey{ID: "k1"},
		FullDocument:  doc("O1"),
		Timestamp:     ts,
	}

	rec := Reconcile(ev, processed)
	require.NotNil(t, rec)
	assert.Equal(t, models.OperationUpdate, rec.OperationType)
	assert.Equal(t, ts, rec.EventTimestamp)
	assert.Equal(t, "k1", rec.DocumentKey)
	assert.Equal(t, "O1", rec.OrderID)
	assert.Equal(t, "C1", rec.CustomerID.String)
	assert.False(t, rec.ProductID.Valid, "empty strings map to NULL")
	assert.Equal(t, int64(3), rec.Quantity.Int64)
	assert.Equal(t, "12.5", rec.Price.Decimal.String())
	assert.Equal(t, "paid", rec.Status.String)
	assert.True(t, rec.CreatedAt.Valid)
	assert.False(t, rec.UpdatedAt.Valid)
	assert.False(t, rec.IsDeleted)
	assert.Equal(t, time.UTC, rec.ProcessingTime.Location())
}

func TestReconcileDeleteUsesBeforeImage(t *testing.T) {
	ev := &models.ChangeEvent{
		OperationType:            models.OperationDelete,
		FullDocumentBeforeChange: doc("O2"),
		Timestamp:                time.Now(),
	}
	rec := Reconcile(ev, time.Now())
	require.NotNil(t, rec)
	assert.Equal(t, "O2", rec.OrderID)
	assert.True(t, rec.IsDeleted)
}

func TestReconcileWithoutAuthoritativeDocument(t *testing.T) {
	cases := []*models.ChangeEvent{
		nil,
		{OperationType: models.OperationInsert},
		{OperationType: models.OperationUpdate, FullDocumentBeforeChange: doc("O1")},
		{OperationType: models.OperationDelete, FullDocument: doc("O1")},
		{OperationType: "rename", FullDocument: doc("O1")},
	}
	for _, ev := range cases {
		assert.Nil(t, Reconcile(ev, time.Now()))
	}
}
