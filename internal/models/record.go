package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalRecord is the unified warehouse row produced from any CDC operation
type CanonicalRecord struct {
	OperationType  OperationType       `json:"cdc_operation_type"`
	EventTimestamp time.Time           `json:"cdc_timestamp"`
	DocumentKey    string              `json:"mongo_doc_key"`
	OrderID        string              `json:"order_id"`
	CustomerID     sql.NullString      `json:"customer_id"`
	ProductID      sql.NullString      `json:"product_id"`
	Quantity       sql.NullInt64       `json:"quantity"`
	Price          decimal.NullDecimal `json:"price"`
	Status         sql.NullString      `json:"order_status"`
	CreatedAt      sql.NullTime        `json:"order_created_at"`
	UpdatedAt      sql.NullTime        `json:"order_updated_at"`
	IsDeleted      bool                `json:"is_deleted"`
	ProcessingTime time.Time           `json:"etl_processing_time"`
}

// RecordKey is the idempotency key of a warehouse row
type RecordKey struct {
	OrderID        string
	EventTimestamp int64
}

// Key returns the (business identifier, source event timestamp) key of the record
func (r *CanonicalRecord) Key() RecordKey {
	return RecordKey{OrderID: r.OrderID, EventTimestamp: r.EventTimestamp.UnixNano()}
}
