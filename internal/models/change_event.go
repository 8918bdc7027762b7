package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OperationType is the CDC operation reported by the upstream change stream
type OperationType string

const (
	OperationInsert  OperationType = "insert"
	OperationUpdate  OperationType = "update"
	OperationReplace OperationType = "replace"
	OperationDelete  OperationType = "delete"
)

// Known reports whether the operation carries a document change
func (o OperationType) Known() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete:
		return true
	}
	return false
}

// DocumentKey identifies the upstream record
type DocumentKey struct {
	ID string `json:"_id"`
}

// ChangeEvent represents a decoded CDC event. FullDocument and FullDocumentBeforeChange are nil
// when the document was absent or could not be decoded.
type ChangeEvent struct {
	OperationType            OperationType  `json:"operationType"`
	DocumentKey              DocumentKey    `json:"documentKey"`
	FullDocument             *OrderDocument `json:"fullDocument"`
	FullDocumentBeforeChange *OrderDocument `json:"fullDocumentBeforeChange"`
	Timestamp                time.Time      `json:"timestamp"`
}

// OrderDocument is the nested order payload carried by a change event
type OrderDocument struct {
	OrderID    string              `json:"order_id"`
	CustomerID string              `json:"customer_id"`
	ProductID  string              `json:"product_id"`
	Quantity   *int64              `json:"quantity"`
	Price      decimal.NullDecimal `json:"price"`
	Status     string              `json:"status"`
	CreatedAt  *time.Time          `json:"createdAt"`
	UpdatedAt  *time.Time          `json:"updatedAt"`
	ID         json.RawMessage     `json:"_id,omitempty"`
}
