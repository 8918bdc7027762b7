// Package reconcile maps the insert, update, replace and delete shapes of a change event onto one
// canonical warehouse row.
package reconcile

import (
	"database/sql"
	"time"

	"orders-etl/internal/models"
)

// AuthoritativeDocument returns the document that describes the record for the event's operation.
// Deletes are described by the pre-image; every other document operation by the post-image.
// Structural or unknown operations have no authoritative document.
func AuthoritativeDocument(event *models.ChangeEvent) *models.OrderDocument {
	switch event.OperationType {
	case models.OperationDelete:
		return event.FullDocumentBeforeChange
	case models.OperationInsert, models.OperationUpdate, models.OperationReplace:
		return event.FullDocument
	default:
		return nil
	}
}

// Reconcile builds the canonical record for an event. It returns nil when the authoritative
// document is unavailable, in which case the event contributes no row.
func Reconcile(event *models.ChangeEvent, processedAt time.Time) *models.CanonicalRecord {
	if event == nil {
		return nil
	}
	doc := AuthoritativeDocument(event)
	if doc == nil {
		return nil
	}

	rec := &models.CanonicalRecord{
		OperationType:  event.OperationType,
		EventTimestamp: event.Timestamp,
		DocumentKey:    event.DocumentKey.ID,
		OrderID:        doc.OrderID,
		CustomerID:     nullString(doc.CustomerID),
		ProductID:      nullString(doc.ProductID),
		Price:          doc.Price,
		Status:         nullString(doc.Status),
		CreatedAt:      nullTime(doc.CreatedAt),
		UpdatedAt:      nullTime(doc.UpdatedAt),
		IsDeleted:      event.OperationType == models.OperationDelete,
		ProcessingTime: processedAt.UTC(),
	}
	if doc.Quantity != nil {
		rec.Quantity = sql.NullInt64{Int64: *doc.Quantity, Valid: true}
	}
	return rec
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
