// Package validate drops canonical records that cannot be acted on
package validate

import (
	"errors"
	"strings"

	"orders-etl/internal/models"
)

var (
	// ErrNoRecord is returned for events that produced no canonical record
	ErrNoRecord = errors.New("no canonical record")
	// ErrMissingOrderID is returned for records without a business identifier
	ErrMissingOrderID = errors.New("missing order_id")
)

// Validate passes rec through unchanged or rejects it. It never repairs a record.
func Validate(rec *models.CanonicalRecord) (*models.CanonicalRecord, error) {
	if rec == nil {
		return nil, ErrNoRecord
	}
	if strings.TrimSpace(rec.OrderID) == "" {
		return nil, ErrMissingOrderID
	}
	return rec, nil
}
