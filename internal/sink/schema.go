package sink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"orders-etl/internal/models"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const columnList = `cdc_operation_type, cdc_timestamp, mongo_doc_key, order_id, customer_id, product_id,
	quantity, price, order_status, order_created_at, order_updated_at, is_deleted, etl_processing_time`

func createTableSQL(table string, temporary bool) string {
	kind := "TABLE IF NOT EXISTS"
	if temporary {
		kind = "OR REPLACE TEMP TABLE"
	}
	return fmt.Sprintf(`CREATE %s %s (
	cdc_operation_type  VARCHAR NOT NULL,
	cdc_timestamp       TIMESTAMP NOT NULL,
	mongo_doc_key       VARCHAR,
	order_id            VARCHAR NOT NULL,
	customer_id         VARCHAR,
	product_id          VARCHAR,
	quantity            BIGINT,
	price               DECIMAL(18, 4),
	order_status        VARCHAR,
	order_created_at    TIMESTAMP,
	order_updated_at    TIMESTAMP,
	is_deleted          BOOLEAN NOT NULL,
	etl_processing_time TIMESTAMP NOT NULL,
	PRIMARY KEY (order_id, cdc_timestamp)
)`, kind, table)
}

// upsertSQL keeps a row's first etl_processing_time on conflict
func upsertSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (%s)
	VALUES (?, ?, ?, ?, ?, ?, ?, CAST(? AS DECIMAL(18, 4)), ?, ?, ?, ?, ?)
	ON CONFLICT (order_id, cdc_timestamp) DO UPDATE SET
		cdc_operation_type = EXCLUDED.cdc_operation_type,
		mongo_doc_key = EXCLUDED.mongo_doc_key,
		customer_id = EXCLUDED.customer_id,
		product_id = EXCLUDED.product_id,
		quantity = EXCLUDED.quantity,
		price = EXCLUDED.price,
		order_status = EXCLUDED.order_status,
		order_created_at = EXCLUDED.order_created_at,
		order_updated_at = EXCLUDED.order_updated_at,
		is_deleted = EXCLUDED.is_deleted`, table, columnList)
}

func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// rowArgs flattens a record into driver values in column order
func rowArgs(rec models.CanonicalRecord) []any {
	var price any
	if rec.Price.Valid {
		price = rec.Price.Decimal.String()
	}
	return []any{
		string(rec.OperationType),
		rec.EventTimestamp.UTC(),
		nullable(sql.NullString{String: rec.DocumentKey, Valid: rec.DocumentKey != ""}),
		rec.OrderID,
		nullable(rec.CustomerID),
		nullable(rec.ProductID),
		nullableInt(rec.Quantity),
		price,
		nullable(rec.Status),
		nullableTime(rec.CreatedAt),
		nullableTime(rec.UpdatedAt),
		rec.IsDeleted,
		rec.ProcessingTime.UTC(),
	}
}

func nullable(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}

func nullableInt(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func nullableTime(v sql.NullTime) any {
	if !v.Valid {
		return nil
	}
	return v.Time.UTC()
}

// insertRows upserts records into table inside tx
func insertRows(ctx context.Context, tx *sql.Tx, table string, records []models.CanonicalRecord) error {
	stmt, err := tx.PrepareContext(ctx, upsertSQL(table))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rowArgs(rec)...); err != nil {
			return fmt.Errorf("failed to insert order %s: %w", rec.OrderID, err)
		}
	}
	return nil
}
