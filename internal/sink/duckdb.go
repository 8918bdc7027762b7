package sink

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/sirupsen/logrus"

	"orders-etl/internal/models"
)

// DuckDBSink writes batches into a DuckDB warehouse table.
// Each batch is one transaction, so readers see all of it or none of it.
type DuckDBSink struct {
	db     *sql.DB
	table  string
	logger *logrus.Logger
}

// NewDuckDBSink opens the warehouse at path and creates table when missing
func NewDuckDBSink(ctx context.Context, path, table string, logger *logrus.Logger) (*DuckDBSink, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL(table, false)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	logger.Infof("DuckDB warehouse ready at %s (table %s)", path, table)
	return &DuckDBSink{db: db, table: table, logger: logger}, nil
}

// WriteBatch implements Sink
func (s *DuckDBSink) WriteBatch(ctx context.Context, batch models.Batch) error {
	records := Dedupe(batch.Records)
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := insertRows(ctx, tx, s.table, records); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch %d: %w", batch.ID, err)
	}

	s.logger.Debugf("Wrote batch %d (%d rows) to %s", batch.ID, len(records), s.table)
	return nil
}

// Count returns the number of rows in the warehouse table
func (s *DuckDBSink) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.table)).Scan(&n)
	return n, err
}

// Close implements Sink
func (s *DuckDBSink) Close() error {
	return s.db.Close()
}
