package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"orders-etl/internal/config"
	"orders-etl/internal/models"
)

type dialect struct {
	driver string
	create string
	load   string
	upsert string

	createLeases string
	claimInsert  string // args: worker, owner, expires
	claimUpdate  string // args: owner, expires, worker, owner, now
	claimToken   string // args: worker, owner
	renew        string // args: expires, worker, owner, token, now
	release      string // args: worker, owner, token
}

const createLeasesSQL = `CREATE TABLE IF NOT EXISTS etl_leases (
			worker        VARCHAR(255) PRIMARY KEY,
			owner         VARCHAR(255) NOT NULL,
			token         BIGINT NOT NULL,
			expires_at_ms BIGINT NOT NULL
		)`

var dialects = map[string]dialect{
	config.CheckpointPostgres: {
		driver: "postgres",
		create: `CREATE TABLE IF NOT EXISTS etl_checkpoints (
			worker        VARCHAR(255) PRIMARY KEY,
			last_position BIGINT NOT NULL,
			last_batch_id BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
		load: `SELECT last_position, last_batch_id, updated_at_ms FROM etl_checkpoints WHERE worker = $1`,
		upsert: `INSERT INTO etl_checkpoints (worker, last_position, last_batch_id, updated_at_ms)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (worker) DO UPDATE SET
				last_position = EXCLUDED.last_position,
				last_batch_id = EXCLUDED.last_batch_id,
				updated_at_ms = EXCLUDED.updated_at_ms`,

		createLeases: createLeasesSQL,
		claimInsert: `INSERT INTO etl_leases (worker, owner, token, expires_at_ms) VALUES ($1, $2, 1, $3)
			ON CONFLICT (worker) DO NOTHING`,
		claimUpdate: `UPDATE etl_leases SET owner = $1, token = token + 1, expires_at_ms = $2
			WHERE worker = $3 AND (owner = $4 OR expires_at_ms < $5)`,
		claimToken: `SELECT token FROM etl_leases WHERE worker = $1 AND owner = $2`,
		renew: `UPDATE etl_leases SET expires_at_ms = $1
			WHERE worker = $2 AND owner = $3 AND token = $4 AND expires_at_ms >= $5`,
		release: `DELETE FROM etl_leases WHERE worker = $1 AND owner = $2 AND token = $3`,
	},
	config.CheckpointMySQL: {
		driver: "mysql",
		create: `CREATE TABLE IF NOT EXISTS etl_checkpoints (
			worker        VARCHAR(255) PRIMARY KEY,
			last_position BIGINT NOT NULL,
			last_batch_id BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
		load: `SELECT last_position, last_batch_id, updated_at_ms FROM etl_checkpoints WHERE worker = ?`,
		upsert: `INSERT INTO etl_checkpoints (worker, last_position, last_batch_id, updated_at_ms)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				last_position = VALUES(last_position),
				last_batch_id = VALUES(last_batch_id),
				updated_at_ms = VALUES(updated_at_ms)`,

		createLeases: createLeasesSQL,
		claimInsert:  `INSERT IGNORE INTO etl_leases (worker, owner, token, expires_at_ms) VALUES (?, ?, 1, ?)`,
		claimUpdate: `UPDATE etl_leases SET owner = ?, token = token + 1, expires_at_ms = ?
			WHERE worker = ? AND (owner = ? OR expires_at_ms < ?)`,
		claimToken: `SELECT token FROM etl_leases WHERE worker = ? AND owner = ?`,
		renew: `UPDATE etl_leases SET expires_at_ms = ?
			WHERE worker = ? AND owner = ? AND token = ? AND expires_at_ms >= ?`,
		release: `DELETE FROM etl_leases WHERE worker = ? AND owner = ? AND token = ?`,
	},
}

// SQLStore keeps checkpoints in an etl_checkpoints table and leases in an etl_leases table on
// Postgres or MySQL. Lease expiry uses this process's clock.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewSQLStore connects with dsn, verifies the connection and creates the table when missing
func NewSQLStore(ctx context.Context, backend, dsn string, logger *logrus.Logger) (*SQLStore, error) {
	d, ok := dialects[backend]
	if !ok {
		return nil, fmt.Errorf("unsupported SQL checkpoint backend %q", backend)
	}
	if dsn == "" {
		return nil, errors.New("checkpoint dsn required")
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", d.driver, err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	store := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := store.checkConnection(ctx, logger); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// checkConnection pings the server and bootstraps the checkpoint and lease tables
func (s *SQLStore) checkConnection(ctx context.Context, logger *logrus.Logger) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s server: %w", s.dialect.driver, err)
	}
	logger.Infof("Successfully connected to %s checkpoint store", s.dialect.driver)

	if _, err := s.db.ExecContext(ctx, s.dialect.create); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.createLeases); err != nil {
		return fmt.Errorf("failed to create lease table: %w", err)
	}
	return nil
}

// Load implements Store
func (s *SQLStore) Load(ctx context.Context, worker string) (models.Checkpoint, error) {
	var pos, batchID, updatedMs int64
	err := s.db.QueryRowContext(ctx, s.dialect.load, worker).Scan(&pos, &batchID, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Checkpoint{Worker: worker}, nil
	}
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return models.Checkpoint{
		Worker:                worker,
		LastCommittedPosition: models.Position(pos),
		LastBatchID:           uint64(batchID),
		UpdatedAt:             time.UnixMilli(updatedMs).UTC(),
	}, nil
}

// Commit implements Store
func (s *SQLStore) Commit(ctx context.Context, cp models.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, s.dialect.upsert,
		cp.Worker, int64(cp.LastCommittedPosition), int64(cp.LastBatchID), cp.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// ClaimLease implements Leaser. A missing row is inserted; an existing row is taken over when it
// belongs to owner or has expired. Each claim bumps the row's token.
func (s *SQLStore) ClaimLease(ctx context.Context, worker, owner string, ttl time.Duration) (Lease, error) {
	now := s.now()
	expires := now.Add(ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, fmt.Errorf("failed to begin lease claim: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.dialect.claimInsert, worker, owner, expires.UnixMilli())
	if err != nil {
		return Lease{}, fmt.Errorf("failed to insert lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		res, err = tx.ExecContext(ctx, s.dialect.claimUpdate, owner, expires.UnixMilli(), worker, owner, now.UnixMilli())
		if err != nil {
			return Lease{}, fmt.Errorf("failed to update lease: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Lease{}, ErrLeaseHeld
		}
	}

	var token int64
	if err := tx.QueryRowContext(ctx, s.dialect.claimToken, worker, owner).Scan(&token); err != nil {
		return Lease{}, fmt.Errorf("failed to read lease token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Lease{}, fmt.Errorf("failed to commit lease claim: %w", err)
	}
	return Lease{Worker: worker, Owner: owner, Token: token, TTL: ttl, ExpiresAt: expires}, nil
}

// RenewLease implements Leaser
func (s *SQLStore) RenewLease(ctx context.Context, lease Lease) (Lease, error) {
	now := s.now()
	expires := now.Add(lease.TTL)
	res, err := s.db.ExecContext(ctx, s.dialect.renew, expires.UnixMilli(), lease.Worker, lease.Owner, lease.Token, now.UnixMilli())
	if err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Lease{}, ErrLeaseLost
	}
	lease.ExpiresAt = expires
	return lease, nil
}

// ReleaseLease implements Leaser
func (s *SQLStore) ReleaseLease(ctx context.Context, lease Lease) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.release, lease.Worker, lease.Owner, lease.Token); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Close implements Store
func (s *SQLStore) Close() error {
	return s.db.Close()
}
