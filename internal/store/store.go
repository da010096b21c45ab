// Package store persists session results and run summaries in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS booking_runs (
    run_id                TEXT PRIMARY KEY,
    started_at            TIMESTAMPTZ NOT NULL,
    ended_at              TIMESTAMPTZ NOT NULL,
    total                 INTEGER NOT NULL,
    booked                INTEGER NOT NULL,
    submitted_unconfirmed INTEGER NOT NULL,
    failed                INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS booking_results (
    session_id   TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL,
    subject      TEXT NOT NULL,
    name         TEXT NOT NULL,
    ordinal      INTEGER NOT NULL,
    status       TEXT NOT NULL,
    reference    TEXT NOT NULL,
    error_kind   TEXT NOT NULL,
    error        TEXT NOT NULL,
    failed_step  TEXT NOT NULL,
    recorded_at  TIMESTAMPTZ NOT NULL,
    duration_ms  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS booking_results_run_idx ON booking_results (run_id);
`

const insertResultSQL = `
INSERT INTO booking_results
    (session_id, run_id, subject, name, ordinal, status, reference, error_kind, error, failed_step, recorded_at, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (session_id) DO NOTHING;
`

const insertRunSQL = `
INSERT INTO booking_runs (run_id, started_at, ended_at, total, booked, submitted_unconfirmed, failed)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (run_id) DO UPDATE SET
    ended_at = EXCLUDED.ended_at,
    total = EXCLUDED.total,
    booked = EXCLUDED.booked,
    submitted_unconfirmed = EXCLUDED.submitted_unconfirmed,
    failed = EXCLUDED.failed;
`

// Store is a results sink backed by PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
	// release closes a pool the store opened itself.
	release func()
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Connect opens a pool for databaseURL, checks it and prepares the schema.
// Close releases the pool.
func Connect(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.release = pool.Close
	return s, nil
}

// EnsureSchema creates the result tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Write records one session result. Re-recording a session is a no-op.
func (s *Store) Write(ctx context.Context, r schemas.SessionResult) error {
	_, err := s.pool.Exec(ctx, insertResultSQL, resultArgs(r)...)
	if err != nil {
		return fmt.Errorf("failed to insert result for %s: %w", r.Subject, err)
	}
	return nil
}

func resultArgs(r schemas.SessionResult) []any {
	return []any{
		r.SessionID, r.RunID, r.Subject, r.Name, r.Ordinal,
		string(r.Status), r.Reference, string(r.ErrorKind), r.Error, r.FailedStep,
		r.Timestamp.UTC(), r.Duration.Milliseconds(),
	}
}

// WriteSummary records the run row and makes sure every result in the
// summary is present, in one transaction.
func (s *Store) WriteSummary(ctx context.Context, sum schemas.RunSummary) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, insertRunSQL,
		sum.RunID, sum.StartedAt.UTC(), sum.EndedAt.UTC(), sum.Total,
		sum.Counts[schemas.StatusBooked],
		sum.Counts[schemas.StatusSubmittedUnconfirmed],
		sum.Counts[schemas.StatusFailed],
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", sum.RunID, err)
	}

	for _, r := range sum.Results {
		if _, err := tx.Exec(ctx, insertResultSQL, resultArgs(r)...); err != nil {
			return fmt.Errorf("failed to backfill result for %s: %w", r.Subject, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close releases the pool when Connect opened it. A pool passed to New
// belongs to the caller.
func (s *Store) Close() error {
	if s.release != nil {
		s.release()
	}
	return nil
}
