// Package store is the sole data-access layer for the queue: every query
// and transaction used by the engine, rescuer, leader election, periodic
// engine, and workflow engine lives here. It hides Postgres-specific
// details (SKIP LOCKED, advisory locks, JSONB, unique-violation detection)
// behind strongly-typed operations that return model.* records.
package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session is a small interface satisfied by both a pooled connection
// and an in-flight transaction, so callbacks that accept a session can
// participate in the same transaction the finalize step will commit.
type Session interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Session = (*pgxpool.Pool)(nil)
	_ Session = (pgx.Tx)(nil)
)

// Store is the typed data-access layer for the queue. A single Store
// may be shared by every component in a process; tablesPrefix lets
// multiple logical queues share one database.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	prefix string
}

// New wraps an already-connected pool. Callers own the pool's lifecycle.
func New(pool *pgxpool.Pool, logger *slog.Logger, tablesPrefix string) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger.With("component", "store"), prefix: tablesPrefix}
}

// Pool exposes the underlying pool for callers (health checks, migrations)
// that need it directly.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) table(name string) string { return s.prefix + name }

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error (including a panic, which is re-raised after
// rollback). Used by operations spanning more than one statement:
// AddJobs, job finalization, periodic registration, workflow step
// advancement. ClaimPending does not use it: its claim is a single
// UPDATE ... WHERE id IN (SELECT ... FOR UPDATE SKIP LOCKED) statement.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, sess Session) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(ctx, tx)
	return err
}

// sess returns the given session if non-nil, otherwise the pool itself,
// letting callers participate in an external transaction for operations
// that don't always need one.
func (s *Store) sess(session Session) Session {
	if session != nil {
		return session
	}
	return s.pool
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the signal AddJobs uses to distinguish
// silent dedup from a real failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}
