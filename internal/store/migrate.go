package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver goose needs
	"github.com/pressly/goose/v3"

	"github.com/nullstream/mqq/internal/mqerrors"
)

// RunMigrations applies every unapplied migration for this Store's table
// prefix under a prefix-scoped Postgres advisory lock, so two instances
// racing to migrate the same prefix never run its DDL concurrently.
// Differently-prefixed Stores take different lock keys and do not block
// each other. It is idempotent: a second call against an up-to-date
// schema is a no-op.
//
// Migrations themselves are applied by goose (github.com/pressly/goose/v3)
// against a database/sql handle opened with the pgx stdlib adapter —
// the pool used for everything else stays on pgx's native interface.
// The goose provider is built without a session locker, so the
// prefix-keyed lock taken here is the only migration lock held.
func (s *Store) RunMigrations(ctx context.Context, databaseURL string) error {
	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer sqlDB.Close()

	lockConn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration lock connection: %w", err)
	}
	defer lockConn.Close()

	lockKey := prefixLockKey(s.prefix)
	acquired, err := acquireAdvisoryLock(ctx, lockConn, lockKey, 10*time.Second)
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if !acquired {
		return mqerrors.ErrMigrationLocked
	}
	defer releaseAdvisoryLock(context.Background(), lockConn, lockKey)

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, nil, goose.WithGoMigrations(schemaMigrations(versionBase(s.prefix), s.prefix)...))
	if err != nil {
		return fmt.Errorf("build migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// GlobalDestroy drops every table this Store manages, in dependency
// order. Used by the facade's GlobalDestroy lifecycle hook; never called
// from production code paths.
func (s *Store) GlobalDestroy(ctx context.Context) error {
	tables := []string{"workflows", "jobs", "queues", "periodic_jobs", "leader_election"}
	for _, t := range tables {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, s.table(t))); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table("goose_db_version")))
	return err
}

func prefixLockKey(prefix string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("mqq-migrations:" + prefix))
	return int64(h.Sum64())
}

// versionBase derives a per-prefix starting version number for this
// Store's goose migrations. goose's Provider tracks applied versions in
// one shared goose_db_version table regardless of table prefix, so two
// differently-prefixed Stores sharing a database must not reuse the same
// version numbers — otherwise the second prefix's migrations would be
// seen as "already applied" and its tables would never get created.
func versionBase(prefix string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("mqq-schema-version:" + prefix))
	return int64(h.Sum64()%1_000_000) * 10
}

func acquireAdvisoryLock(ctx context.Context, conn *sql.Conn, key int64, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func releaseAdvisoryLock(ctx context.Context, conn *sql.Conn, key int64) {
	_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
}
