package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

// schemaMigrations returns the Go-based goose migrations that create this
// Store's table set. They are expressed as closures over the table prefix
// rather than embedded .sql files because table names themselves carry
// the prefix — goose's .sql migrations have no templating hook for that,
// but its Go-migration API happily takes a prefix-bound closure. Versions
// are offset by base so two differently-prefixed Stores sharing one
// goose_db_version table never collide on version numbers (see versionBase).
func schemaMigrations(base int64, prefix string) []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(base+1, &goose.GoFunc{Run: upCreateQueues(prefix)}, &goose.GoFunc{Run: downDrop(prefix, "queues")}),
		goose.NewGoMigration(base+2, &goose.GoFunc{Run: upCreateJobs(prefix)}, &goose.GoFunc{Run: downDrop(prefix, "jobs")}),
		goose.NewGoMigration(base+3, &goose.GoFunc{Run: upCreatePeriodicJobs(prefix)}, &goose.GoFunc{Run: downDrop(prefix, "periodic_jobs")}),
		goose.NewGoMigration(base+4, &goose.GoFunc{Run: upCreateLeaderElection(prefix)}, &goose.GoFunc{Run: downDrop(prefix, "leader_election")}),
		goose.NewGoMigration(base+5, &goose.GoFunc{Run: upCreateWorkflows(prefix)}, &goose.GoFunc{Run: downDrop(prefix, "workflows")}),
	}
}

func pt(prefix, name string) string {
	return prefix + name
}

func upCreateQueues(prefix string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id                 uuid PRIMARY KEY DEFAULT gen_random_uuid(),
				name               text NOT NULL,
				partition_key      text NOT NULL DEFAULT 'default',
				max_retries        integer NOT NULL DEFAULT 3,
				min_delay_ms       bigint NOT NULL DEFAULT 1000,
				backoff_multiplier double precision NOT NULL DEFAULT 2,
				max_duration_ms    bigint NOT NULL DEFAULT 5000,
				paused             boolean NOT NULL DEFAULT false,
				sequential         boolean NOT NULL DEFAULT false,
				UNIQUE (name, partition_key)
			)`, pt(prefix, "queues")))
		return err
	}
}

func upCreateJobs(prefix string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id                 uuid PRIMARY KEY DEFAULT gen_random_uuid(),
				queue_id           uuid NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
				name               text NOT NULL,
				payload            jsonb NOT NULL DEFAULT '{}',
				priority           integer NOT NULL DEFAULT 0,
				status             text NOT NULL DEFAULT 'pending',
				created_at         timestamptz NOT NULL DEFAULT now(),
				start_after        timestamptz NOT NULL DEFAULT now(),
				running_at         timestamptz,
				completed_at       timestamptz,
				failed_at          timestamptz,
				attempts           integer NOT NULL DEFAULT 0,
				errors             jsonb NOT NULL DEFAULT '[]',
				idempotent_key     text,
				pending_dedup_key  text,
				sequential_key     text
			)`, pt(prefix, "jobs"), pt(prefix, "queues")),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (queue_id, status, created_at ASC, priority DESC, id ASC)`,
				prefix+"jobs_claim_idx", pt(prefix, "jobs")),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (queue_id, sequential_key) WHERE sequential_key IS NOT NULL`,
				prefix+"jobs_sequential_idx", pt(prefix, "jobs")),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (queue_id, name, idempotent_key) WHERE idempotent_key IS NOT NULL`,
				prefix+"jobs_idempotent_key_idx", pt(prefix, "jobs")),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (queue_id, name, pending_dedup_key) WHERE pending_dedup_key IS NOT NULL AND status IN ('pending', 'running')`,
				prefix+"jobs_pending_dedup_key_idx", pt(prefix, "jobs")),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

func upCreatePeriodicJobs(prefix string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name        text PRIMARY KEY,
				definition  jsonb NOT NULL,
				last_run_at timestamptz,
				next_run_at timestamptz NOT NULL,
				created_at  timestamptz NOT NULL DEFAULT now(),
				updated_at  timestamptz NOT NULL DEFAULT now()
			)`, pt(prefix, "periodic_jobs")))
		return err
	}
}

func upCreateLeaderElection(prefix string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				singleton_key text PRIMARY KEY,
				leader_id     text NOT NULL,
				elected_at    timestamptz NOT NULL,
				expires_at    timestamptz NOT NULL
			)`, pt(prefix, "leader_election")))
		return err
	}
}

func upCreateWorkflows(prefix string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id               uuid PRIMARY KEY DEFAULT gen_random_uuid(),
				definition_name  text NOT NULL,
				current_step     text NOT NULL,
				data             jsonb NOT NULL DEFAULT '{}',
				step_results     jsonb NOT NULL DEFAULT '{}',
				completed_steps  jsonb NOT NULL DEFAULT '[]',
				pending_steps    jsonb NOT NULL DEFAULT '[]',
				status           text NOT NULL DEFAULT 'active',
				created_at       timestamptz NOT NULL DEFAULT now(),
				completed_at     timestamptz,
				failed_at        timestamptz,
				failure_reason   text
			)`, pt(prefix, "workflows")))
		return err
	}
}

func downDrop(prefix, name string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, pt(prefix, name)))
		return err
	}
}
