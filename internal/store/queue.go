package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nullstream/mqq/internal/mqerrors"
	"github.com/nullstream/mqq/internal/model"
)

// UpsertQueue creates or updates a queue by (name, partitionKey). An
// update never resets Paused — pause/resume go through SetPaused instead,
// so config-driven redeploys can't silently un-pause a queue an operator
// paused by hand.
func (s *Store) UpsertQueue(ctx context.Context, q model.Queue) (model.Queue, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, name, partition_key, max_retries, min_delay_ms,
			backoff_multiplier, max_duration_ms, paused, sequential
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name, partition_key) DO UPDATE SET
			max_retries        = EXCLUDED.max_retries,
			min_delay_ms       = EXCLUDED.min_delay_ms,
			backoff_multiplier = EXCLUDED.backoff_multiplier,
			max_duration_ms    = EXCLUDED.max_duration_ms,
			sequential         = EXCLUDED.sequential
		RETURNING id, name, partition_key, max_retries, min_delay_ms,
		          backoff_multiplier, max_duration_ms, paused, sequential`,
		s.table("queues"))

	row := s.pool.QueryRow(ctx, query,
		q.ID, q.Name, q.PartitionKey, q.MaxRetries, q.MinDelayMs,
		q.BackoffMultiplier, q.MaxDurationMs, q.Paused, q.Sequential,
	)
	return scanQueue(row)
}

func (s *Store) GetQueueByName(ctx context.Context, name, partitionKey string) (model.Queue, error) {
	query := fmt.Sprintf(`
		SELECT id, name, partition_key, max_retries, min_delay_ms,
		       backoff_multiplier, max_duration_ms, paused, sequential
		FROM %s WHERE name = $1 AND partition_key = $2`, s.table("queues"))
	row := s.pool.QueryRow(ctx, query, name, partitionKey)
	return scanQueue(row)
}

func (s *Store) GetQueueByID(ctx context.Context, id string) (model.Queue, error) {
	query := fmt.Sprintf(`
		SELECT id, name, partition_key, max_retries, min_delay_ms,
		       backoff_multiplier, max_duration_ms, paused, sequential
		FROM %s WHERE id = $1`, s.table("queues"))
	row := s.pool.QueryRow(ctx, query, id)
	return scanQueue(row)
}

// SetPaused toggles whether a queue's JobProcessor cycles claim work.
func (s *Store) SetPaused(ctx context.Context, id string, paused bool) error {
	query := fmt.Sprintf(`UPDATE %s SET paused = $2 WHERE id = $1`, s.table("queues"))
	tag, err := s.pool.Exec(ctx, query, id, paused)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mqerrors.ErrQueueNotFound
	}
	return nil
}

// PurgePartition deletes every queue in a partition; the jobs FK cascade
// removes their jobs.
func (s *Store) PurgePartition(ctx context.Context, partitionKey string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1`, s.table("queues"))
	_, err := s.pool.Exec(ctx, query, partitionKey)
	if err != nil {
		return fmt.Errorf("purge partition: %w", err)
	}
	return nil
}

func scanQueue(row rowScanner) (model.Queue, error) {
	var q model.Queue
	err := row.Scan(
		&q.ID, &q.Name, &q.PartitionKey, &q.MaxRetries, &q.MinDelayMs,
		&q.BackoffMultiplier, &q.MaxDurationMs, &q.Paused, &q.Sequential,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Queue{}, mqerrors.ErrQueueNotFound
		}
		return model.Queue{}, fmt.Errorf("scan queue: %w", err)
	}
	return q, nil
}
