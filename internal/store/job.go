package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nullstream/mqq/internal/mqerrors"
	"github.com/nullstream/mqq/internal/model"
)

// AddJobs atomically resolves (queueName, partitionKey) to a queue row and
// inserts each job, reporting how many rows were actually new. A job that
// collides with an existing (queueId, name, idempotentKey) or a live
// (queueId, name, pendingDedupKey) is silently skipped — that is the
// intended dedup behavior, not an error. A missing queue is the one
// condition that IS an error: mqerrors.ErrQueueMissing.
//
// This resolves the queue first and inserts rows one at a time inside
// one transaction, rather than a single INSERT ... SELECT ... JOIN
// queues. That makes "queue missing" and "all rows were duplicates"
// unambiguous to distinguish — both would otherwise surface identically
// as "zero rows affected" from a single joined statement — while
// preserving the same atomicity and the same external contract (silent
// dedup, explicit ErrQueueMissing).
func (s *Store) AddJobs(ctx context.Context, queueName, partitionKey string, jobs []model.NewJobInput, session Session) (int, error) {
	exec := func(sess Session) (int, error) {
		queue, err := s.getQueueForUpdateTx(ctx, sess, queueName, partitionKey)
		if err != nil {
			return 0, err
		}

		added := 0
		for _, j := range jobs {
			ok, err := s.insertOneJob(ctx, sess, queue.ID, j)
			if err != nil {
				return added, err
			}
			if ok {
				added++
			}
		}
		return added, nil
	}

	if session != nil {
		return exec(session)
	}

	var added int
	err := s.WithTx(ctx, func(ctx context.Context, sess Session) error {
		n, err := exec(sess)
		added = n
		return err
	})
	return added, err
}

func (s *Store) getQueueForUpdateTx(ctx context.Context, sess Session, name, partitionKey string) (model.Queue, error) {
	query := fmt.Sprintf(`
		SELECT id, name, partition_key, max_retries, min_delay_ms,
		       backoff_multiplier, max_duration_ms, paused, sequential
		FROM %s WHERE name = $1 AND partition_key = $2`, s.table("queues"))
	row := sess.QueryRow(ctx, query, name, partitionKey)
	q, err := scanQueue(row)
	if err != nil {
		if err == mqerrors.ErrQueueNotFound {
			return model.Queue{}, mqerrors.ErrQueueMissing
		}
		return model.Queue{}, err
	}
	return q, nil
}

func (s *Store) insertOneJob(ctx context.Context, sess Session, queueID string, j model.NewJobInput) (bool, error) {
	startAfter := j.StartAfter
	if startAfter.IsZero() {
		startAfter = time.Now().UTC()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, queue_id, name, payload, priority, status, created_at,
			start_after, attempts, errors, idempotent_key, pending_dedup_key,
			sequential_key
		) VALUES ($1, $2, $3, $4, $5, 'pending', now(), $6, 0, '[]'::jsonb, $7, $8, $9)
		ON CONFLICT DO NOTHING`, s.table("jobs"))

	tag, err := sess.Exec(ctx, query,
		uuid.NewString(), queueID, j.Name, json.RawMessage(j.Payload), j.Priority,
		startAfter, j.IdempotentKey, j.PendingDedupKey, j.SequentialKey,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const jobColumns = `id, queue_id, name, payload, priority, status, created_at,
	start_after, running_at, completed_at, failed_at, attempts, errors,
	idempotent_key, pending_dedup_key, sequential_key`

// ClaimPending atomically claims up to limit pending, due jobs on queueID
// and transitions them to running. Delivery order within one call is
// strict: createdAt ASC, priority DESC, id ASC. When sequential is true,
// a job sharing a non-null sequentialKey with an earlier-or-running job
// in the same queue is excluded from this claim; NULL-keyed jobs are
// never excluded by it.
func (s *Store) ClaimPending(ctx context.Context, queueID string, limit int, sequential bool) ([]model.Job, error) {
	var query string
	if sequential {
		query = fmt.Sprintf(`
			UPDATE %[1]s SET status = 'running', running_at = now()
			WHERE id IN (
				SELECT j1.id FROM %[1]s j1
				WHERE j1.queue_id = $1
				  AND j1.status = 'pending'
				  AND j1.start_after <= now()
				  AND NOT EXISTS (
					SELECT 1 FROM %[1]s j2
					WHERE j2.queue_id = j1.queue_id
					  AND j1.sequential_key IS NOT NULL
					  AND j2.sequential_key = j1.sequential_key
					  AND j2.id <> j1.id
					  AND j2.status IN ('pending', 'running')
					  AND (j2.status = 'running' OR j2.created_at < j1.created_at)
				  )
				ORDER BY j1.created_at ASC, j1.priority DESC, j1.id ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING %[2]s`, s.table("jobs"), jobColumns)
	} else {
		query = fmt.Sprintf(`
			UPDATE %[1]s SET status = 'running', running_at = now()
			WHERE id IN (
				SELECT id FROM %[1]s
				WHERE queue_id = $1 AND status = 'pending' AND start_after <= now()
				ORDER BY created_at ASC, priority DESC, id ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING %[2]s`, s.table("jobs"), jobColumns)
	}

	rows, err := s.pool.Query(ctx, query, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING from an UPDATE...WHERE id IN (... ORDER BY ... LIMIT) does
	// not itself preserve order; re-sort so callers see the strict order
	// the claim query selected by.
	sortJobsByClaimOrder(jobs)
	return jobs, nil
}

// MarkCompleted transitions jobIds from running to completed. The
// returned affected count is how callers detect "this job was taken back
// by the rescuer while we were still executing it" (affected <
// requested).
func (s *Store) MarkCompleted(ctx context.Context, jobIDs []string, session Session) (int, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'completed', attempts = attempts + 1, completed_at = now()
		WHERE id = ANY($1) AND status = 'running'`, s.table("jobs"))
	tag, err := s.sess(session).Exec(ctx, query, jobIDs)
	if err != nil {
		return 0, fmt.Errorf("mark completed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailJobs routes jobIds through the retry/terminal-fail state machine in
// one UPDATE. All jobIds are assumed to belong to queues sharing the
// given retry policy (true for both the JobProcessor, which fails one
// queue's chunk at a time, and the Rescuer, which groups stuck jobs by
// queue before calling this).
func (s *Store) FailJobs(ctx context.Context, jobIDs []string, maxRetries int, minDelayMs int64, backoffMultiplier float64, errInfo model.ErrorInfo, session Session) error {
	if len(jobIDs) == 0 {
		return nil
	}
	errJSON, err := json.Marshal(errInfo)
	if err != nil {
		return fmt.Errorf("marshal error info: %w", err)
	}
	nowISO := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
			start_after = CASE WHEN attempts + 1 >= $2 THEN start_after
				ELSE now() + ($3 * power($4, attempts)) * interval '1 millisecond' END,
			running_at = CASE WHEN attempts + 1 >= $2 THEN running_at ELSE NULL END,
			failed_at = CASE WHEN attempts + 1 >= $2 THEN now() ELSE failed_at END,
			attempts = attempts + 1,
			errors = errors || jsonb_build_array(jsonb_build_object(
				'at', $5::text,
				'attempt', attempts + 1,
				'error', $6::jsonb
			))
		WHERE id = ANY($1)`, s.table("jobs"))

	_, err = s.sess(session).Exec(ctx, query, jobIDs, maxRetries, minDelayMs, backoffMultiplier, nowISO, errJSON)
	if err != nil {
		return fmt.Errorf("fail jobs: %w", err)
	}
	return nil
}

// PendingJobsStuck returns up to limit rows left running past horizon —
// the Rescuer's source of stuck work.
func (s *Store) PendingJobsStuck(ctx context.Context, horizon time.Duration, limit int) ([]model.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = 'running' AND running_at < $1
		ORDER BY running_at ASC
		LIMIT $2`, jobColumns, s.table("jobs"))
	rows, err := s.pool.Query(ctx, query, time.Now().Add(-horizon), limit)
	if err != nil {
		return nil, fmt.Errorf("pending jobs stuck: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) GetJob(ctx context.Context, id string) (model.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table("jobs"))
	row := s.pool.QueryRow(ctx, query, id)
	return scanJob(row)
}

// ListJobsInput scopes a paginated read of a queue's jobs.
type ListJobsInput struct {
	QueueID    string
	Status     model.Status // empty = any
	CursorTime *time.Time
	CursorID   string
	Limit      int
}

func (s *Store) ListJobs(ctx context.Context, in ListJobsInput) ([]model.Job, error) {
	args := []any{in.QueueID}
	where := []string{"queue_id = $1"}

	if in.Status != "" {
		args = append(args, in.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if in.CursorTime != nil {
		args = append(args, *in.CursorTime, in.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, jobColumns, s.table("jobs"), joinAnd(where), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func joinAnd(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}

func scanJobs(rows pgx.Rows) ([]model.Job, error) {
	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (model.Job, error) {
	var j model.Job
	var errorsJSON []byte
	err := row.Scan(
		&j.ID, &j.QueueID, &j.Name, &j.Payload, &j.Priority, &j.Status, &j.CreatedAt,
		&j.StartAfter, &j.RunningAt, &j.CompletedAt, &j.FailedAt, &j.Attempts, &errorsJSON,
		&j.IdempotentKey, &j.PendingDedupKey, &j.SequentialKey,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Job{}, mqerrors.ErrJobNotFound
		}
		return model.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &j.Errors); err != nil {
			return model.Job{}, fmt.Errorf("unmarshal job errors: %w", err)
		}
	}
	return j, nil
}

func sortJobsByClaimOrder(jobs []model.Job) {
	// insertion sort: claimed batches are small (bounded by pollingBatchSize)
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && jobLess(jobs[k], jobs[k-1]); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}

func jobLess(a, b model.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}
