// Package rescue reclaims jobs stuck in the running state — a worker
// that crashed, was killed, or lost its connection mid-execution leaves
// its claimed rows running forever otherwise.
package rescue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nullstream/mqq/internal/metrics"
	"github.com/nullstream/mqq/internal/mqerrors"
	"github.com/nullstream/mqq/internal/model"
	"github.com/nullstream/mqq/internal/ticker"
)

// Config configures the rescuer's tick behavior. Field names and
// defaults mirror the facade's rescuer* options.
type Config struct {
	Interval    time.Duration
	RescueAfter time.Duration
	BatchSize   int
	RunOnStart  bool
}

// Rescuer is a ticker.Driver task that reclaims stale running jobs and
// routes them back through the ordinary retry/terminal-fail path.
type Rescuer struct {
	store  *storeAdapter
	cfg    Config
	logger *slog.Logger
	driver *ticker.Driver
}

// storeAdapter narrows store.Store to the three calls the rescuer needs,
// without forcing store.Store's Session-typed FailJobs signature onto
// this package's public Store interface.
type storeAdapter struct {
	PendingJobsStuck func(ctx context.Context, horizon time.Duration, limit int) ([]model.Job, error)
	GetQueueByID     func(ctx context.Context, id string) (model.Queue, error)
	FailJobs         func(ctx context.Context, jobIDs []string, maxRetries int, minDelayMs int64, backoffMultiplier float64, errInfo model.ErrorInfo) error
}

// New builds a Rescuer. The three functions passed in are store.Store
// methods bound to a *store.Store instance (FailJobs called with a nil
// session, i.e. directly against the pool — the rescuer never needs to
// share a caller's transaction).
func New(
	pendingJobsStuck func(ctx context.Context, horizon time.Duration, limit int) ([]model.Job, error),
	getQueueByID func(ctx context.Context, id string) (model.Queue, error),
	failJobs func(ctx context.Context, jobIDs []string, maxRetries int, minDelayMs int64, backoffMultiplier float64, errInfo model.ErrorInfo) error,
	cfg Config,
	logger *slog.Logger,
) *Rescuer {
	r := &Rescuer{
		store: &storeAdapter{
			PendingJobsStuck: pendingJobsStuck,
			GetQueueByID:     getQueueByID,
			FailJobs:         failJobs,
		},
		cfg:    cfg,
		logger: logger,
	}
	r.driver = &ticker.Driver{
		Name:       "rescuer",
		Interval:   cfg.Interval,
		RunOnStart: cfg.RunOnStart,
		Logger:     logger,
		Task:       r.rescue,
	}
	return r
}

// Start runs the rescuer's tick loop until ctx is canceled.
func (r *Rescuer) Start(ctx context.Context) { r.driver.Start(ctx) }

// Stop halts the tick loop and waits for any in-flight run to finish.
func (r *Rescuer) Stop() { r.driver.Stop() }

// rescue runs one pass: fetch stuck rows, group by queue, fail each
// group through its own queue's retry policy.
func (r *Rescuer) rescue(ctx context.Context) error {
	started := time.Now()
	defer func() { metrics.RescuerCycleDuration.Observe(time.Since(started).Seconds()) }()

	stuck, err := r.store.PendingJobsStuck(ctx, r.cfg.RescueAfter, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch stuck jobs: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	byQueue := make(map[string][]string)
	for _, j := range stuck {
		byQueue[j.QueueID] = append(byQueue[j.QueueID], j.ID)
	}

	errInfo := model.ErrorInfo{
		Name:    mqerrors.RescuerErrorName,
		Message: mqerrors.RescuerErrorMessage,
	}

	var rescued int
	for queueID, jobIDs := range byQueue {
		queue, err := r.store.GetQueueByID(ctx, queueID)
		if err != nil {
			r.logger.Error("rescuer: queue lookup failed", "queue_id", queueID, "error", err)
			continue
		}
		if err := r.store.FailJobs(ctx, jobIDs, int(queue.MaxRetries), queue.MinDelayMs, queue.BackoffMultiplier, errInfo); err != nil {
			r.logger.Error("rescuer: fail stuck jobs", "queue_id", queueID, "error", err)
			continue
		}
		rescued += len(jobIDs)
	}

	if rescued > 0 {
		metrics.RescuerReclaimedTotal.Add(float64(rescued))
		r.logger.Info("rescuer: reclaimed stuck jobs", "count", rescued)
	}
	return nil
}
