package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nullstream/mqq/internal/exectracker"
	"github.com/nullstream/mqq/internal/metrics"
	"github.com/nullstream/mqq/internal/mqerrors"
	"github.com/nullstream/mqq/internal/model"
	"github.com/nullstream/mqq/internal/store"
)

// Callback is user code executed against one chunk of claimed jobs. It
// receives the chunk's own cancellation context (also reachable via
// jobCtx.Context()) and the JobContext hook for self-completion.
type Callback func(ctx context.Context, jobs []model.Job, jobCtx *JobContext) error

// OnJobFailed is invoked once per job whose new attempt count reaches
// the queue's maxRetries — i.e. the job just became terminally failed.
type OnJobFailed func(err error, job model.Job)

// OnJobProcessed is invoked once per job that left the running state
// this cycle, regardless of outcome. jobID/queueID identify the row;
// the full state is available via Store.GetJob for callers that need it.
type OnJobProcessed func(jobID, queueID string)

// Store is the slice of store.Store the processor depends on.
type Store interface {
	GetQueueByID(ctx context.Context, id string) (model.Queue, error)
	ClaimPending(ctx context.Context, queueID string, limit int, sequential bool) ([]model.Job, error)
	MarkCompleted(ctx context.Context, jobIDs []string, session store.Session) (int, error)
	FailJobs(ctx context.Context, jobIDs []string, maxRetries int, minDelayMs int64, backoffMultiplier float64, errInfo model.ErrorInfo, session store.Session) error
	WithTx(ctx context.Context, fn func(ctx context.Context, sess store.Session) error) error
	GetJob(ctx context.Context, id string) (model.Job, error)
}

// Options configures one JobProcessor.
type Options struct {
	PollingBatchSize  int
	CallbackBatchSize int
	OnJobFailed       OnJobFailed
	OnJobProcessed    OnJobProcessed

	// Tracker, if set, is notified of every job this processor's queue
	// finishes processing. Held as an explicit dependency rather than a
	// package global.
	Tracker *exectracker.Tracker
}

// JobProcessor runs one claim/execute/finalize pass over a single queue.
type JobProcessor struct {
	store    Store
	queueID  string
	callback Callback
	opts     Options
	logger   *slog.Logger
}

// NewJobProcessor builds a processor bound to one queue and callback.
func NewJobProcessor(s Store, queueID string, callback Callback, opts Options, logger *slog.Logger) *JobProcessor {
	if opts.PollingBatchSize <= 0 {
		opts.PollingBatchSize = 1
	}
	if opts.CallbackBatchSize <= 0 {
		opts.CallbackBatchSize = 1
	}
	return &JobProcessor{store: s, queueID: queueID, callback: callback, opts: opts, logger: logger.With("component", "job-processor", "queue_id", queueID)}
}

type chunkResult struct {
	jobIDs        []string
	err           error
	selfCompleted bool
}

// RunCycle runs exactly one pass: check pause, claim, execute chunks
// concurrently (each racing the queue's maxDurationMs), then finalize
// everything in a single transaction. A canceled parent ctx is a no-op.
func (p *JobProcessor) RunCycle(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	queue, err := p.store.GetQueueByID(ctx, p.queueID)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if queue.Paused {
		return nil
	}

	claimed, err := p.store.ClaimPending(ctx, queue.ID, p.opts.PollingBatchSize, queue.Sequential)
	if err != nil {
		return fmt.Errorf("claim pending: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}
	for _, j := range claimed {
		metrics.JobClaimLatency.Observe(time.Since(j.StartAfter).Seconds())
	}

	chunks := chunkJobs(claimed, p.opts.CallbackBatchSize)
	results := make([]chunkResult, len(chunks))

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []model.Job) {
			defer wg.Done()
			results[i] = p.runChunk(ctx, queue, chunk)
		}(i, chunk)
	}
	wg.Wait()

	return p.finalize(ctx, queue, results)
}

// runChunk races the callback against the queue's maxDurationMs, in its
// own cancel scope so a timeout can abort exactly this chunk's work
// without touching siblings.
func (p *JobProcessor) runChunk(ctx context.Context, queue model.Queue, chunk []model.Job) chunkResult {
	ids := jobIDs(chunk)
	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobCtx := newJobContext(chunkCtx, p.store, ids)
	started := time.Now()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("callback panicked: %v", r)
			}
		}()
		done <- p.callback(chunkCtx, chunk, jobCtx)
	}()

	timeout := time.Duration(queue.MaxDurationMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			metrics.ChunkDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
			return chunkResult{jobIDs: ids, err: err, selfCompleted: jobCtx.SelfCompleted()}
		}
		metrics.ChunkDuration.WithLabelValues("success").Observe(time.Since(started).Seconds())
		return chunkResult{jobIDs: ids, selfCompleted: jobCtx.SelfCompleted()}
	case <-timer.C:
		cancel()
		<-done // callback must observe cancellation and return
		metrics.ChunkDuration.WithLabelValues("timeout").Observe(time.Since(started).Seconds())
		return chunkResult{jobIDs: ids, err: timeoutError(queue.MaxDurationMs), selfCompleted: jobCtx.SelfCompleted()}
	}
}

// finalize marks every non-self-completed successful chunk completed
// and fails every errored chunk, all in one transaction, then fires
// OnJobFailed for jobs that just went terminal.
func (p *JobProcessor) finalize(ctx context.Context, queue model.Queue, results []chunkResult) error {
	var completedIDs []string
	type failure struct {
		ids  []string
		info model.ErrorInfo
	}
	var failures []failure

	for _, r := range results {
		if r.selfCompleted {
			continue
		}
		if r.err == nil {
			completedIDs = append(completedIDs, r.jobIDs...)
			continue
		}
		failures = append(failures, failure{ids: r.jobIDs, info: errInfoFor(r.err)})
	}

	err := p.store.WithTx(ctx, func(ctx context.Context, sess store.Session) error {
		for _, f := range failures {
			if err := p.store.FailJobs(ctx, f.ids, queue.MaxRetries, queue.MinDelayMs, queue.BackoffMultiplier, f.info, sess); err != nil {
				return fmt.Errorf("fail chunk: %w", err)
			}
		}
		if len(completedIDs) > 0 {
			affected, err := p.store.MarkCompleted(ctx, completedIDs, sess)
			if err != nil {
				return fmt.Errorf("mark completed: %w", err)
			}
			if affected < len(completedIDs) {
				p.logger.Warn("job reclaimed mid-execution, dropping stale completion", "expected", len(completedIDs), "affected", affected)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.JobsCompletedTotal.WithLabelValues("completed").Add(float64(len(completedIDs)))
	var failedIDsFlat []string
	for _, f := range failures {
		failedIDsFlat = append(failedIDsFlat, f.ids...)
	}
	metrics.JobsCompletedTotal.WithLabelValues("retried_or_failed").Add(float64(len(failedIDsFlat)))

	// onJobProcessed and the tracker both fire for every job that left
	// running this cycle, including chunks a callback self-completed via
	// jobCtx.MarkJobsAsCompleted, not just the processor-driven ones.
	var allProcessed []string
	for _, r := range results {
		allProcessed = append(allProcessed, r.jobIDs...)
	}
	if p.opts.OnJobProcessed != nil {
		for _, id := range allProcessed {
			p.opts.OnJobProcessed(id, queue.ID)
		}
	}
	if p.opts.Tracker != nil {
		p.opts.Tracker.Record(queue.Name, len(allProcessed))
	}

	if p.opts.OnJobFailed != nil {
		for _, f := range failures {
			for _, id := range f.ids {
				p.fireOnJobFailedIfTerminal(ctx, id, f.info)
			}
		}
	}
	return nil
}

// fireOnJobFailedIfTerminal re-reads the job to find its post-failure
// attempt count (the transaction above already advanced it) and fires
// OnJobFailed exactly once, only when the job just went terminal.
func (p *JobProcessor) fireOnJobFailedIfTerminal(ctx context.Context, jobID string, info model.ErrorInfo) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if job.Status == model.StatusFailed {
		p.opts.OnJobFailed(fmt.Errorf("%s: %s", info.Name, info.Message), job)
	}
}

func chunkJobs(jobs []model.Job, size int) [][]model.Job {
	var chunks [][]model.Job
	for i := 0; i < len(jobs); i += size {
		end := i + size
		if end > len(jobs) {
			end = len(jobs)
		}
		chunks = append(chunks, jobs[i:end])
	}
	return chunks
}

func jobIDs(jobs []model.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func timeoutError(maxDurationMs int64) error {
	return fmt.Errorf("%s %dms", mqerrors.TimeoutMessagePrefix, maxDurationMs)
}

func errInfoFor(err error) model.ErrorInfo {
	name := mqerrors.UserCallbackErrorName
	msg := err.Error()
	if strings.HasPrefix(msg, mqerrors.TimeoutMessagePrefix) {
		name = mqerrors.TimeoutErrorName
	}
	return model.ErrorInfo{Name: name, Message: msg}
}
