package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nullstream/mqq/internal/exectracker"
	"github.com/nullstream/mqq/internal/model"
	"github.com/nullstream/mqq/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	queue   model.Queue
	claimed []model.Job
	jobs    map[string]model.Job

	completedIDs []string
	failedIDs    []string
	failErr      model.ErrorInfo
}

func newFakeStore(queue model.Queue, jobs []model.Job) *fakeStore {
	byID := make(map[string]model.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	return &fakeStore{queue: queue, claimed: jobs, jobs: byID}
}

func (f *fakeStore) GetQueueByID(ctx context.Context, id string) (model.Queue, error) {
	return f.queue, nil
}

func (f *fakeStore) ClaimPending(ctx context.Context, queueID string, limit int, sequential bool) ([]model.Job, error) {
	claimed := f.claimed
	f.claimed = nil
	return claimed, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, jobIDs []string, session store.Session) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedIDs = append(f.completedIDs, jobIDs...)
	for _, id := range jobIDs {
		j := f.jobs[id]
		j.Status = model.StatusCompleted
		f.jobs[id] = j
	}
	return len(jobIDs), nil
}

func (f *fakeStore) FailJobs(ctx context.Context, jobIDs []string, maxRetries int, minDelayMs int64, backoffMultiplier float64, errInfo model.ErrorInfo, session store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedIDs = append(f.failedIDs, jobIDs...)
	f.failErr = errInfo
	for _, id := range jobIDs {
		j := f.jobs[id]
		j.Status = model.StatusFailed
		f.jobs[id] = j
	}
	return nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, sess store.Session) error) error {
	return fn(ctx, nil)
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return model.Job{}, errors.New("not found")
	}
	return j, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCycleCompletesSuccessfulJobs(t *testing.T) {
	queue := model.Queue{ID: "q1", Name: "emails", MaxDurationMs: 1000, MaxRetries: 3, MinDelayMs: 100, BackoffMultiplier: 2}
	jobs := []model.Job{{ID: "j1", QueueID: "q1", StartAfter: time.Now()}}
	fs := newFakeStore(queue, jobs)

	var processedIDs []string
	tracker := exectracker.New()
	done := tracker.Expect("emails", 1)

	callback := func(ctx context.Context, jobs []model.Job, jobCtx *JobContext) error {
		return nil
	}

	p := NewJobProcessor(fs, "q1", callback, Options{
		OnJobProcessed: func(jobID, queueID string) { processedIDs = append(processedIDs, jobID) },
		Tracker:        tracker,
	}, testLogger())

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(fs.completedIDs) != 1 || fs.completedIDs[0] != "j1" {
		t.Fatalf("expected j1 completed, got %v", fs.completedIDs)
	}
	if len(processedIDs) != 1 || processedIDs[0] != "j1" {
		t.Fatalf("expected onJobProcessed for j1, got %v", processedIDs)
	}
	select {
	case <-done:
	default:
		t.Fatal("tracker did not observe the completion")
	}
}

func TestRunCycleFailsErroredJobs(t *testing.T) {
	queue := model.Queue{ID: "q1", Name: "emails", MaxDurationMs: 1000, MaxRetries: 3, MinDelayMs: 100, BackoffMultiplier: 2}
	jobs := []model.Job{{ID: "j1", QueueID: "q1", StartAfter: time.Now()}}
	fs := newFakeStore(queue, jobs)

	var failedJob model.Job
	callback := func(ctx context.Context, jobs []model.Job, jobCtx *JobContext) error {
		return errors.New("boom")
	}

	p := NewJobProcessor(fs, "q1", callback, Options{
		OnJobFailed: func(err error, job model.Job) { failedJob = job },
	}, testLogger())

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(fs.failedIDs) != 1 || fs.failedIDs[0] != "j1" {
		t.Fatalf("expected j1 failed, got %v", fs.failedIDs)
	}
	if failedJob.ID != "j1" {
		t.Fatalf("expected OnJobFailed for terminal job j1, got %+v", failedJob)
	}
}

func TestRunCyclePausedQueueIsNoop(t *testing.T) {
	queue := model.Queue{ID: "q1", Name: "emails", Paused: true}
	jobs := []model.Job{{ID: "j1", QueueID: "q1"}}
	fs := newFakeStore(queue, jobs)

	called := false
	callback := func(ctx context.Context, jobs []model.Job, jobCtx *JobContext) error {
		called = true
		return nil
	}

	p := NewJobProcessor(fs, "q1", callback, Options{}, testLogger())
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if called {
		t.Fatal("callback should not run against a paused queue")
	}
}

func TestRunCycleChunkTimeout(t *testing.T) {
	queue := model.Queue{ID: "q1", Name: "emails", MaxDurationMs: 10, MaxRetries: 3, MinDelayMs: 100, BackoffMultiplier: 2}
	jobs := []model.Job{{ID: "j1", QueueID: "q1", StartAfter: time.Now()}}
	fs := newFakeStore(queue, jobs)

	callback := func(ctx context.Context, jobs []model.Job, jobCtx *JobContext) error {
		<-jobCtx.Context().Done()
		return jobCtx.Context().Err()
	}

	p := NewJobProcessor(fs, "q1", callback, Options{}, testLogger())
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(fs.failedIDs) != 1 {
		t.Fatalf("expected timed-out job to be failed, got completed=%v failed=%v", fs.completedIDs, fs.failedIDs)
	}
	if fs.failErr.Name != "TimeoutError" {
		t.Fatalf("expected TimeoutError, got %q", fs.failErr.Name)
	}
}

func TestJobContextMarkJobsAsCompletedSelfCompletes(t *testing.T) {
	queue := model.Queue{ID: "q1", Name: "emails", MaxDurationMs: 1000, MaxRetries: 3, MinDelayMs: 100, BackoffMultiplier: 2}
	jobs := []model.Job{{ID: "j1", QueueID: "q1", StartAfter: time.Now()}}
	fs := newFakeStore(queue, jobs)

	callback := func(ctx context.Context, jobs []model.Job, jobCtx *JobContext) error {
		return jobCtx.MarkJobsAsCompleted(nil)
	}

	p := NewJobProcessor(fs, "q1", callback, Options{}, testLogger())
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// The callback already completed it; finalize must not double-complete.
	if len(fs.completedIDs) != 1 {
		t.Fatalf("expected exactly one completion, got %v", fs.completedIDs)
	}
}
