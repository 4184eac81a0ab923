package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nullstream/mqq/internal/engine"
	"github.com/nullstream/mqq/internal/model"
	"github.com/nullstream/mqq/internal/store"
)

// fakeStore backs both engine.Store and workflow.Store against in-memory
// maps, letting a real JobProcessor drive a real workflow.Engine end to
// end without a database.
type fakeStore struct {
	mu        sync.Mutex
	queue     model.Queue
	jobs      map[string]*model.Job
	dedup     map[string]string // pendingDedupKey -> job id, for live (pending/running) jobs only
	workflows map[string]model.Workflow
	nextID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queue:     model.Queue{ID: "wfq", Name: "workflows", MaxDurationMs: 5000, MaxRetries: 3, MinDelayMs: 100, BackoffMultiplier: 2},
		jobs:      make(map[string]*model.Job),
		dedup:     make(map[string]string),
		workflows: make(map[string]model.Workflow),
	}
}

func (f *fakeStore) genID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

// engine.Store

func (f *fakeStore) GetQueueByID(ctx context.Context, id string) (model.Queue, error) {
	return f.queue, nil
}

func (f *fakeStore) ClaimPending(ctx context.Context, queueID string, limit int, sequential bool) ([]model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []model.Job
	for _, j := range f.jobs {
		if len(claimed) >= limit {
			break
		}
		if j.Status == model.StatusPending {
			j.Status = model.StatusRunning
			claimed = append(claimed, *j)
		}
	}
	return claimed, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, jobIDs []string, session store.Session) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range jobIDs {
		j, ok := f.jobs[id]
		if !ok || j.Status != model.StatusRunning {
			continue
		}
		j.Status = model.StatusCompleted
		n++
	}
	return n, nil
}

func (f *fakeStore) FailJobs(ctx context.Context, jobIDs []string, maxRetries int, minDelayMs int64, backoffMultiplier float64, errInfo model.ErrorInfo, session store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range jobIDs {
		if j, ok := f.jobs[id]; ok {
			j.Status = model.StatusFailed
		}
	}
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, id string) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("job %s not found", id)
	}
	return *j, nil
}

// workflow.Store (WithTx shared with engine.Store)

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, sess store.Session) error) error {
	return fn(ctx, nil)
}

func (f *fakeStore) CreateWorkflow(ctx context.Context, w model.Workflow, session store.Session) (model.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.ID = f.genID("wf")
	f.workflows[w.ID] = w
	return w, nil
}

func (f *fakeStore) GetWorkflow(ctx context.Context, id string, session store.Session) (model.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return model.Workflow{}, fmt.Errorf("workflow %s not found", id)
	}
	return w, nil
}

func (f *fakeStore) UpdateWorkflow(ctx context.Context, w model.Workflow, session store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[w.ID] = w
	return nil
}

func (f *fakeStore) AddJobs(ctx context.Context, queueName, partitionKey string, jobs []model.NewJobInput, session store.Session) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	added := 0
	for _, in := range jobs {
		if in.PendingDedupKey != nil {
			if _, exists := f.dedup[*in.PendingDedupKey]; exists {
				continue
			}
		}
		id := f.genID("job")
		f.jobs[id] = &model.Job{ID: id, QueueID: f.queue.ID, Name: in.Name, Payload: in.Payload, Status: model.StatusPending}
		if in.PendingDedupKey != nil {
			f.dedup[*in.PendingDedupKey] = id
		}
		added++
	}
	return added, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runOneCycle(t *testing.T, fs *fakeStore, e *Engine) {
	t.Helper()
	p := engine.NewJobProcessor(fs, fs.queue.ID, e.HandleStep, engine.Options{}, testLogger())
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
}

func TestWorkflowAdvancesThroughSequentialSteps(t *testing.T) {
	fs := newFakeStore()
	e := New(fs, "workflows", "default", testLogger())

	var secondStepSawFirstResult []byte
	def := Definition{
		Name:      "onboarding",
		StartStep: "validate",
		Steps: []Step{
			{
				Name: "validate",
				Handler: func(ctx context.Context, data []byte, sess store.Session) ([]byte, error) {
					return []byte(`"validated"`), nil
				},
			},
			{
				Name: "provision",
				Handler: func(ctx context.Context, data []byte, sess store.Session) ([]byte, error) {
					secondStepSawFirstResult = data
					return []byte(`"provisioned"`), nil
				},
			},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	wf, err := e.Start(context.Background(), "onboarding", []byte(`{"tenant":"acme"}`))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if wf.Status != model.WorkflowActive {
		t.Fatalf("expected workflow to start active, got %s", wf.Status)
	}

	runOneCycle(t, fs, e) // validate
	runOneCycle(t, fs, e) // provision

	final := fs.workflows[wf.ID]
	if final.Status != model.WorkflowCompleted {
		t.Fatalf("expected workflow completed, got %s (completed steps %v)", final.Status, final.CompletedSteps)
	}
	if len(final.CompletedSteps) != 2 {
		t.Fatalf("expected both steps recorded completed, got %v", final.CompletedSteps)
	}
	if string(final.StepResults["validate"]) != `"validated"` {
		t.Fatalf("unexpected validate result: %s", final.StepResults["validate"])
	}
	if secondStepSawFirstResult == nil {
		t.Fatal("expected provision handler to run with the workflow's context data")
	}
}

func TestWorkflowFailureIsPersisted(t *testing.T) {
	fs := newFakeStore()
	e := New(fs, "workflows", "default", testLogger())

	def := Definition{
		Name:      "risky",
		StartStep: "step1",
		Steps: []Step{
			{
				Name: "step1",
				Handler: func(ctx context.Context, data []byte, sess store.Session) ([]byte, error) {
					return nil, fmt.Errorf("boom")
				},
			},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	wf, err := e.Start(context.Background(), "risky", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	p := engine.NewJobProcessor(fs, fs.queue.ID, e.HandleStep, engine.Options{}, testLogger())
	_ = p.RunCycle(context.Background()) // handler error surfaces as a failed chunk, not a RunCycle error

	final := fs.workflows[wf.ID]
	if final.Status != model.WorkflowFailed {
		t.Fatalf("expected workflow failed, got %s", final.Status)
	}
	if final.FailureReason == "" {
		t.Fatal("expected a non-empty failure reason")
	}
}

func TestParallelNextStepsConvergeWithoutDuplicateEnqueue(t *testing.T) {
	fs := newFakeStore()
	e := New(fs, "workflows", "default", testLogger())

	def := Definition{
		Name:      "fanout",
		StartStep: "split",
		Steps: []Step{
			{
				Name:    "split",
				Handler: func(ctx context.Context, data []byte, sess store.Session) ([]byte, error) { return nil, nil },
				Next:    &Next{names: []string{"branchA", "branchB"}},
			},
			{
				Name:    "branchA",
				Handler: func(ctx context.Context, data []byte, sess store.Session) ([]byte, error) { return nil, nil },
				Next:    &Next{names: []string{"join"}},
			},
			{
				Name:    "branchB",
				Handler: func(ctx context.Context, data []byte, sess store.Session) ([]byte, error) { return nil, nil },
				Next:    &Next{names: []string{"join"}},
			},
			{
				Name:    "join",
				Handler: func(ctx context.Context, data []byte, sess store.Session) ([]byte, error) { return []byte(`"done"`), nil },
			},
		},
	}
	if err := e.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	wf, err := e.Start(context.Background(), "fanout", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// split -> enqueues branchA and branchB
	runOneCycle(t, fs, e)
	if got := countPendingJobs(fs); got != 2 {
		t.Fatalf("expected 2 pending branch jobs after split, got %d", got)
	}

	// branchA and branchB each complete; only the branch that finishes
	// last (leaving no sibling pending) enqueues "join", under a
	// pendingDedupKey that would collapse any duplicate, so only one join
	// job must ever exist.
	runOneCycle(t, fs, e)
	runOneCycle(t, fs, e)

	joinCount := 0
	for _, j := range fs.jobs {
		var p stepPayload
		if err := json.Unmarshal(j.Payload, &p); err == nil && p.Step.Name == "join" {
			joinCount++
		}
	}
	if joinCount != 1 {
		t.Fatalf("expected exactly one join job despite two converging branches, got %d", joinCount)
	}

	runOneCycle(t, fs, e) // join
	final := fs.workflows[wf.ID]
	if final.Status != model.WorkflowCompleted {
		t.Fatalf("expected workflow completed after join, got %s", final.Status)
	}
}

func countPendingJobs(fs *fakeStore) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, j := range fs.jobs {
		if j.Status == model.StatusPending {
			n++
		}
	}
	return n
}
