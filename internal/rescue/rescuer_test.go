package rescue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nullstream/mqq/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRescueGroupsByQueueAndFailsEachGroup(t *testing.T) {
	stuck := []model.Job{
		{ID: "j1", QueueID: "q1"},
		{ID: "j2", QueueID: "q1"},
		{ID: "j3", QueueID: "q2"},
	}
	queues := map[string]model.Queue{
		"q1": {ID: "q1", MaxRetries: 3, MinDelayMs: 1000, BackoffMultiplier: 2},
		"q2": {ID: "q2", MaxRetries: 5, MinDelayMs: 500, BackoffMultiplier: 3},
	}

	var failedCalls []struct {
		ids        []string
		maxRetries int
	}

	r := New(
		func(ctx context.Context, horizon time.Duration, limit int) ([]model.Job, error) {
			return stuck, nil
		},
		func(ctx context.Context, id string) (model.Queue, error) {
			return queues[id], nil
		},
		func(ctx context.Context, jobIDs []string, maxRetries int, minDelayMs int64, backoffMultiplier float64, errInfo model.ErrorInfo) error {
			failedCalls = append(failedCalls, struct {
				ids        []string
				maxRetries int
			}{ids: jobIDs, maxRetries: maxRetries})
			return nil
		},
		Config{Interval: time.Hour, RescueAfter: time.Hour, BatchSize: 100},
		testLogger(),
	)

	if err := r.rescue(context.Background()); err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if len(failedCalls) != 2 {
		t.Fatalf("expected one FailJobs call per queue, got %d", len(failedCalls))
	}

	byMaxRetries := map[int]int{}
	for _, c := range failedCalls {
		byMaxRetries[c.maxRetries] = len(c.ids)
	}
	if byMaxRetries[3] != 2 {
		t.Fatalf("expected q1's two jobs failed with maxRetries=3, got %d", byMaxRetries[3])
	}
	if byMaxRetries[5] != 1 {
		t.Fatalf("expected q2's one job failed with maxRetries=5, got %d", byMaxRetries[5])
	}
}

func TestRescueNoStuckJobsIsNoop(t *testing.T) {
	called := false
	r := New(
		func(ctx context.Context, horizon time.Duration, limit int) ([]model.Job, error) {
			return nil, nil
		},
		func(ctx context.Context, id string) (model.Queue, error) { return model.Queue{}, nil },
		func(ctx context.Context, jobIDs []string, maxRetries int, minDelayMs int64, backoffMultiplier float64, errInfo model.ErrorInfo) error {
			called = true
			return nil
		},
		Config{Interval: time.Hour, RescueAfter: time.Hour, BatchSize: 100},
		testLogger(),
	)
	if err := r.rescue(context.Background()); err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if called {
		t.Fatal("FailJobs should never be called when nothing is stuck")
	}
}

func TestRescueContinuesPastOneQueueLookupFailure(t *testing.T) {
	stuck := []model.Job{{ID: "j1", QueueID: "missing"}, {ID: "j2", QueueID: "q2"}}
	var failedQueues []string

	r := New(
		func(ctx context.Context, horizon time.Duration, limit int) ([]model.Job, error) { return stuck, nil },
		func(ctx context.Context, id string) (model.Queue, error) {
			if id == "missing" {
				return model.Queue{}, errNotFound
			}
			return model.Queue{ID: id, MaxRetries: 3, MinDelayMs: 100, BackoffMultiplier: 2}, nil
		},
		func(ctx context.Context, jobIDs []string, maxRetries int, minDelayMs int64, backoffMultiplier float64, errInfo model.ErrorInfo) error {
			failedQueues = append(failedQueues, jobIDs...)
			return nil
		},
		Config{Interval: time.Hour, RescueAfter: time.Hour, BatchSize: 100},
		testLogger(),
	)
	if err := r.rescue(context.Background()); err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if len(failedQueues) != 1 || failedQueues[0] != "j2" {
		t.Fatalf("expected only q2's job to be failed, got %v", failedQueues)
	}
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

var errNotFound = simpleErr("queue not found")
