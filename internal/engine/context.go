// Package engine implements the claim/execute/finalize cycle: the
// JobProcessor that runs one pass over a queue, and the Worker loop that
// drives it on an interval.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/nullstream/mqq/internal/store"
)

// JobContext is handed to every callback invocation. It carries the
// chunk's cancellation context and a markJobsAsCompleted hook a callback
// can call to finalize its own jobs mid-execution (useful when the
// callback wants its completion to share a transaction with its own
// side effects, e.g. the workflow engine's step handler).
type JobContext struct {
	ctx    context.Context
	store  completer
	jobIDs []string

	mu        sync.Mutex
	completed bool
}

type completer interface {
	MarkCompleted(ctx context.Context, jobIDs []string, session store.Session) (int, error)
}

func newJobContext(ctx context.Context, s completer, jobIDs []string) *JobContext {
	return &JobContext{ctx: ctx, store: s, jobIDs: jobIDs}
}

// Context returns the chunk's cancellation context; canceled when the
// chunk times out or the parent worker is stopped.
func (c *JobContext) Context() context.Context { return c.ctx }

// MarkJobsAsCompleted finalizes this chunk's jobs within session, which
// should be the same transactional session the callback used for its
// own writes. If some jobs in the chunk were no longer running (the
// rescuer reclaimed them mid-execution), this returns an error — unlike
// the processor's own end-of-cycle completion, a callback-initiated
// completion failing partway is a correctness problem for the caller's
// transaction, not something to silently drop.
func (c *JobContext) MarkJobsAsCompleted(session store.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	affected, err := c.store.MarkCompleted(c.ctx, c.jobIDs, session)
	if err != nil {
		return fmt.Errorf("mark jobs as completed: %w", err)
	}
	if affected < len(c.jobIDs) {
		return fmt.Errorf("mark jobs as completed: expected %d affected, got %d (job reclaimed elsewhere)", len(c.jobIDs), affected)
	}
	c.completed = true
	return nil
}

// SelfCompleted reports whether the callback already finalized this
// chunk via MarkJobsAsCompleted, so the processor must not complete it
// again at end-of-cycle.
func (c *JobContext) SelfCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}
