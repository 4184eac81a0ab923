package engine

import (
	"context"
	"log/slog"
	"time"
)

// WorkerOptions configures a Worker's poll cadence.
type WorkerOptions struct {
	PollingInterval time.Duration
}

// Worker drives a JobProcessor on a fixed interval until stopped. Many
// Workers can run against the same queue across many processes; each
// claim is exclusive via SELECT ... FOR UPDATE SKIP LOCKED, so they
// never compete for the same row.
type Worker struct {
	id        string
	processor *JobProcessor
	opts      WorkerOptions
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker builds a Worker around an already-configured JobProcessor.
func NewWorker(id string, processor *JobProcessor, opts WorkerOptions, logger *slog.Logger) *Worker {
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 500 * time.Millisecond
	}
	return &Worker{
		id:        id,
		processor: processor,
		opts:      opts,
		logger:    logger.With("component", "worker", "worker_id", id),
		done:      make(chan struct{}),
	}
}

// Start runs the poll loop in a background goroutine until Stop is
// called or ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.loop(runCtx)
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.PollingInterval)
	defer ticker.Stop()

	w.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		case <-ticker.C:
			if err := w.processor.RunCycle(ctx); err != nil {
				w.logger.Error("job processor cycle failed", "error", err)
			}
		}
	}
}

// Stop signals the loop to abort and blocks until the in-flight cycle
// observes it and the loop goroutine exits.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}
