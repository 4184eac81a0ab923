// Package ticker provides the fixed-interval driver shared by the
// rescuer and the leader-election heartbeat: a single reusable primitive
// with "skip this tick if the previous run is still in flight" semantics.
package ticker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Driver runs Task on a fixed interval. If a prior invocation of Task is
// still running when the next tick fires, that tick is skipped and
// logged rather than queued or run concurrently.
type Driver struct {
	Name       string
	Interval   time.Duration
	Task       func(ctx context.Context) error
	RunOnStart bool
	Logger     *slog.Logger

	busy   atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start arms the interval in a background goroutine and returns
// immediately. Calling Start twice on the same Driver is not supported.
func (d *Driver) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go d.loop(runCtx)
}

func (d *Driver) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	if d.RunOnStart {
		d.tick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	if !d.busy.CompareAndSwap(false, true) {
		d.logger().Debug("tick skipped, previous run still in flight", "driver", d.Name)
		return
	}
	defer d.busy.Store(false)

	if err := d.Task(ctx); err != nil {
		d.logger().Error("scheduled task failed", "driver", d.Name, "error", err)
	}
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Stop cancels the interval and waits for any in-flight tick to return.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}
