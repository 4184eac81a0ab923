// Package leader implements a lease-based single-elected-instance
// primitive over the Store: exactly one process in a fleet holds the
// lease at a time, renewed on a heartbeat driven by internal/ticker.
package leader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/nullstream/mqq/internal/metrics"
	"github.com/nullstream/mqq/internal/ticker"
)

// Store is the slice of store.Store the election depends on.
type Store interface {
	TryAcquireLeadership(ctx context.Context, instanceID string, leaseDuration time.Duration) (bool, error)
	RenewLeadership(ctx context.Context, instanceID string, leaseDuration time.Duration) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}

// Config configures heartbeat cadence and lease length. HeartbeatInterval
// should be well under half of LeaseDuration so a single missed tick
// doesn't cost the lease.
type Config struct {
	HeartbeatInterval time.Duration
	LeaseDuration     time.Duration
}

// Election runs the heartbeat loop that acquires, renews, and releases
// a single shared leadership lease.
type Election struct {
	store      Store
	cfg        Config
	instanceID string
	logger     *slog.Logger
	driver     *ticker.Driver

	isLeader atomic.Bool

	onBecomeLeader   func(context.Context)
	onLoseLeadership func(context.Context)
}

// New builds an Election with a freshly generated identity of the form
// host:pid:rand8.
func New(store Store, cfg Config, logger *slog.Logger, onBecomeLeader, onLoseLeadership func(context.Context)) *Election {
	e := &Election{
		store:            store,
		cfg:              cfg,
		instanceID:       newIdentity(),
		logger:           logger,
		onBecomeLeader:   onBecomeLeader,
		onLoseLeadership: onLoseLeadership,
	}
	e.driver = &ticker.Driver{
		Name:       "leader-election",
		Interval:   cfg.HeartbeatInterval,
		RunOnStart: true,
		Logger:     logger,
		Task:       e.tick,
	}
	return e
}

// InstanceID returns this process's election identity.
func (e *Election) InstanceID() string { return e.instanceID }

// IsLeader reports whether this instance currently holds the lease.
func (e *Election) IsLeader() bool { return e.isLeader.Load() }

// Start runs the heartbeat loop until ctx is canceled.
func (e *Election) Start(ctx context.Context) { e.driver.Start(ctx) }

// Stop halts the heartbeat and, if this instance holds the lease, makes
// a best-effort release so the next heartbeat elsewhere doesn't have to
// wait out the full lease duration.
func (e *Election) Stop(ctx context.Context) {
	e.driver.Stop()
	if e.isLeader.Load() {
		if err := e.store.ReleaseLeadership(ctx, e.instanceID); err != nil {
			e.logger.Warn("leader election: release on stop failed", "error", err)
		}
		e.transitionOut(ctx)
	}
}

// tick runs one heartbeat: any error surfaced by the store is treated as
// "not leader" for this tick.
func (e *Election) tick(ctx context.Context) error {
	if !e.isLeader.Load() {
		acquired, err := e.store.TryAcquireLeadership(ctx, e.instanceID, e.cfg.LeaseDuration)
		if err != nil {
			e.logger.Warn("leader election: acquire failed", "error", err)
			return nil
		}
		if acquired {
			e.transitionIn(ctx)
		}
		return nil
	}

	renewed, err := e.store.RenewLeadership(ctx, e.instanceID, e.cfg.LeaseDuration)
	if err != nil {
		e.logger.Warn("leader election: renew failed", "error", err)
		e.transitionOut(ctx)
		return nil
	}
	if !renewed {
		e.transitionOut(ctx)
	}
	return nil
}

func (e *Election) transitionIn(ctx context.Context) {
	e.isLeader.Store(true)
	metrics.IsLeader.Set(1)
	metrics.LeaderTransitionsTotal.WithLabelValues("became_leader").Inc()
	e.logger.Info("leader election: became leader", "instance_id", e.instanceID)
	if e.onBecomeLeader != nil {
		e.onBecomeLeader(ctx)
	}
}

func (e *Election) transitionOut(ctx context.Context) {
	e.isLeader.Store(false)
	metrics.IsLeader.Set(0)
	metrics.LeaderTransitionsTotal.WithLabelValues("lost_leadership").Inc()
	e.logger.Info("leader election: lost leadership", "instance_id", e.instanceID)
	if e.onLoseLeadership != nil {
		e.onLoseLeadership(ctx)
	}
}

func newIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), hex.EncodeToString(buf[:]))
}
