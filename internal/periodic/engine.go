// Package periodic implements the leader-gated cron-style scheduler: a
// registry of named definitions, each firing on its own cron expression
// with missed-run catch-up, enqueuing onto the ordinary job queue.
package periodic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nullstream/mqq/internal/metrics"
	"github.com/nullstream/mqq/internal/model"
	"github.com/nullstream/mqq/internal/store"
)

const defaultMaxCatchUp = 100

// Store is the slice of store.Store the periodic engine depends on.
type Store interface {
	GetPeriodicDefinition(ctx context.Context, name string) (model.PeriodicDefinition, bool, error)
	UpsertPeriodicState(ctx context.Context, def model.PeriodicDefinition, session store.Session) error
	DeletePeriodicDefinition(ctx context.Context, name string) error
	AddJobs(ctx context.Context, queueName, partitionKey string, jobs []model.NewJobInput, session store.Session) (int, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, sess store.Session) error) error
}

type registration struct {
	def    model.PeriodicDefinitionBody
	cancel context.CancelFunc
}

// Engine owns the registry of periodic definitions and, while this
// process is leader, a live timer per definition.
type Engine struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*registration
	armed   bool
}

// New builds an Engine bound to store.
func New(s Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:   s,
		logger:  logger.With("component", "periodic"),
		entries: make(map[string]*registration),
	}
}

// Register validates the definition's cron expression, reconciles any
// missed runs against persisted state according to its catch-up
// strategy, and — if this instance is currently leader — arms its
// timer. Calling Register again with the same name replaces the prior
// registration.
func (e *Engine) Register(ctx context.Context, name string, def model.PeriodicDefinitionBody) error {
	sched, err := cron.ParseStandard(def.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", def.CronExpr, err)
	}
	if def.MaxCatchUp <= 0 {
		def.MaxCatchUp = defaultMaxCatchUp
	}

	e.mu.Lock()
	if existing, ok := e.entries[name]; ok && existing.cancel != nil {
		existing.cancel()
	}
	e.entries[name] = &registration{def: def}
	armed := e.armed
	e.mu.Unlock()

	if err := e.reconcile(ctx, name, def, sched); err != nil {
		return err
	}
	if armed {
		e.arm(name)
	}
	return nil
}

// reconcile computes any missed runs since the last persisted fire,
// applies the catch-up strategy to them, and persists the resulting
// {lastRunAt, nextRunAt} state, all in one transaction.
func (e *Engine) reconcile(ctx context.Context, name string, def model.PeriodicDefinitionBody, sched cron.Schedule) error {
	existing, found, err := e.store.GetPeriodicDefinition(ctx, name)
	if err != nil {
		return fmt.Errorf("load periodic state: %w", err)
	}

	now := time.Now()
	var missed []time.Time
	var nextRunAt time.Time
	var lastRunAt *time.Time

	if found && existing.LastRunAt != nil {
		lastRunAt = existing.LastRunAt
		cursor := sched.Next(*existing.LastRunAt)
		for !cursor.After(now) {
			missed = append(missed, cursor)
			cursor = sched.Next(cursor)
		}
		nextRunAt = cursor
	} else {
		nextRunAt = sched.Next(now)
	}

	return e.store.WithTx(ctx, func(ctx context.Context, sess store.Session) error {
		toFire := applyCatchUp(def.CatchUp, missed, def.MaxCatchUp, e.logger)
		for _, scheduled := range toFire {
			if err := e.fireJob(ctx, sess, name, def, scheduled); err != nil {
				return fmt.Errorf("catch-up enqueue for %s: %w", name, err)
			}
			lastRunAt = &scheduled
		}

		state := model.PeriodicDefinition{
			Name:       name,
			Definition: def,
			LastRunAt:  lastRunAt,
			NextRunAt:  nextRunAt,
		}
		return e.store.UpsertPeriodicState(ctx, state, sess)
	})
}

// applyCatchUp returns the subset of missed runs to actually enqueue
// under the none/latest/all catch-up strategies.
func applyCatchUp(strategy model.CatchUpStrategy, missed []time.Time, maxCatchUp int, logger *slog.Logger) []time.Time {
	if len(missed) == 0 {
		return nil
	}
	sort.Slice(missed, func(i, j int) bool { return missed[i].Before(missed[j]) })

	switch strategy {
	case model.CatchUpNone:
		return nil
	case model.CatchUpLatest:
		return missed[len(missed)-1:]
	case model.CatchUpAll:
		if len(missed) > maxCatchUp {
			logger.Warn("periodic: truncating catch-up runs", "missed", len(missed), "max_catch_up", maxCatchUp)
			return missed[len(missed)-maxCatchUp:]
		}
		return missed
	default:
		return nil
	}
}

// List returns the names of every registered definition.
func (e *Engine) List() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.entries))
	for name := range e.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove cancels the definition's timer (if armed) and deletes its
// persisted state.
func (e *Engine) Remove(ctx context.Context, name string) error {
	e.mu.Lock()
	if existing, ok := e.entries[name]; ok {
		if existing.cancel != nil {
			existing.cancel()
		}
		delete(e.entries, name)
	}
	e.mu.Unlock()
	return e.store.DeletePeriodicDefinition(ctx, name)
}

// ArmAll arms a timer for every registered definition. Called as the
// leader election's onBecomeLeader hook.
func (e *Engine) ArmAll(context.Context) {
	e.mu.Lock()
	e.armed = true
	names := make([]string, 0, len(e.entries))
	for name := range e.entries {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		e.arm(name)
	}
}

// DisarmAll cancels every live timer but keeps the registry intact.
// Called as the leader election's onLoseLeadership hook.
func (e *Engine) DisarmAll(context.Context) {
	e.mu.Lock()
	e.armed = false
	for _, reg := range e.entries {
		if reg.cancel != nil {
			reg.cancel()
			reg.cancel = nil
		}
	}
	e.mu.Unlock()
}

func (e *Engine) arm(name string) {
	e.mu.Lock()
	reg, ok := e.entries[name]
	if !ok {
		e.mu.Unlock()
		return
	}
	timerCtx, cancel := context.WithCancel(context.Background())
	reg.cancel = cancel
	e.mu.Unlock()

	go e.runTimer(timerCtx, name)
}

// runTimer waits until the definition's persisted nextRunAt, fires it,
// re-arms for the next one, and repeats until its context is canceled
// (on Remove, re-Register, or DisarmAll).
func (e *Engine) runTimer(ctx context.Context, name string) {
	for {
		def, found, err := e.store.GetPeriodicDefinition(ctx, name)
		if !found || err != nil {
			return
		}
		delay := time.Until(def.NextRunAt)
		if delay < 0 {
			delay = 0
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := e.fireAndAdvance(ctx, name, def); err != nil {
			e.logger.Error("periodic: fire failed", "name", name, "error", err)
		}
	}
}

// fireAndAdvance enqueues the scheduled job and advances persisted
// state to the next cron occurrence, in one transaction.
func (e *Engine) fireAndAdvance(ctx context.Context, name string, state model.PeriodicDefinition) error {
	sched, err := cron.ParseStandard(state.Definition.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	scheduled := state.NextRunAt

	return e.store.WithTx(ctx, func(ctx context.Context, sess store.Session) error {
		if err := e.fireJob(ctx, sess, name, state.Definition, scheduled); err != nil {
			return err
		}
		next := model.PeriodicDefinition{
			Name:       name,
			Definition: state.Definition,
			LastRunAt:  &scheduled,
			NextRunAt:  sched.Next(scheduled),
		}
		return e.store.UpsertPeriodicState(ctx, next, sess)
	})
}

// fireJob enqueues one job for the given scheduled instant, with an
// idempotentKey derived from the definition name and scheduled time so
// concurrent/racing fires across restarts collapse onto a single row.
func (e *Engine) fireJob(ctx context.Context, sess store.Session, name string, def model.PeriodicDefinitionBody, scheduled time.Time) error {
	idempotentKey := fmt.Sprintf("periodic:%s:%s", name, scheduled.UTC().Format("2006-01-02T15:04:05.000Z"))

	payload := def.Payload
	if def.IncludeScheduledTime {
		merged := map[string]json.RawMessage{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &merged); err != nil {
				return fmt.Errorf("merge scheduled time into payload: %w", err)
			}
		}
		scheduledJSON, err := json.Marshal(scheduled.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		merged["_periodic.scheduledTime"] = scheduledJSON
		merged2, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		payload = merged2
	}

	job := model.NewJobInput{
		Name:          def.JobName,
		Payload:       payload,
		IdempotentKey: &idempotentKey,
	}
	_, err := e.store.AddJobs(ctx, def.QueueName, def.PartitionKey, []model.NewJobInput{job}, sess)
	if err != nil {
		return err
	}
	metrics.PeriodicFiresTotal.WithLabelValues(name).Inc()
	return nil
}
