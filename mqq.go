// Package mqq is the unified entry point: a durable, multi-tenant job
// queue on top of Postgres. It wires the store, claim/execute/finalize
// engine, rescuer, leader election, periodic scheduler, and workflow
// engine behind one Facade, applying sensible defaults and partition
// scoping.
package mqq

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nullstream/mqq/config"
	"github.com/nullstream/mqq/internal/engine"
	"github.com/nullstream/mqq/internal/exectracker"
	"github.com/nullstream/mqq/internal/health"
	"github.com/nullstream/mqq/internal/leader"
	"github.com/nullstream/mqq/internal/metrics"
	"github.com/nullstream/mqq/internal/mqerrors"
	"github.com/nullstream/mqq/internal/mqlog"
	"github.com/nullstream/mqq/internal/model"
	"github.com/nullstream/mqq/internal/periodic"
	"github.com/nullstream/mqq/internal/rescue"
	"github.com/nullstream/mqq/internal/store"
	"github.com/nullstream/mqq/internal/workflow"
)

const (
	defaultMaxRetries        = 3
	defaultMinDelayMs        = 1000
	defaultBackoffMultiplier = 2
	defaultMaxDurationMs     = 5000
)

// validate backs every per-call option struct below, the same
// go-playground/validator the Facade's own config.Config uses.
var validate = validator.New()

// QueueOptions are the per-queue policy knobs. Zero values are replaced
// by the defaults RegisterQueue applies.
type QueueOptions struct {
	MaxRetries        int     `validate:"gte=0"`
	MinDelayMs        int64   `validate:"gte=0"`
	BackoffMultiplier float64 `validate:"gte=0"`
	MaxDurationMs     int64   `validate:"gte=0"`
	Sequential        bool
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.MinDelayMs <= 0 {
		o.MinDelayMs = defaultMinDelayMs
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = defaultBackoffMultiplier
	}
	if o.MaxDurationMs <= 0 {
		o.MaxDurationMs = defaultMaxDurationMs
	}
	return o
}

// EnqueueInput is one job to add via Enqueue.
type EnqueueInput struct {
	Name            string `validate:"required"`
	Payload         []byte
	Priority        int
	StartAfter      time.Time
	IdempotentKey   *string
	PendingDedupKey *string
	SequentialKey   *string
}

// WorkOptions configures a Work call's Worker pool.
type WorkOptions struct {
	PollingIntervalMs int `validate:"gte=0"`
	PollingBatchSize  int `validate:"gte=0"`
	CallbackBatchSize int `validate:"gte=0"`
	WorkerCount       int `validate:"gte=0"`
	OnJobFailed       engine.OnJobFailed
	OnJobProcessed    engine.OnJobProcessed
}

// MQQ is the running facade: one per process, bound to one database
// and table prefix.
type MQQ struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger

	rescuer  *rescue.Rescuer
	election *leader.Election
	periodic *periodic.Engine
	tracker  *exectracker.Tracker

	mu        sync.Mutex
	workflows map[string]*workflow.Engine
	workers   map[string][]*engine.Worker // keyed by partitionKey
}

// New wires every component against an already-migrated-or-not pool; call
// GlobalInitialize before relying on the rescuer, leader election, or
// periodic engine.
func New(cfg *config.Config, logger *slog.Logger) (*MQQ, error) {
	if logger == nil {
		logger = mqlog.New(cfg.Env, cfg.SlogLevel())
	}

	pool, err := store.NewPool(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("mqq: connect: %w", err)
	}

	s := store.New(pool, logger, cfg.TablesPrefix)

	m := &MQQ{
		cfg:       cfg,
		store:     s,
		logger:    logger,
		tracker:   exectracker.New(),
		workflows: make(map[string]*workflow.Engine),
		workers:   make(map[string][]*engine.Worker),
	}

	m.periodic = periodic.New(s, logger)
	failJobsNoSession := func(ctx context.Context, jobIDs []string, maxRetries int, minDelayMs int64, backoffMultiplier float64, errInfo model.ErrorInfo) error {
		return s.FailJobs(ctx, jobIDs, maxRetries, minDelayMs, backoffMultiplier, errInfo, nil)
	}
	m.rescuer = rescue.New(s.PendingJobsStuck, s.GetQueueByID, failJobsNoSession, rescue.Config{
		Interval:    cfg.RescuerInterval(),
		RescueAfter: cfg.RescuerRescueAfter(),
		BatchSize:   cfg.RescuerBatchSize,
		RunOnStart:  cfg.RescuerRunOnStart,
	}, logger)
	m.election = leader.New(s, leader.Config{
		HeartbeatInterval: cfg.LeaderElectionHeartbeat(),
		LeaseDuration:     cfg.LeaderElectionLeaseDuration(),
	}, logger, m.periodic.ArmAll, m.periodic.DisarmAll)

	return m, nil
}

// Store exposes the underlying data-access layer for callers that need
// direct queue/job CRUD (admin tooling, custom read paths).
func (m *MQQ) Store() *store.Store { return m.store }

// Tracker exposes the in-process job completion tracker: tests and
// clients call Tracker().Expect(queueName, n) to await N further job
// completions without polling the store.
func (m *MQQ) Tracker() *exectracker.Tracker { return m.tracker }

// HealthChecker builds a liveness/readiness checker bound to this
// facade's pool, registering its gauge against reg.
func (m *MQQ) HealthChecker(reg prometheus.Registerer) *health.Checker {
	return health.NewChecker(m.store.Pool(), m.logger, reg)
}

// MetricsServer builds the Prometheus HTTP server; callers add any
// extra routes (e.g. health endpoints) before starting it.
func (m *MQQ) MetricsServer(addr string) *http.Server { return metrics.NewServer(addr) }

// GlobalInitialize runs migrations, then starts the rescuer and leader
// election (which in turn arms the periodic engine once this instance
// wins leadership).
func (m *MQQ) GlobalInitialize(ctx context.Context) error {
	if err := m.store.RunMigrations(ctx, m.cfg.DatabaseURL); err != nil {
		return fmt.Errorf("mqq: run migrations: %w", err)
	}
	m.rescuer.Start(ctx)
	m.election.Start(ctx)
	return nil
}

// Dispose stops every Worker, the rescuer, leader election, and closes
// the pool. The facade is unusable afterward.
func (m *MQQ) Dispose(ctx context.Context) error {
	m.mu.Lock()
	var all []*engine.Worker
	for _, ws := range m.workers {
		all = append(all, ws...)
	}
	m.workers = make(map[string][]*engine.Worker)
	m.mu.Unlock()

	for _, w := range all {
		w.Stop()
	}

	m.rescuer.Stop()
	m.election.Stop(ctx)
	m.store.Pool().Close()
	return nil
}

// GlobalDestroy drops every table this facade owns. Irreversible; meant
// for test teardown.
func (m *MQQ) GlobalDestroy(ctx context.Context) error {
	return m.store.GlobalDestroy(ctx)
}

// RegisterQueue upserts a queue with defaults applied, under this
// facade's configured partition unless partitionKey is non-empty.
func (m *MQQ) RegisterQueue(ctx context.Context, name, partitionKey string, opts QueueOptions) (model.Queue, error) {
	if name == "" {
		return model.Queue{}, fmt.Errorf("mqq: register queue: name is required")
	}
	if partitionKey == "" {
		partitionKey = m.cfg.PartitionKey
	}
	if err := validate.Struct(opts); err != nil {
		return model.Queue{}, fmt.Errorf("mqq: invalid queue options: %w", err)
	}
	opts = opts.withDefaults()
	return m.store.UpsertQueue(ctx, model.Queue{
		Name:              name,
		PartitionKey:      partitionKey,
		MaxRetries:        opts.MaxRetries,
		MinDelayMs:        opts.MinDelayMs,
		BackoffMultiplier: opts.BackoffMultiplier,
		MaxDurationMs:     opts.MaxDurationMs,
		Sequential:        opts.Sequential,
	})
}

// Enqueue validates and inserts jobs onto an existing queue, returning
// how many were newly added (duplicates by idempotent/pending-dedup key
// are silently skipped, not errors).
func (m *MQQ) Enqueue(ctx context.Context, queueName, partitionKey string, inputs ...EnqueueInput) (int, error) {
	if partitionKey == "" {
		partitionKey = m.cfg.PartitionKey
	}

	limit := m.cfg.MaxPayloadSizeKB * 1024
	jobs := make([]model.NewJobInput, len(inputs))
	for i, in := range inputs {
		if err := validate.Struct(in); err != nil {
			return 0, fmt.Errorf("mqq: invalid enqueue input: %w", err)
		}
		if len(in.Payload) > limit {
			return 0, mqerrors.ErrPayloadTooLarge
		}
		jobs[i] = model.NewJobInput{
			Name:            in.Name,
			Payload:         in.Payload,
			Priority:        in.Priority,
			StartAfter:      in.StartAfter,
			IdempotentKey:   in.IdempotentKey,
			PendingDedupKey: in.PendingDedupKey,
			SequentialKey:   in.SequentialKey,
		}
	}

	return m.store.AddJobs(ctx, queueName, partitionKey, jobs, nil)
}

// Work starts WorkerCount (default 1) Workers against queueName, each
// driving callback through a JobProcessor. The started Workers are
// tracked so Dispose/Purge can stop them.
func (m *MQQ) Work(ctx context.Context, queueName, partitionKey string, callback engine.Callback, opts WorkOptions) error {
	if err := validate.Struct(opts); err != nil {
		return fmt.Errorf("mqq: invalid work options: %w", err)
	}
	if partitionKey == "" {
		partitionKey = m.cfg.PartitionKey
	}
	queue, err := m.store.GetQueueByName(ctx, queueName, partitionKey)
	if err != nil {
		return fmt.Errorf("mqq: work %q: %w", queueName, err)
	}

	workerCount := opts.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}
	pollingInterval := time.Duration(opts.PollingIntervalMs) * time.Millisecond

	processor := engine.NewJobProcessor(m.store, queue.ID, callback, engine.Options{
		PollingBatchSize:  opts.PollingBatchSize,
		CallbackBatchSize: opts.CallbackBatchSize,
		OnJobFailed:       opts.OnJobFailed,
		OnJobProcessed:    opts.OnJobProcessed,
		Tracker:           m.tracker,
	}, m.logger)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < workerCount; i++ {
		id := fmt.Sprintf("%s-%s-%d", queueName, partitionKey, i)
		w := engine.NewWorker(id, processor, engine.WorkerOptions{PollingInterval: pollingInterval}, m.logger)
		w.Start(ctx)
		m.workers[partitionKey] = append(m.workers[partitionKey], w)
	}
	return nil
}

// RegisterPeriodic registers a cron-style definition; it only fires
// while this instance holds the leader lease.
func (m *MQQ) RegisterPeriodic(ctx context.Context, name string, def model.PeriodicDefinitionBody) error {
	if def.PartitionKey == "" {
		def.PartitionKey = m.cfg.PartitionKey
	}
	return m.periodic.Register(ctx, name, def)
}

// Workflows returns (creating if necessary) the workflow engine bound to
// queueName/partitionKey. Callers register Definitions on it and run a
// Worker with callback = engine.HandleStep, callbackBatchSize = 1.
func (m *MQQ) Workflows(queueName, partitionKey string) *workflow.Engine {
	if partitionKey == "" {
		partitionKey = m.cfg.PartitionKey
	}
	key := queueName + "\x00" + partitionKey

	m.mu.Lock()
	defer m.mu.Unlock()
	if wf, ok := m.workflows[key]; ok {
		return wf
	}
	wf := workflow.New(m.store, queueName, partitionKey, m.logger)
	m.workflows[key] = wf
	return wf
}

// Purge stops every Worker registered against partitionKey, then deletes
// all of its queues (cascading to their jobs).
func (m *MQQ) Purge(ctx context.Context, partitionKey string) error {
	m.mu.Lock()
	workers := m.workers[partitionKey]
	delete(m.workers, partitionKey)
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	return m.store.PurgePartition(ctx, partitionKey)
}
