// Package workflow implements the DAG orchestration engine: named step
// definitions composed onto the ordinary job queue, where each step's
// completion enqueues its successors until the workflow converges.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nullstream/mqq/internal/model"
	"github.com/nullstream/mqq/internal/store"
)

// StepJobName is the fixed job name the workflow engine enqueues for
// every step; it is the callback name a Worker must be registered
// against to drive workflows forward.
const StepJobName = "workflow-step"

// StepHandler executes one step's business logic against the
// workflow's current data blob, returning this step's result (which
// becomes part of workflow.StepResults). sess is the same transactional
// session the engine uses for its own bookkeeping writes, so handler
// side effects and state transitions commit or roll back together.
type StepHandler func(ctx context.Context, data []byte, sess store.Session) ([]byte, error)

// ConditionFunc gates whether a step advances to its definition-order
// successor. Returning false ends this branch without failing the
// workflow.
type ConditionFunc func(ctx context.Context, stepResult []byte, sess store.Session) (bool, error)

// NextFunc computes the successor step name(s) dynamically from a
// step's result.
type NextFunc func(ctx context.Context, stepResult []byte, sess store.Session) ([]string, error)

// Next is the resolved form of a step's "next": a fixed set of step
// names, or a function computing them at runtime. Use NextStep/NextSteps
// for the static cases and NextDynamic for the functional one.
type Next struct {
	names []string
	fn    NextFunc
}

func NextStep(name string) Next      { return Next{names: []string{name}} }
func NextSteps(names ...string) Next { return Next{names: names} }
func NextDynamic(fn NextFunc) Next   { return Next{fn: fn} }

// Step is one node of a workflow Definition.
type Step struct {
	Name      string
	Handler   StepHandler
	Next      *Next
	Condition ConditionFunc
}

// Definition is a named, ordered sequence of steps starting at
// StartStep. When a step has neither Next nor Condition, the engine
// advances to whichever step follows it in this slice.
type Definition struct {
	Name      string
	StartStep string
	Steps     []Step
}

type compiledDefinition struct {
	def   Definition
	index map[string]int
}

// Store is the slice of store.Store the workflow engine depends on.
type Store interface {
	CreateWorkflow(ctx context.Context, w model.Workflow, session store.Session) (model.Workflow, error)
	GetWorkflow(ctx context.Context, id string, session store.Session) (model.Workflow, error)
	UpdateWorkflow(ctx context.Context, w model.Workflow, session store.Session) error
	AddJobs(ctx context.Context, queueName, partitionKey string, jobs []model.NewJobInput, session store.Session) (int, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, sess store.Session) error) error
}

// Engine owns the registry of workflow definitions and enqueues/advances
// runs against one fixed workflow queue.
type Engine struct {
	store        Store
	queueName    string
	partitionKey string
	logger       *slog.Logger

	mu          sync.RWMutex
	definitions map[string]*compiledDefinition
}

// New builds an Engine. queueName/partitionKey identify the queue every
// step job is enqueued onto; a Worker must be run against that queue
// with callback = engine.HandleStep and callbackBatchSize = 1.
func New(s Store, queueName, partitionKey string, logger *slog.Logger) *Engine {
	return &Engine{
		store:        s,
		queueName:    queueName,
		partitionKey: partitionKey,
		logger:       logger.With("component", "workflow-engine"),
		definitions:  make(map[string]*compiledDefinition),
	}
}

// Register compiles and stores a workflow definition by name.
func (e *Engine) Register(def Definition) error {
	if def.StartStep == "" {
		return fmt.Errorf("workflow %q: start step is required", def.Name)
	}
	index := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		index[s.Name] = i
	}
	if _, ok := index[def.StartStep]; !ok {
		return fmt.Errorf("workflow %q: start step %q not found among steps", def.Name, def.StartStep)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[def.Name] = &compiledDefinition{def: def, index: index}
	return nil
}

func (e *Engine) lookup(name string) (*compiledDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cd, ok := e.definitions[name]
	return cd, ok
}

// Start creates a new workflow run and enqueues its start step, in one
// transaction.
func (e *Engine) Start(ctx context.Context, definitionName string, initialData []byte) (model.Workflow, error) {
	cd, ok := e.lookup(definitionName)
	if !ok {
		return model.Workflow{}, fmt.Errorf("workflow: unknown definition %q", definitionName)
	}

	var created model.Workflow
	err := e.store.WithTx(ctx, func(ctx context.Context, sess store.Session) error {
		w := model.Workflow{
			DefinitionName: definitionName,
			CurrentStep:    cd.def.StartStep,
			Data:           initialData,
			StepResults:    map[string][]byte{},
			PendingSteps:   []string{cd.def.StartStep},
			Status:         model.WorkflowActive,
		}

		var err error
		created, err = e.store.CreateWorkflow(ctx, w, sess)
		if err != nil {
			return fmt.Errorf("create workflow: %w", err)
		}

		job := model.NewJobInput{
			Name:            StepJobName,
			Payload:         buildStepPayload(created.ID, initialData, cd.def.StartStep),
			PendingDedupKey: dedupKey(created.ID, cd.def.StartStep),
		}
		_, err = e.store.AddJobs(ctx, e.queueName, e.partitionKey, []model.NewJobInput{job}, sess)
		if err != nil {
			return fmt.Errorf("enqueue start step: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Workflow{}, err
	}
	return created, nil
}

type stepPayload struct {
	WorkflowID string          `json:"workflowId"`
	Context    json.RawMessage `json:"context"`
	Step       struct {
		Name string `json:"name"`
	} `json:"step"`
}

func buildStepPayload(workflowID string, data []byte, stepName string) []byte {
	p := stepPayload{WorkflowID: workflowID, Context: nonEmptyJSON(data)}
	p.Step.Name = stepName
	out, _ := json.Marshal(p)
	return out
}

func dedupKey(workflowID, stepName string) *string {
	k := fmt.Sprintf("%s:%s", workflowID, stepName)
	return &k
}

func nonEmptyJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(b)
}

func timeNowPtr() *time.Time {
	now := time.Now()
	return &now
}
