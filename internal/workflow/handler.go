package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nullstream/mqq/internal/engine"
	"github.com/nullstream/mqq/internal/metrics"
	"github.com/nullstream/mqq/internal/mqerrors"
	"github.com/nullstream/mqq/internal/model"
	"github.com/nullstream/mqq/internal/store"
)

// HandleStep is the engine.Callback a Worker must run against the
// workflow queue. It expects callbackBatchSize=1: each job carries
// exactly one step invocation.
func (e *Engine) HandleStep(ctx context.Context, jobs []model.Job, jobCtx *engine.JobContext) error {
	if len(jobs) != 1 {
		return fmt.Errorf("workflow step handler requires callbackBatchSize=1, got %d jobs", len(jobs))
	}

	var payload stepPayload
	if err := json.Unmarshal(jobs[0].Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal workflow step payload: %w", err)
	}

	var handlerErr error
	var definitionName string
	err := e.store.WithTx(ctx, func(ctx context.Context, sess store.Session) error {
		wf, err := e.store.GetWorkflow(ctx, payload.WorkflowID, sess)
		if err != nil {
			return err
		}
		definitionName = wf.DefinitionName

		cd, ok := e.lookup(wf.DefinitionName)
		if !ok {
			return fmt.Errorf("workflow: unknown definition %q", wf.DefinitionName)
		}
		idx, ok := cd.index[payload.Step.Name]
		if !ok {
			return mqerrors.ErrStepNotFound
		}
		step := cd.def.Steps[idx]

		result, err := step.Handler(ctx, wf.Data, sess)
		if err != nil {
			handlerErr = fmt.Errorf("step %q: %w", step.Name, err)
			return handlerErr
		}

		wf = applyStepResult(wf, step.Name, result)

		if len(wf.PendingSteps) == 0 {
			nextNames, err := e.resolveNext(ctx, cd, step, result, sess)
			if err != nil {
				handlerErr = fmt.Errorf("step %q: resolve next: %w", step.Name, err)
				return handlerErr
			}
			if len(nextNames) == 0 {
				wf.Status = model.WorkflowCompleted
				wf.CompletedAt = timeNowPtr()
			} else {
				wf.PendingSteps = nextNames
				wf.CurrentStep = step.Name
				for _, name := range nextNames {
					job := model.NewJobInput{
						Name:            StepJobName,
						Payload:         buildStepPayload(wf.ID, wf.Data, name),
						PendingDedupKey: dedupKey(wf.ID, name),
					}
					if _, err := e.store.AddJobs(ctx, e.queueName, e.partitionKey, []model.NewJobInput{job}, sess); err != nil {
						handlerErr = fmt.Errorf("enqueue next step %q: %w", name, err)
						return handlerErr
					}
				}
			}
		}

		if err := e.store.UpdateWorkflow(ctx, wf, sess); err != nil {
			handlerErr = fmt.Errorf("persist workflow state: %w", err)
			return handlerErr
		}
		return jobCtx.MarkJobsAsCompleted(sess)
	})

	if err != nil && handlerErr != nil {
		if ferr := e.persistFailure(ctx, payload.WorkflowID, payload.Step.Name, handlerErr); ferr != nil {
			e.logger.Error("workflow: failed to persist failure state", "workflow_id", payload.WorkflowID, "error", ferr)
		}
		metrics.WorkflowStepsTotal.WithLabelValues(definitionName, "failed").Inc()
		return handlerErr
	}
	outcome := "advanced"
	if err != nil {
		outcome = "error"
	}
	metrics.WorkflowStepsTotal.WithLabelValues(definitionName, outcome).Inc()
	return err
}

// persistFailure marks a workflow failed in its own transaction,
// independent of the (rolled-back) transaction the failing step ran in.
func (e *Engine) persistFailure(ctx context.Context, workflowID, stepName string, cause error) error {
	return e.store.WithTx(ctx, func(ctx context.Context, sess store.Session) error {
		wf, err := e.store.GetWorkflow(ctx, workflowID, sess)
		if err != nil {
			return err
		}
		wf.Status = model.WorkflowFailed
		wf.FailureReason = fmt.Sprintf("%s: %s", stepName, cause.Error())
		failedAt := time.Now()
		wf.FailedAt = &failedAt
		return e.store.UpdateWorkflow(ctx, wf, sess)
	})
}

// applyStepResult folds one step's outcome into the workflow's mutable
// DAG state: move it from pending to completed and record its result.
func applyStepResult(wf model.Workflow, stepName string, result []byte) model.Workflow {
	wf.CompletedSteps = append(wf.CompletedSteps, stepName)
	wf.PendingSteps = removeString(wf.PendingSteps, stepName)
	if wf.StepResults == nil {
		wf.StepResults = map[string][]byte{}
	}
	wf.StepResults[stepName] = result
	return wf
}

func removeString(list []string, target string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// resolveNext resolves a step's successors with the following
// precedence: explicit Next, else a Condition gate onto definition
// order, else definition order unconditionally.
func (e *Engine) resolveNext(ctx context.Context, cd *compiledDefinition, step Step, result []byte, sess store.Session) ([]string, error) {
	if step.Next != nil {
		if step.Next.fn != nil {
			return step.Next.fn(ctx, result, sess)
		}
		return step.Next.names, nil
	}

	if step.Condition != nil {
		ok, err := step.Condition(ctx, result, sess)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
	}

	nextIdx := cd.index[step.Name] + 1
	if nextIdx >= len(cd.def.Steps) {
		return nil, nil
	}
	return []string{cd.def.Steps[nextIdx].Name}, nil
}
