package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nullstream/mqq/internal/mqerrors"
	"github.com/nullstream/mqq/internal/model"
)

// CreateWorkflow persists a new workflow row. Always called inside the
// same transaction as the start-step enqueue (see workflow.Engine.Start).
func (s *Store) CreateWorkflow(ctx context.Context, w model.Workflow, session Session) (model.Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	data, stepResults, completed, pending, err := marshalWorkflowJSON(w)
	if err != nil {
		return model.Workflow{}, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, definition_name, current_step, data, step_results,
			completed_steps, pending_steps, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING id, definition_name, current_step, data, step_results,
		          completed_steps, pending_steps, status, created_at,
		          completed_at, failed_at, failure_reason`, s.table("workflows"))

	row := s.sess(session).QueryRow(ctx, query,
		w.ID, w.DefinitionName, w.CurrentStep, data, stepResults, completed, pending, w.Status)
	return scanWorkflow(row)
}

// GetWorkflow loads current workflow state; the workflow engine reloads
// this inside every step handler so parallel-branch convergence sees
// sibling-branch writes.
func (s *Store) GetWorkflow(ctx context.Context, id string, session Session) (model.Workflow, error) {
	query := fmt.Sprintf(`
		SELECT id, definition_name, current_step, data, step_results,
		       completed_steps, pending_steps, status, created_at,
		       completed_at, failed_at, failure_reason
		FROM %s WHERE id = $1 FOR UPDATE`, s.table("workflows"))
	row := s.sess(session).QueryRow(ctx, query, id)
	w, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, mqerrors.ErrWorkflowNotFound
		}
		return model.Workflow{}, err
	}
	return w, nil
}

// UpdateWorkflow persists the full mutable state of a workflow: current
// step, step results, completed/pending step sets, and terminal status.
func (s *Store) UpdateWorkflow(ctx context.Context, w model.Workflow, session Session) error {
	data, stepResults, completed, pending, err := marshalWorkflowJSON(w)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET
			current_step    = $2,
			data            = $3,
			step_results    = $4,
			completed_steps = $5,
			pending_steps   = $6,
			status          = $7,
			completed_at    = $8,
			failed_at       = $9,
			failure_reason  = $10
		WHERE id = $1`, s.table("workflows"))
	_, err = s.sess(session).Exec(ctx, query,
		w.ID, w.CurrentStep, data, stepResults, completed, pending, w.Status,
		w.CompletedAt, w.FailedAt, w.FailureReason)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return nil
}

func marshalWorkflowJSON(w model.Workflow) (data, stepResults, completed, pending []byte, err error) {
	if data, err = json.Marshal(json.RawMessage(nonEmpty(w.Data))); err != nil {
		return
	}
	if stepResults, err = json.Marshal(w.StepResults); err != nil {
		return
	}
	if completed, err = json.Marshal(w.CompletedSteps); err != nil {
		return
	}
	if pending, err = json.Marshal(w.PendingSteps); err != nil {
		return
	}
	return
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func scanWorkflow(row rowScanner) (model.Workflow, error) {
	var w model.Workflow
	var data, stepResultsJSON, completedJSON, pendingJSON []byte
	err := row.Scan(
		&w.ID, &w.DefinitionName, &w.CurrentStep, &data, &stepResultsJSON,
		&completedJSON, &pendingJSON, &w.Status, &w.CreatedAt,
		&w.CompletedAt, &w.FailedAt, &w.FailureReason,
	)
	if err != nil {
		return model.Workflow{}, err
	}
	w.Data = data
	if len(stepResultsJSON) > 0 {
		raw := map[string]json.RawMessage{}
		if err := json.Unmarshal(stepResultsJSON, &raw); err != nil {
			return model.Workflow{}, fmt.Errorf("unmarshal step results: %w", err)
		}
		w.StepResults = make(map[string][]byte, len(raw))
		for k, v := range raw {
			w.StepResults[k] = v
		}
	}
	if len(completedJSON) > 0 {
		if err := json.Unmarshal(completedJSON, &w.CompletedSteps); err != nil {
			return model.Workflow{}, fmt.Errorf("unmarshal completed steps: %w", err)
		}
	}
	if len(pendingJSON) > 0 {
		if err := json.Unmarshal(pendingJSON, &w.PendingSteps); err != nil {
			return model.Workflow{}, fmt.Errorf("unmarshal pending steps: %w", err)
		}
	}
	return w, nil
}
