package model

import "time"

type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// Workflow is the persisted state of one workflow run.
type Workflow struct {
	ID             string
	DefinitionName string
	CurrentStep    string
	Data           []byte            // JSON context
	StepResults    map[string][]byte // step name -> JSON result
	CompletedSteps []string
	PendingSteps   []string
	Status         WorkflowStatus
	CreatedAt      time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time
	FailureReason  string
}
