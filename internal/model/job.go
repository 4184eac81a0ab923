// Package model holds the persisted entity shapes shared by the store and
// every component built on top of it.
package model

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrorInfo is the JSON shape stored for a single failed attempt.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// JobError is one entry of a job's append-only error history.
type JobError struct {
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Error   ErrorInfo `json:"error"`
}

// Job is one row of the jobs table.
type Job struct {
	ID      string `json:"id"`
	QueueID string `json:"queueId"`
	Name    string `json:"name"`
	Payload []byte `json:"payload"` // raw JSON, capped at the facade's configured payload size

	Priority int    `json:"priority"`
	Status   Status `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartAfter  time.Time  `json:"startAfter"`
	RunningAt   *time.Time `json:"runningAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`

	Attempts int        `json:"attempts"`
	Errors   []JobError `json:"errors"`

	IdempotentKey   *string `json:"idempotentKey,omitempty"`
	PendingDedupKey *string `json:"pendingDedupKey,omitempty"`
	SequentialKey   *string `json:"sequentialKey,omitempty"`
}

// Queue is one row of the queues table.
type Queue struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	PartitionKey      string  `json:"partitionKey"`
	MaxRetries        int     `json:"maxRetries"`
	MinDelayMs        int64   `json:"minDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxDurationMs     int64   `json:"maxDurationMs"`
	Paused            bool    `json:"paused"`
	Sequential        bool    `json:"sequential"`
}

// NewJobInput is what a producer supplies to enqueue a job; the store
// resolves it into a persisted Job row.
type NewJobInput struct {
	Name            string
	Payload         []byte
	Priority        int
	StartAfter      time.Time
	IdempotentKey   *string
	PendingDedupKey *string
	SequentialKey   *string
}
