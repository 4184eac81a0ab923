// Package mqerrors collects the sentinel errors every layer of the queue
// routes on. Handler-layer failures never appear here — those are
// arbitrary errors from user code and are carried as opaque JobError
// records instead.
package mqerrors

import "errors"

var (
	// ErrQueueMissing means addJobs could not resolve (name, partitionKey)
	// to an existing queue row. Fatal to the enqueue call.
	ErrQueueMissing = errors.New("mqq: queue not found for name/partition")

	// ErrDuplicateJob is returned by nothing directly — duplicate
	// idempotent/pending-dedup keys are swallowed by AddJobs and simply
	// reduce the affected-row count. It is exported for callers that want
	// to recognize the underlying condition in logs or tests.
	ErrDuplicateJob = errors.New("mqq: duplicate job key")

	// ErrPayloadTooLarge is raised by the facade before any store call.
	ErrPayloadTooLarge = errors.New("mqq: payload exceeds configured size limit")

	// ErrJobNotFound / ErrQueueNotFound are returned by point lookups.
	ErrJobNotFound   = errors.New("mqq: job not found")
	ErrQueueNotFound = errors.New("mqq: queue not found")

	// ErrNotLeader / ErrLostLease name the two leadership conditions. No
	// operation in this module returns them: RenewLeadership reports a
	// lost lease as (false, nil), and the leader election turns that into
	// a transition out of leadership.
	ErrNotLeader = errors.New("mqq: this instance is not the leader")
	ErrLostLease = errors.New("mqq: leadership lease was lost")

	// ErrWorkflowNotFound / ErrStepNotFound are returned by the workflow
	// engine's internal lookups.
	ErrWorkflowNotFound = errors.New("mqq: workflow not found")
	ErrStepNotFound     = errors.New("mqq: workflow step not found")

	// ErrMigrationLocked means another process holds the advisory
	// migration lock and ours gave up waiting.
	ErrMigrationLocked = errors.New("mqq: could not acquire migration lock")
)

// TimeoutMessagePrefix is the fixed prefix used for chunk timeout
// errors; the full message also carries the configured duration.
const TimeoutMessagePrefix = "Job execution exceed the timeout of"

// RescuerErrorName / RescuerErrorMessage name the synthetic error the
// rescuer writes into a job's error history when it reclaims a stuck row.
const (
	RescuerErrorName    = "RescuerError"
	RescuerErrorMessage = "Job stuck in running state and was rescued"
)

// TimeoutErrorName is the error name recorded for a chunk that exceeded
// its queue's maxDurationMs.
const TimeoutErrorName = "TimeoutError"

// UserCallbackErrorName is the error name recorded for any other error a
// handler returns.
const UserCallbackErrorName = "UserCallbackError"
