package model

import "time"

// CatchUpStrategy controls how PeriodicEngine.register replays runs that
// were missed while the engine was not leader (or not running at all).
type CatchUpStrategy string

const (
	CatchUpNone   CatchUpStrategy = "none"
	CatchUpLatest CatchUpStrategy = "latest"
	CatchUpAll    CatchUpStrategy = "all"
)

// PeriodicDefinition is the persisted state backing one registered cron job.
// The definition itself (cron expression, target queue, payload template,
// catch-up policy) is supplied at Register time and stored as JSON so it
// survives process restarts; LastRunAt/NextRunAt are the mutable schedule
// cursor.
type PeriodicDefinition struct {
	Name       string
	Definition PeriodicDefinitionBody
	LastRunAt  *time.Time
	NextRunAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PeriodicDefinitionBody is the JSON payload stored in periodic_jobs.definition.
type PeriodicDefinitionBody struct {
	CronExpr             string          `json:"cronExpr"`
	QueueName            string          `json:"queueName"`
	PartitionKey         string          `json:"partitionKey"`
	JobName              string          `json:"jobName"`
	Payload              []byte          `json:"payload,omitempty"`
	CatchUp              CatchUpStrategy `json:"catchUp"`
	MaxCatchUp           int             `json:"maxCatchUp"`
	IncludeScheduledTime bool            `json:"includeScheduledTime"`
}
