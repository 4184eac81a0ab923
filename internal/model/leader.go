package model

import "time"

// LeaderLease is the singleton row that records which instance currently
// holds the leader role.
type LeaderLease struct {
	SingletonKey string
	LeaderID     string
	ElectedAt    time.Time
	ExpiresAt    time.Time
}
