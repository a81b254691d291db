package types

import "time"

// LockLease is the diagnostic row written by the holder of the scheduler lock.
type LockLease struct {
	ID        string
	LockedBy  string
	LockedAt  time.Time
	ExpiresAt time.Time
}

func (l LockLease) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// RunnerState records the outcome of the most recent scheduling cycle.
type RunnerState struct {
	LastRunAt         *time.Time
	LastRunDurationMs int64
	LastRunJobCount   int
	LastRunError      *string
}

type Metrics struct {
	PendingCount       int        `json:"pendingCount"`
	ProcessingCount    int        `json:"processingCount"`
	FailedCount        int        `json:"failedCount"`
	OldestPendingAgeMs *int64     `json:"oldestPendingAgeMs"`
	LastRunAt          *time.Time `json:"lastRunAt"`
	LastRunDurationMs  *int64     `json:"lastRunDurationMs"`
}
