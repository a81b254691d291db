package store

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/internal/state"
	"github.com/benjhiman/remember-me-sub000/types"
	"time"
)

// JobStore is the persistent job table. It only reads and writes rows; retry
// and backoff decisions are made by the caller.
type JobStore interface {
	// Insert stores a new PENDING job and returns it with its ID populated.
	// When job.DedupeKey is set and a non-terminal job with the same
	// organization, job type and dedupe key exists, that job is returned
	// instead and created is false.
	Insert(ctx context.Context, job types.Job) (stored *types.Job, created bool, err error)

	FindByID(ctx context.Context, id string) (*types.Job, error)

	// FetchDue returns PENDING jobs with run_at <= before, oldest first.
	// A nil provider matches every provider.
	FetchDue(ctx context.Context, before time.Time, provider *types.Provider, limit int) ([]types.Job, error)

	UpdateStatus(ctx context.Context, id string, status state.JobStatus) error

	// ScheduleRetry puts the job back to PENDING with the given attempt count,
	// error and next run time.
	ScheduleRetry(ctx context.Context, id string, attempts int, lastError string, runAt time.Time) error

	// MarkFailed sets the terminal FAILED status.
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error

	// CountByStatus counts the organization's jobs grouped by status. Every
	// status is present in the result.
	CountByStatus(ctx context.Context, organizationID string) (map[state.JobStatus]int, error)

	// ReclaimStale moves PROCESSING jobs last updated before the given time
	// back to PENDING and returns how many it moved. Attempts are unchanged.
	ReclaimStale(ctx context.Context, before time.Time) (int64, error)

	// OldestPendingCreatedAt returns nil when the organization has no PENDING job.
	OldestPendingCreatedAt(ctx context.Context, organizationID string) (*time.Time, error)

	Close() error
}

// RunnerStateStore persists the singleton runner state row.
type RunnerStateStore interface {
	Save(ctx context.Context, runnerState types.RunnerState) error
	// Load returns a zero RunnerState when no cycle has completed yet.
	Load(ctx context.Context) (*types.RunnerState, error)
}

// AccountLister finds the connected accounts that recently had work for a
// provider. Jobs of the excluded types do not make an account active.
type AccountLister interface {
	ActiveAccounts(ctx context.Context, provider types.Provider, since time.Time, exclude []types.JobType) ([]types.ConnectedAccount, error)
}
