package client

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/types"
)

const (
	BackendDirectStore = "direct-store"
	BackendBroker      = "broker"
)

// QueueAdapter is how producers submit work.
type QueueAdapter interface {
	Enqueue(ctx context.Context, params types.EnqueueParams) (*types.JobHandle, error)
	IsEnabled() bool
}

// DirectStoreAdapter writes the job row and nothing else. Poll-mode runners
// discover it from the store.
type DirectStoreAdapter struct {
	jobs *JobManager
}

func NewDirectStoreAdapter(jobs *JobManager) *DirectStoreAdapter {
	return &DirectStoreAdapter{jobs: jobs}
}

func (a *DirectStoreAdapter) Enqueue(ctx context.Context, params types.EnqueueParams) (*types.JobHandle, error) {
	job, err := a.jobs.Enqueue(ctx, params)
	if err != nil {
		return nil, err
	}
	return &types.JobHandle{
		JobID:   job.ID,
		RunAt:   job.RunAt,
		Backend: BackendDirectStore,
	}, nil
}

func (a *DirectStoreAdapter) IsEnabled() bool {
	return true
}
