package mocks

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/types"
)

// MockQueueAdapter is a mock implementation of client.QueueAdapter for testing.
type MockQueueAdapter struct {
	EnqueueFunc func(ctx context.Context, params types.EnqueueParams) (*types.JobHandle, error)
	Enabled     bool
	Calls       int
}

func (m *MockQueueAdapter) Enqueue(ctx context.Context, params types.EnqueueParams) (*types.JobHandle, error) {
	m.Calls++
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(ctx, params)
	}
	return &types.JobHandle{JobID: "mock-job", Backend: "broker"}, nil
}

func (m *MockQueueAdapter) IsEnabled() bool {
	return m.Enabled
}
