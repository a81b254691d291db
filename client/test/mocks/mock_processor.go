package mocks

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/types"
	"sync"
	"time"
)

// MockProcessor is a mock implementation of client.Processor for testing.
type MockProcessor struct {
	ProviderValue           types.Provider
	ProcessPendingJobsFunc  func(ctx context.Context, dueBefore time.Time, limit int) (int, error)
	ProcessJobFromQueueFunc func(ctx context.Context, msg types.QueueMessage) error

	mu        sync.Mutex
	calls     int
	lastDue   time.Time
	lastLimit int
	messages  []types.QueueMessage
}

func (m *MockProcessor) Provider() types.Provider {
	return m.ProviderValue
}

func (m *MockProcessor) ProcessPendingJobs(ctx context.Context, dueBefore time.Time, limit int) (int, error) {
	m.mu.Lock()
	m.calls++
	m.lastDue = dueBefore
	m.lastLimit = limit
	m.mu.Unlock()
	if m.ProcessPendingJobsFunc != nil {
		return m.ProcessPendingJobsFunc(ctx, dueBefore, limit)
	}
	return 0, nil
}

func (m *MockProcessor) ProcessJobFromQueue(ctx context.Context, msg types.QueueMessage) error {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	if m.ProcessJobFromQueueFunc != nil {
		return m.ProcessJobFromQueueFunc(ctx, msg)
	}
	return nil
}

func (m *MockProcessor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProcessor) LastDueBefore() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDue
}

func (m *MockProcessor) LastLimit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLimit
}

func (m *MockProcessor) Messages() []types.QueueMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.QueueMessage(nil), m.messages...)
}
