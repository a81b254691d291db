package mocks

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/internal/lock"
	"github.com/benjhiman/remember-me-sub000/types"
	"sync"
	"time"
)

// MockDistributedLockManager is a mock implementation of lock.DistributedLockManager for testing.
type MockDistributedLockManager struct {
	TryAcquireFunc     func(ctx context.Context, ttl time.Duration) lock.Result
	ReleaseFunc        func(ctx context.Context) error
	CleanupExpiredFunc func(ctx context.Context) (bool, error)
	LeaseFunc          func(ctx context.Context) (*types.LockLease, error)

	mu       sync.Mutex
	acquires int
	releases int
	cleanups int
	lastTTL  time.Duration
}

func (m *MockDistributedLockManager) TryAcquire(ctx context.Context, ttl time.Duration) lock.Result {
	m.mu.Lock()
	m.acquires++
	m.lastTTL = ttl
	m.mu.Unlock()
	if m.TryAcquireFunc != nil {
		return m.TryAcquireFunc(ctx, ttl)
	}
	return lock.Result{Outcome: lock.Acquired}
}

func (m *MockDistributedLockManager) Release(ctx context.Context) error {
	m.mu.Lock()
	m.releases++
	m.mu.Unlock()
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx)
	}
	return nil
}

func (m *MockDistributedLockManager) CleanupExpired(ctx context.Context) (bool, error) {
	m.mu.Lock()
	m.cleanups++
	m.mu.Unlock()
	if m.CleanupExpiredFunc != nil {
		return m.CleanupExpiredFunc(ctx)
	}
	return false, nil
}

func (m *MockDistributedLockManager) Lease(ctx context.Context) (*types.LockLease, error) {
	if m.LeaseFunc != nil {
		return m.LeaseFunc(ctx)
	}
	return nil, nil
}

func (m *MockDistributedLockManager) Identity() string {
	return "mock-host:1"
}

func (m *MockDistributedLockManager) Acquires() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires
}

func (m *MockDistributedLockManager) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

func (m *MockDistributedLockManager) Cleanups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanups
}

func (m *MockDistributedLockManager) LastTTL() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTTL
}
