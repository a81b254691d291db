package test

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/client"
	"github.com/benjhiman/remember-me-sub000/internal/store/memory"
	"github.com/benjhiman/remember-me-sub000/types"
	"sync"
	"time"
)

var baseTime = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: baseTime}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock       *testClock
	store       *memory.JobStore
	runnerState *memory.RunnerStateStore
	jobs        *client.JobManager
}

func newFixture() *fixture {
	clock := newTestClock()
	jobStore := memory.NewJobStoreWithClock(clock.Now)
	runnerState := memory.NewRunnerStateStore()
	return &fixture{
		clock:       clock,
		store:       jobStore,
		runnerState: runnerState,
		jobs:        client.NewJobManager(jobStore, runnerState, client.WithJobManagerClock(clock.Now)),
	}
}

func sendMessageParams(org string) types.EnqueueParams {
	return types.EnqueueParams{
		JobType:        types.JobTypeSendMessage,
		Provider:       types.ProviderWhatsApp,
		Payload:        []byte(`{"to":"+15550001","body":"hi"}`),
		OrganizationID: org,
	}
}

// failingInsertStore fails every Insert and delegates everything else.
type failingInsertStore struct {
	*memory.JobStore
	err error
}

func (s *failingInsertStore) Insert(ctx context.Context, job types.Job) (*types.Job, bool, error) {
	return nil, false, s.err
}
