// Package memory holds in-process implementations of the store interfaces.
// They back unit tests and single-process development runs; they provide no
// cross-process coordination.
package memory

import (
	"context"
	"encoding/json"
	"github.com/benjhiman/remember-me-sub000/custom_errors"
	"github.com/benjhiman/remember-me-sub000/internal/state"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"sort"
	"sync"
	"time"
)

type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*types.Job
	now  func() time.Time
}

func NewJobStore() *JobStore {
	return NewJobStoreWithClock(time.Now)
}

func NewJobStoreWithClock(now func() time.Time) *JobStore {
	return &JobStore{
		jobs: make(map[string]*types.Job),
		now:  now,
	}
}

func (s *JobStore) Insert(_ context.Context, job types.Job) (*types.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.DedupeKey != nil && *job.DedupeKey != "" {
		for _, existing := range s.jobs {
			if existing.DedupeKey != nil && *existing.DedupeKey == *job.DedupeKey &&
				existing.OrganizationID == job.OrganizationID &&
				existing.JobType == job.JobType &&
				!existing.Status.IsTerminal() {
				return cloneJob(existing), false, nil
			}
		}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage("{}")
	}
	now := s.now()
	job.Status = state.StatusPending
	job.Attempts = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := cloneJob(&job)
	s.jobs[job.ID] = stored
	return cloneJob(stored), true, nil
}

func (s *JobStore) FindByID(_ context.Context, id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(custom_errors.ErrJobNotFound, "job %s", id)
	}
	return cloneJob(job), nil
}

func (s *JobStore) FetchDue(_ context.Context, before time.Time, provider *types.Provider, limit int) ([]types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []types.Job
	for _, job := range s.jobs {
		if job.Status != state.StatusPending || job.RunAt.After(before) {
			continue
		}
		if provider != nil && job.Provider != *provider {
			continue
		}
		due = append(due, *cloneJob(job))
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if limit >= 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *JobStore) UpdateStatus(_ context.Context, id string, status state.JobStatus) error {
	return s.update(id, func(job *types.Job) {
		job.Status = status
	})
}

func (s *JobStore) ScheduleRetry(_ context.Context, id string, attempts int, lastError string, runAt time.Time) error {
	return s.update(id, func(job *types.Job) {
		job.Status = state.StatusPending
		job.Attempts = max(job.Attempts, attempts)
		job.LastError = &lastError
		if runAt.After(job.RunAt) {
			job.RunAt = runAt
		}
	})
}

func (s *JobStore) MarkFailed(_ context.Context, id string, attempts int, lastError string) error {
	return s.update(id, func(job *types.Job) {
		job.Status = state.StatusFailed
		job.Attempts = max(job.Attempts, attempts)
		job.LastError = &lastError
	})
}

func (s *JobStore) ReclaimStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed int64
	for _, job := range s.jobs {
		if job.Status == state.StatusProcessing && job.UpdatedAt.Before(before) {
			job.Status = state.StatusPending
			job.UpdatedAt = s.now()
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *JobStore) CountByStatus(_ context.Context, organizationID string) (map[state.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[state.JobStatus]int, len(state.AllStatuses))
	for _, status := range state.AllStatuses {
		result[status] = 0
	}
	for _, job := range s.jobs {
		if job.OrganizationID == organizationID {
			result[job.Status]++
		}
	}
	return result, nil
}

func (s *JobStore) OldestPendingCreatedAt(_ context.Context, organizationID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *time.Time
	for _, job := range s.jobs {
		if job.OrganizationID != organizationID || job.Status != state.StatusPending {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(*oldest) {
			createdAt := job.CreatedAt
			oldest = &createdAt
		}
	}
	return oldest, nil
}

func (s *JobStore) ActiveAccounts(_ context.Context, provider types.Provider, since time.Time, exclude []types.JobType) ([]types.ConnectedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	excluded := make(map[types.JobType]bool, len(exclude))
	for _, jobType := range exclude {
		excluded[jobType] = true
	}

	seen := make(map[types.ConnectedAccount]bool)
	var accounts []types.ConnectedAccount
	for _, job := range s.jobs {
		if job.Provider != provider || job.ConnectedAccountID == nil || job.CreatedAt.Before(since) || excluded[job.JobType] {
			continue
		}
		account := types.ConnectedAccount{OrganizationID: job.OrganizationID, ConnectedAccountID: *job.ConnectedAccountID}
		if !seen[account] {
			seen[account] = true
			accounts = append(accounts, account)
		}
	}

	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].OrganizationID != accounts[j].OrganizationID {
			return accounts[i].OrganizationID < accounts[j].OrganizationID
		}
		return accounts[i].ConnectedAccountID < accounts[j].ConnectedAccountID
	})
	return accounts, nil
}

func (s *JobStore) Close() error {
	return nil
}

func (s *JobStore) update(id string, fn func(job *types.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.Wrapf(custom_errors.ErrJobNotFound, "job %s", id)
	}
	fn(job)
	job.UpdatedAt = s.now()
	return nil
}

func cloneJob(job *types.Job) *types.Job {
	c := *job
	if job.Payload != nil {
		c.Payload = append(json.RawMessage(nil), job.Payload...)
	}
	return &c
}

type RunnerStateStore struct {
	mu    sync.Mutex
	state types.RunnerState
	saves int
}

func NewRunnerStateStore() *RunnerStateStore {
	return &RunnerStateStore{}
}

func (s *RunnerStateStore) Save(_ context.Context, runnerState types.RunnerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = runnerState
	s.saves++
	return nil
}

func (s *RunnerStateStore) Load(_ context.Context) (*types.RunnerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.state
	return &rs, nil
}

// Saves reports how many times Save was called.
func (s *RunnerStateStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
