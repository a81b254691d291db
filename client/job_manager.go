package client

import (
	"context"
	"encoding/json"
	"github.com/benjhiman/remember-me-sub000/custom_errors"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/internal/state"
	"github.com/benjhiman/remember-me-sub000/internal/store"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"strings"
	"time"
)

// JobManager owns the job lifecycle on top of a JobStore: validation on
// enqueue, due-job queries, status transitions and the retry policy.
type JobManager struct {
	store       store.JobStore
	runnerState store.RunnerStateStore
	now         func() time.Time
	log         *zap.SugaredLogger
}

type JobManagerOption func(*JobManager)

// WithJobManagerClock replaces time.Now, mainly for tests.
func WithJobManagerClock(now func() time.Time) JobManagerOption {
	return func(jm *JobManager) {
		jm.now = now
	}
}

func NewJobManager(jobStore store.JobStore, runnerState store.RunnerStateStore, opts ...JobManagerOption) *JobManager {
	jm := &JobManager{
		store:       jobStore,
		runnerState: runnerState,
		now:         time.Now,
		log:         logger.ComponentLogger("job-manager"),
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// Enqueue validates params and stores a PENDING job. RunAt defaults to now.
// A job carrying a dedupe key that matches a live job returns that job.
func (jm *JobManager) Enqueue(ctx context.Context, params types.EnqueueParams) (*types.Job, error) {
	if err := validateEnqueue(params); err != nil {
		return nil, err
	}

	runAt := jm.now()
	if params.RunAt != nil && !params.RunAt.IsZero() {
		runAt = *params.RunAt
	}

	job := types.Job{
		OrganizationID: strings.TrimSpace(params.OrganizationID),
		Provider:       params.Provider,
		JobType:        params.JobType,
		Payload:        params.Payload,
		RunAt:          runAt,
	}
	if params.ConnectedAccountID != "" {
		job.ConnectedAccountID = &params.ConnectedAccountID
	}
	if params.DedupeKey != "" {
		job.DedupeKey = &params.DedupeKey
	}

	stored, created, err := jm.store.Insert(ctx, job)
	if err != nil {
		return nil, errors.Wrap(err, "enqueue job")
	}

	if !created {
		jm.log.Debugw("duplicate enqueue collapsed into existing job",
			logger.FieldJobID, stored.ID,
			logger.FieldJobType, stored.JobType,
			logger.FieldOrganizationID, stored.OrganizationID)
	}
	return stored, nil
}

func validateEnqueue(params types.EnqueueParams) error {
	if strings.TrimSpace(params.OrganizationID) == "" {
		return custom_errors.InvalidArgument("organizationId is required")
	}
	if params.JobType == "" {
		return custom_errors.InvalidArgument("jobType is required")
	}
	if !validProvider(params.Provider) {
		return custom_errors.InvalidArgument("unknown provider %q", params.Provider)
	}
	if len(params.Payload) > 0 && !json.Valid(params.Payload) {
		return custom_errors.InvalidArgument("payload must be valid JSON")
	}
	return nil
}

func validProvider(p types.Provider) bool {
	for _, known := range types.AllProviders {
		if p == known {
			return true
		}
	}
	return false
}

// FetchDue returns up to limit PENDING jobs whose runAt has passed, oldest
// runAt first. Rows are not claimed; concurrent callers may see the same job.
func (jm *JobManager) FetchDue(ctx context.Context, limit int) ([]types.Job, error) {
	return jm.FetchDueBefore(ctx, nil, jm.now(), limit)
}

func (jm *JobManager) FetchDueForProvider(ctx context.Context, provider types.Provider, limit int) ([]types.Job, error) {
	return jm.FetchDueBefore(ctx, &provider, jm.now(), limit)
}

// FetchDueBefore is FetchDue with an explicit cutoff. A nil provider matches all.
func (jm *JobManager) FetchDueBefore(ctx context.Context, provider *types.Provider, before time.Time, limit int) ([]types.Job, error) {
	jobs, err := jm.store.FetchDue(ctx, before, provider, limit)
	if err != nil {
		return nil, errors.Wrap(err, "fetch due jobs")
	}
	return jobs, nil
}

func (jm *JobManager) FindByID(ctx context.Context, id string) (*types.Job, error) {
	return jm.store.FindByID(ctx, id)
}

func (jm *JobManager) MarkProcessing(ctx context.Context, id string) error {
	return jm.store.UpdateStatus(ctx, id, state.StatusProcessing)
}

func (jm *JobManager) MarkDone(ctx context.Context, id string) error {
	return jm.store.UpdateStatus(ctx, id, state.StatusDone)
}

// MarkFailed records one failed attempt. The fifth failure is terminal;
// earlier ones put the job back to PENDING after Backoff(attempts).
func (jm *JobManager) MarkFailed(ctx context.Context, id string, errMsg string) (state.JobStatus, error) {
	job, err := jm.store.FindByID(ctx, id)
	if err != nil {
		return "", err
	}

	attempts := job.Attempts + 1
	if attempts >= constants.MaxAttempts {
		if err := jm.store.MarkFailed(ctx, id, attempts, errMsg); err != nil {
			return "", err
		}
		jm.log.Warnw("job failed permanently",
			logger.FieldJobID, id,
			logger.FieldJobType, job.JobType,
			logger.FieldAttempt, attempts,
			logger.FieldError, errMsg)
		return state.StatusFailed, nil
	}

	runAt := jm.now().Add(Backoff(attempts))
	if err := jm.store.ScheduleRetry(ctx, id, attempts, errMsg, runAt); err != nil {
		return "", err
	}
	return state.StatusPending, nil
}

// MarkFailedTerminal fails a job immediately with the given attempt count.
// Broker mode uses it once the broker has given up on a message.
func (jm *JobManager) MarkFailedTerminal(ctx context.Context, id string, attempts int, errMsg string) error {
	return jm.store.MarkFailed(ctx, id, attempts, errMsg)
}

// Postpone moves a job back to PENDING at runAt without using up an attempt.
func (jm *JobManager) Postpone(ctx context.Context, id string, runAt time.Time, reason string) error {
	job, err := jm.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return jm.store.ScheduleRetry(ctx, id, job.Attempts, reason, runAt)
}

// ReclaimStale returns jobs stuck in PROCESSING for longer than timeout to
// PENDING, such as those held by a worker that died mid-run.
func (jm *JobManager) ReclaimStale(ctx context.Context, timeout time.Duration) (int64, error) {
	return jm.store.ReclaimStale(ctx, jm.now().Add(-timeout))
}

// GetMetrics summarises an organization's queue together with the last
// scheduler cycle.
func (jm *JobManager) GetMetrics(ctx context.Context, organizationID string) (*types.Metrics, error) {
	counts, err := jm.store.CountByStatus(ctx, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}

	oldest, err := jm.store.OldestPendingCreatedAt(ctx, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, "oldest pending job")
	}

	metrics := &types.Metrics{
		PendingCount:    counts[state.StatusPending],
		ProcessingCount: counts[state.StatusProcessing],
		FailedCount:     counts[state.StatusFailed],
	}
	if oldest != nil {
		age := jm.now().Sub(*oldest).Milliseconds()
		metrics.OldestPendingAgeMs = &age
	}

	if jm.runnerState != nil {
		rs, err := jm.runnerState.Load(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "load runner state")
		}
		if rs.LastRunAt != nil {
			lastRunAt := *rs.LastRunAt
			duration := rs.LastRunDurationMs
			metrics.LastRunAt = &lastRunAt
			metrics.LastRunDurationMs = &duration
		}
	}
	return metrics, nil
}

// Backoff is the delay before retrying a job that has failed attempts times:
// 2^attempts minutes, capped at 60.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 6 {
		return constants.MaxBackoffMinutes * time.Minute
	}
	minutes := min(1<<attempts, constants.MaxBackoffMinutes)
	return time.Duration(minutes) * time.Minute
}
