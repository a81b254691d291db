package provider

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/client"
	"github.com/benjhiman/remember-me-sub000/custom_errors"
	"github.com/benjhiman/remember-me-sub000/internal/ratelimit"
	"github.com/benjhiman/remember-me-sub000/internal/state"
	"github.com/benjhiman/remember-me-sub000/internal/store/memory"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

var testNow = time.Date(2025, 3, 14, 9, 0, 20, 0, time.UTC)

func fixedNow() time.Time { return testNow }

// counterBackend is an in-memory ratelimit.Backend.
type counterBackend struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (b *counterBackend) IncrementWindow(_ context.Context, key string, _ time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counts == nil {
		b.counts = make(map[string]int64)
	}
	b.counts[key]++
	return b.counts[key], nil
}

func (b *counterBackend) DeleteByPattern(context.Context, string) error { return nil }

type recordingHandler struct {
	mu   sync.Mutex
	jobs []types.Job
	err  error
}

func (h *recordingHandler) Handle(_ context.Context, job types.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, job)
	return h.err
}

func (h *recordingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

func newJobs() (*client.JobManager, *memory.JobStore) {
	jobStore := memory.NewJobStoreWithClock(fixedNow)
	return client.NewJobManager(jobStore, memory.NewRunnerStateStore(), client.WithJobManagerClock(fixedNow)), jobStore
}

func enqueue(t *testing.T, jobs *client.JobManager, provider types.Provider, jobType types.JobType, payload string) *types.Job {
	t.Helper()
	job, err := jobs.Enqueue(context.Background(), types.EnqueueParams{
		JobType:        jobType,
		Provider:       provider,
		Payload:        []byte(payload),
		OrganizationID: "org-1",
	})
	require.NoError(t, err)
	return job
}

func TestProcessor_ProcessPendingJobs_Success(t *testing.T) {
	jobs, _ := newJobs()
	handler := &recordingHandler{}
	p := NewProcessor(types.ProviderWhatsApp, jobs, nil,
		WithClock(fixedNow),
		WithHandler(types.JobTypeSendMessage, handler.Handle, RateRule{}))

	job := enqueue(t, jobs, types.ProviderWhatsApp, types.JobTypeSendMessage, `{"to":"+1"}`)
	enqueue(t, jobs, types.ProviderMeta, types.JobTypeFetchAdSpend, `{}`)

	n, err := p.ProcessPendingJobs(context.Background(), testNow, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, handler.Calls())

	stored, err := jobs.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusDone, stored.Status)
}

func TestProcessor_ProcessPendingJobs_FailureAppliesBackoff(t *testing.T) {
	jobs, _ := newJobs()
	handler := &recordingHandler{err: errors.New("provider 500")}
	p := NewProcessor(types.ProviderWhatsApp, jobs, nil,
		WithHandler(types.JobTypeSendMessage, handler.Handle, RateRule{}))

	job := enqueue(t, jobs, types.ProviderWhatsApp, types.JobTypeSendMessage, `{}`)

	n, err := p.ProcessPendingJobs(context.Background(), testNow, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := jobs.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, testNow.Add(2*time.Minute), stored.RunAt)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "provider 500", *stored.LastError)
}

func TestProcessor_ProcessPendingJobs_InvalidArgumentFollowsRetryPolicy(t *testing.T) {
	jobs, _ := newJobs()
	handler := &recordingHandler{err: custom_errors.InvalidArgument("payload.to is required")}
	p := NewProcessor(types.ProviderWhatsApp, jobs, nil,
		WithHandler(types.JobTypeSendMessage, handler.Handle, RateRule{}))

	job := enqueue(t, jobs, types.ProviderWhatsApp, types.JobTypeSendMessage, `{}`)

	_, err := p.ProcessPendingJobs(context.Background(), testNow, 10)
	require.NoError(t, err)

	stored, err := jobs.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, testNow.Add(2*time.Minute), stored.RunAt)

	// later attempts run once the backoff has passed
	later := testNow.Add(24 * time.Hour)
	for i := 0; i < 4; i++ {
		_, err := p.ProcessPendingJobs(context.Background(), later, 10)
		require.NoError(t, err)
	}

	stored, err = jobs.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, stored.Status)
	assert.Equal(t, 5, stored.Attempts)
	assert.Equal(t, 5, handler.Calls())
}

func TestProcessor_ProcessPendingJobs_NoHandler(t *testing.T) {
	jobs, _ := newJobs()
	p := NewProcessor(types.ProviderMeta, jobs, nil)

	job := enqueue(t, jobs, types.ProviderMeta, types.JobTypeRefreshToken, `{}`)

	n, err := p.ProcessPendingJobs(context.Background(), testNow, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := jobs.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "no processor registered")

	later := testNow.Add(24 * time.Hour)
	for i := 0; i < 4; i++ {
		_, err := p.ProcessPendingJobs(context.Background(), later, 10)
		require.NoError(t, err)
	}
	stored, err = jobs.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, stored.Status)
	assert.Equal(t, 5, stored.Attempts)
}

func TestProcessor_ProcessPendingJobs_RateLimitedJobsArePostponed(t *testing.T) {
	jobs, _ := newJobs()
	limiter := ratelimit.NewLimiter(&counterBackend{}, true, ratelimit.WithClock(fixedNow))
	handler := &recordingHandler{}
	p := NewProcessor(types.ProviderWhatsApp, jobs, limiter,
		WithClock(fixedNow),
		WithHandler(types.JobTypeSendMessage, handler.Handle, RateRule{Limit: 2, WindowSec: 60}))

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, enqueue(t, jobs, types.ProviderWhatsApp, types.JobTypeSendMessage, `{}`).ID)
	}

	n, err := p.ProcessPendingJobs(context.Background(), testNow, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, handler.Calls())

	postponed := 0
	for _, id := range ids {
		stored, err := jobs.FindByID(context.Background(), id)
		require.NoError(t, err)
		if stored.Status == state.StatusPending {
			postponed++
			assert.Equal(t, 0, stored.Attempts)
			// window started at 09:00:00, so 40s remain
			assert.Equal(t, testNow.Add(40*time.Second), stored.RunAt)
		}
	}
	assert.Equal(t, 1, postponed)
}

func TestProcessor_ProcessPendingJobs_RetryAfterFromHandler(t *testing.T) {
	jobs, _ := newJobs()
	handler := &recordingHandler{err: &custom_errors.RetryAfterError{After: time.Minute, Reason: "throttled"}}
	p := NewProcessor(types.ProviderWhatsApp, jobs, nil,
		WithClock(fixedNow),
		WithHandler(types.JobTypeSendMessage, handler.Handle, RateRule{}))

	job := enqueue(t, jobs, types.ProviderWhatsApp, types.JobTypeSendMessage, `{}`)

	_, err := p.ProcessPendingJobs(context.Background(), testNow, 10)
	require.NoError(t, err)

	stored, err := jobs.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	assert.Equal(t, testNow.Add(time.Minute), stored.RunAt)
}

func TestProcessor_ProcessPendingJobs_HandlerPanic(t *testing.T) {
	jobs, _ := newJobs()
	p := NewProcessor(types.ProviderWhatsApp, jobs, nil,
		WithHandler(types.JobTypeSendMessage, func(ctx context.Context, job types.Job) error {
			panic("boom")
		}, RateRule{}))

	job := enqueue(t, jobs, types.ProviderWhatsApp, types.JobTypeSendMessage, `{}`)

	_, err := p.ProcessPendingJobs(context.Background(), testNow, 10)
	require.NoError(t, err)

	stored, err := jobs.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, *stored.LastError, "panicked")
}

func TestProcessor_ProcessPendingJobs_RespectsDueBefore(t *testing.T) {
	jobs, _ := newJobs()
	handler := &recordingHandler{}
	p := NewProcessor(types.ProviderWhatsApp, jobs, nil,
		WithHandler(types.JobTypeSendMessage, handler.Handle, RateRule{}))

	enqueue(t, jobs, types.ProviderWhatsApp, types.JobTypeSendMessage, `{}`)

	n, err := p.ProcessPendingJobs(context.Background(), testNow.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, handler.Calls())
}

func TestProcessor_ProcessJobFromQueue(t *testing.T) {
	jobs, _ := newJobs()
	handler := &recordingHandler{}
	p := NewProcessor(types.ProviderWhatsApp, jobs, nil,
		WithHandler(types.JobTypeSendMessage, handler.Handle, RateRule{}))

	err := p.ProcessJobFromQueue(context.Background(), types.QueueMessage{
		JobID:          "job-1",
		JobType:        types.JobTypeSendMessage,
		Provider:       types.ProviderWhatsApp,
		OrganizationID: "org-1",
		Payload:        []byte(`{"to":"+1"}`),
		Attempt:        2,
	})
	require.NoError(t, err)
	require.Equal(t, 1, handler.Calls())
	assert.Equal(t, "job-1", handler.jobs[0].ID)
	assert.Equal(t, 2, handler.jobs[0].Attempts)
}

func TestProcessor_ProcessJobFromQueue_Errors(t *testing.T) {
	jobs, _ := newJobs()
	limiter := ratelimit.NewLimiter(&counterBackend{}, true, ratelimit.WithClock(fixedNow))
	failing := &recordingHandler{err: errors.New("provider 500")}
	p := NewProcessor(types.ProviderWhatsApp, jobs, limiter,
		WithHandler(types.JobTypeSendMessage, failing.Handle, RateRule{Limit: 1, WindowSec: 60}))

	msg := types.QueueMessage{JobID: "job-1", JobType: types.JobTypeSendMessage, Provider: types.ProviderWhatsApp, OrganizationID: "org-1"}

	err := p.ProcessJobFromQueue(context.Background(), msg)
	assert.EqualError(t, err, "provider 500")

	err = p.ProcessJobFromQueue(context.Background(), msg)
	retryAfter, ok := custom_errors.AsRetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 40*time.Second, retryAfter.After)

	msg.JobType = types.JobTypeSyncConversation
	err = p.ProcessJobFromQueue(context.Background(), msg)
	assert.True(t, errors.Is(err, custom_errors.ErrNoProcessor))
}

func TestAction(t *testing.T) {
	assert.Equal(t, "whatsapp.send_message", Action(types.ProviderWhatsApp, types.JobTypeSendMessage))
	assert.Equal(t, "meta.fetch_ad_spend", Action(types.ProviderMeta, types.JobTypeFetchAdSpend))
}

func TestProcessor_ImplementsClientProcessor(t *testing.T) {
	var _ client.Processor = (*Processor)(nil)
}
