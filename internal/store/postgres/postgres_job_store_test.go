package postgres

import (
	"context"
	"database/sql"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benjhiman/remember-me-sub000/custom_errors"
	"github.com/benjhiman/remember-me-sub000/internal/state"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

var jobRowColumns = []string{
	"id", "organization_id", "provider", "job_type", "payload", "status", "attempts",
	"last_error", "run_at", "connected_account_id", "dedupe_key", "created_at", "updated_at",
}

func newStore(t *testing.T) (*PostgresJobStore, sqlmock.Sqlmock, time.Time) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewPostgresJobStore(db)
	store.now = func() time.Time { return now }
	return store, mock, now
}

func TestNewPostgresJobStore(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.NotNil(t, NewPostgresJobStore(db))
}

func TestPostgresJobStore_Insert(t *testing.T) {
	store, mock, now := newStore(t)

	mock.ExpectExec("INSERT INTO crm_queue.jobs").
		WithArgs(sqlmock.AnyArg(), "org-1", "WHATSAPP", "SEND_MESSAGE", []byte(`{"to":"+1"}`), "PENDING", now, nil, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job, created, err := store.Insert(context.Background(), types.Job{
		OrganizationID: "org-1",
		Provider:       types.ProviderWhatsApp,
		JobType:        types.JobTypeSendMessage,
		Payload:        []byte(`{"to":"+1"}`),
		RunAt:          now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, state.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_Insert_DedupeHit(t *testing.T) {
	store, mock, now := newStore(t)
	key := "msg-42"

	mock.ExpectQuery("SELECT (.+) FROM crm_queue.jobs").
		WithArgs("org-1", "SEND_MESSAGE", key, "PENDING", "PROCESSING").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(
			"existing-id", "org-1", "WHATSAPP", "SEND_MESSAGE", []byte(`{}`), "PENDING", 0,
			nil, now, nil, key, now, now,
		))

	job, created, err := store.Insert(context.Background(), types.Job{
		OrganizationID: "org-1",
		Provider:       types.ProviderWhatsApp,
		JobType:        types.JobTypeSendMessage,
		RunAt:          now,
		DedupeKey:      &key,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "existing-id", job.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_Insert_DedupeRace(t *testing.T) {
	store, mock, now := newStore(t)
	key := "msg-42"

	mock.ExpectQuery("SELECT (.+) FROM crm_queue.jobs").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))
	mock.ExpectExec("INSERT INTO crm_queue.jobs").
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectQuery("SELECT (.+) FROM crm_queue.jobs").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(
			"winner-id", "org-1", "WHATSAPP", "SEND_MESSAGE", []byte(`{}`), "PENDING", 0,
			nil, now, nil, key, now, now,
		))

	job, created, err := store.Insert(context.Background(), types.Job{
		OrganizationID: "org-1",
		Provider:       types.ProviderWhatsApp,
		JobType:        types.JobTypeSendMessage,
		RunAt:          now,
		DedupeKey:      &key,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner-id", job.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_Insert_Error(t *testing.T) {
	store, mock, _ := newStore(t)

	mock.ExpectExec("INSERT INTO crm_queue.jobs").WillReturnError(sql.ErrConnDone)

	_, _, err := store.Insert(context.Background(), types.Job{OrganizationID: "org-1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "insert job")
}

func TestPostgresJobStore_FindByID_NotFound(t *testing.T) {
	store, mock, _ := newStore(t)

	mock.ExpectQuery("SELECT (.+) FROM crm_queue.jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	_, err := store.FindByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, custom_errors.ErrJobNotFound))
}

func TestPostgresJobStore_FetchDue(t *testing.T) {
	store, mock, now := newStore(t)

	mock.ExpectQuery("SELECT (.+) FROM crm_queue.jobs (.+) ORDER BY run_at ASC LIMIT").
		WithArgs("PENDING", now, 10).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow("a", "org-1", "WHATSAPP", "SEND_MESSAGE", []byte(`{}`), "PENDING", 0, nil, now.Add(-2*time.Minute), nil, nil, now, now).
			AddRow("b", "org-2", "META", "FETCH_AD_SPEND", []byte(`{}`), "PENDING", 1, "boom", now.Add(-time.Minute), "acc-1", nil, now, now))

	jobs, err := store.FetchDue(context.Background(), now, nil, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, types.ProviderMeta, jobs[1].Provider)
	require.NotNil(t, jobs[1].LastError)
	assert.Equal(t, "boom", *jobs[1].LastError)
	require.NotNil(t, jobs[1].ConnectedAccountID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_FetchDue_ForProvider(t *testing.T) {
	store, mock, now := newStore(t)
	provider := types.ProviderInstagram

	mock.ExpectQuery("SELECT (.+) AND provider = \\$3 ORDER BY run_at ASC LIMIT \\$4").
		WithArgs("PENDING", now, "INSTAGRAM", 5).
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	jobs, err := store.FetchDue(context.Background(), now, &provider, 5)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_UpdateStatus(t *testing.T) {
	store, mock, now := newStore(t)

	mock.ExpectExec("UPDATE crm_queue.jobs").
		WithArgs("job-1", "PROCESSING", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdateStatus(context.Background(), "job-1", state.StatusProcessing))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_ScheduleRetry(t *testing.T) {
	store, mock, now := newStore(t)
	runAt := now.Add(8 * time.Minute)

	mock.ExpectExec("UPDATE crm_queue.jobs (.+) GREATEST\\(run_at").
		WithArgs("job-1", "PENDING", 3, "boom", runAt, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.ScheduleRetry(context.Background(), "job-1", 3, "boom", runAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_MarkFailed(t *testing.T) {
	store, mock, now := newStore(t)

	mock.ExpectExec("UPDATE crm_queue.jobs").
		WithArgs("job-1", "FAILED", 5, "boom", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkFailed(context.Background(), "job-1", 5, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_CountByStatus(t *testing.T) {
	store, mock, _ := newStore(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("PENDING", 4).
			AddRow("FAILED", 1))

	counts, err := store.CountByStatus(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 4, counts[state.StatusPending])
	assert.Equal(t, 1, counts[state.StatusFailed])
	assert.Equal(t, 0, counts[state.StatusProcessing])
	assert.Len(t, counts, len(state.AllStatuses))
}

func TestPostgresJobStore_OldestPendingCreatedAt(t *testing.T) {
	store, mock, now := newStore(t)

	mock.ExpectQuery("SELECT MIN\\(created_at\\)").
		WithArgs("org-1", "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(now))

	oldest, err := store.OldestPendingCreatedAt(context.Background(), "org-1")
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.True(t, oldest.Equal(now))

	mock.ExpectQuery("SELECT MIN\\(created_at\\)").
		WithArgs("org-2", "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	oldest, err = store.OldestPendingCreatedAt(context.Background(), "org-2")
	require.NoError(t, err)
	assert.Nil(t, oldest)
}

func TestPostgresJobStore_ActiveAccounts(t *testing.T) {
	store, mock, now := newStore(t)
	since := now.Add(-30 * 24 * time.Hour)

	mock.ExpectQuery("SELECT DISTINCT organization_id, connected_account_id").
		WithArgs("META", since, pq.StringArray{"FETCH_AD_SPEND", "REFRESH_TOKEN"}).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "connected_account_id"}).
			AddRow("org-1", "act-1").
			AddRow("org-2", "act-9"))

	accounts, err := store.ActiveAccounts(context.Background(), types.ProviderMeta, since,
		[]types.JobType{types.JobTypeFetchAdSpend, types.JobTypeRefreshToken})
	require.NoError(t, err)
	assert.Equal(t, []types.ConnectedAccount{
		{OrganizationID: "org-1", ConnectedAccountID: "act-1"},
		{OrganizationID: "org-2", ConnectedAccountID: "act-9"},
	}, accounts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_ActiveAccounts_NoExclusions(t *testing.T) {
	store, mock, now := newStore(t)
	since := now.Add(-time.Hour)

	mock.ExpectQuery("job_type <> ALL").
		WithArgs("META", since, pq.StringArray{}).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id", "connected_account_id"}))

	accounts, err := store.ActiveAccounts(context.Background(), types.ProviderMeta, since, nil)
	require.NoError(t, err)
	assert.Empty(t, accounts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_ReclaimStale(t *testing.T) {
	store, mock, now := newStore(t)
	before := now.Add(-15 * time.Minute)

	mock.ExpectExec("UPDATE crm_queue.jobs").
		WithArgs("PENDING", "PROCESSING", now, before).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.ReclaimStale(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobStore_ReclaimStale_Error(t *testing.T) {
	store, mock, now := newStore(t)

	mock.ExpectExec("UPDATE crm_queue.jobs").
		WillReturnError(errors.New("connection refused"))

	_, err := store.ReclaimStale(context.Background(), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reclaim stale jobs")
}
