package postgres

import (
	"context"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestPostgresRunnerStateStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresRunnerStateStore(db)
	ranAt := time.Now()
	msg := "whatsapp: boom"

	mock.ExpectExec("INSERT INTO crm_queue.job_runner_state").
		WithArgs("singleton", ranAt, int64(120), 3, msg).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Save(context.Background(), types.RunnerState{
		LastRunAt:         &ranAt,
		LastRunDurationMs: 120,
		LastRunJobCount:   3,
		LastRunError:      &msg,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRunnerStateStore_Load_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresRunnerStateStore(db)

	mock.ExpectQuery("SELECT last_run_at").
		WithArgs("singleton").
		WillReturnRows(sqlmock.NewRows([]string{"last_run_at", "last_run_duration_ms", "last_run_job_count", "last_run_error"}))

	rs, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rs.LastRunAt)
	assert.Equal(t, 0, rs.LastRunJobCount)
}

func TestPostgresRunnerStateStore_Load(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresRunnerStateStore(db)
	ranAt := time.Now()

	mock.ExpectQuery("SELECT last_run_at").
		WithArgs("singleton").
		WillReturnRows(sqlmock.NewRows([]string{"last_run_at", "last_run_duration_ms", "last_run_job_count", "last_run_error"}).
			AddRow(ranAt, 250, 2, nil))

	rs, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rs.LastRunAt)
	assert.Equal(t, int64(250), rs.LastRunDurationMs)
	assert.Equal(t, 2, rs.LastRunJobCount)
	assert.Nil(t, rs.LastRunError)
}
