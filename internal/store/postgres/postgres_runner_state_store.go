package postgres

import (
	"context"
	"database/sql"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
)

type PostgresRunnerStateStore struct {
	db *sql.DB
}

func NewPostgresRunnerStateStore(db *sql.DB) *PostgresRunnerStateStore {
	return &PostgresRunnerStateStore{db: db}
}

func (s *PostgresRunnerStateStore) Save(ctx context.Context, runnerState types.RunnerState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crm_queue.job_runner_state (id, last_run_at, last_run_duration_ms, last_run_job_count, last_run_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			last_run_duration_ms = EXCLUDED.last_run_duration_ms,
			last_run_job_count = EXCLUDED.last_run_job_count,
			last_run_error = EXCLUDED.last_run_error
	`,
		constants.RunnerStateID,
		runnerState.LastRunAt,
		runnerState.LastRunDurationMs,
		runnerState.LastRunJobCount,
		runnerState.LastRunError,
	)
	if err != nil {
		return errors.Wrap(err, "save runner state")
	}
	return nil
}

func (s *PostgresRunnerStateStore) Load(ctx context.Context) (*types.RunnerState, error) {
	var rs types.RunnerState
	var lastRunAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT last_run_at, last_run_duration_ms, last_run_job_count, last_run_error
		FROM crm_queue.job_runner_state
		WHERE id = $1
	`, constants.RunnerStateID).Scan(&lastRunAt, &rs.LastRunDurationMs, &rs.LastRunJobCount, &rs.LastRunError)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.RunnerState{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load runner state")
	}
	if lastRunAt.Valid {
		rs.LastRunAt = &lastRunAt.Time
	}
	return &rs, nil
}
