package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"github.com/benjhiman/remember-me-sub000/custom_errors"
	"github.com/benjhiman/remember-me-sub000/internal/state"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"time"
)

const uniqueViolation = "23505"

const jobColumns = `id, organization_id, provider, job_type, payload, status, attempts,
		       last_error, run_at, connected_account_id, dedupe_key, created_at, updated_at`

type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db:  db,
		now: time.Now,
	}
}

func (r *PostgresJobStore) Insert(ctx context.Context, job types.Job) (*types.Job, bool, error) {
	if job.DedupeKey != nil && *job.DedupeKey != "" {
		existing, err := r.findActiveByDedupeKey(ctx, job.OrganizationID, job.JobType, *job.DedupeKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage("{}")
	}
	now := r.now()
	job.Status = state.StatusPending
	job.Attempts = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO crm_queue.jobs (
			id,
			organization_id,
			provider,
			job_type,
			payload,
			status,
			attempts,
			run_at,
			connected_account_id,
			dedupe_key,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.OrganizationID,
		job.Provider,
		job.JobType,
		[]byte(job.Payload),
		job.Status,
		job.RunAt,
		job.ConnectedAccountID,
		job.DedupeKey,
		now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && job.DedupeKey != nil {
			// lost the race against a concurrent insert with the same dedupe key
			existing, findErr := r.findActiveByDedupeKey(ctx, job.OrganizationID, job.JobType, *job.DedupeKey)
			if findErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, errors.Wrap(err, "insert job")
	}

	return &job, true, nil
}

func (r *PostgresJobStore) FindByID(ctx context.Context, id string) (*types.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM crm_queue.jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(custom_errors.ErrJobNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find job %s", id)
	}
	return job, nil
}

func (r *PostgresJobStore) FetchDue(ctx context.Context, before time.Time, provider *types.Provider, limit int) ([]types.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM crm_queue.jobs
		WHERE status = $1 AND run_at <= $2`
	args := []any{state.StatusPending, before}

	if provider != nil {
		query += ` AND provider = $3 ORDER BY run_at ASC LIMIT $4`
		args = append(args, *provider, limit)
	} else {
		query += ` ORDER BY run_at ASC LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "fetch due jobs")
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due job")
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate due jobs")
	}
	return jobs, nil
}

func (r *PostgresJobStore) UpdateStatus(ctx context.Context, id string, status state.JobStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE crm_queue.jobs
		SET status = $2,
		    updated_at = $3
		WHERE id = $1
	`, id, status, r.now())
	if err != nil {
		return errors.Wrapf(err, "update job %s to %s", id, status)
	}
	return nil
}

// ScheduleRetry never moves run_at backwards.
func (r *PostgresJobStore) ScheduleRetry(ctx context.Context, id string, attempts int, lastError string, runAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE crm_queue.jobs
		SET status = $2,
		    attempts = GREATEST(attempts, $3),
		    last_error = $4,
		    run_at = GREATEST(run_at, $5),
		    updated_at = $6
		WHERE id = $1
	`, id, state.StatusPending, attempts, lastError, runAt, r.now())
	if err != nil {
		return errors.Wrapf(err, "schedule retry for job %s", id)
	}
	return nil
}

func (r *PostgresJobStore) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE crm_queue.jobs
		SET status = $2,
		    attempts = GREATEST(attempts, $3),
		    last_error = $4,
		    updated_at = $5
		WHERE id = $1
	`, id, state.StatusFailed, attempts, lastError, r.now())
	if err != nil {
		return errors.Wrapf(err, "mark job %s failed", id)
	}
	return nil
}

func (r *PostgresJobStore) ReclaimStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE crm_queue.jobs
		SET status = $1,
		    updated_at = $3
		WHERE status = $2 AND updated_at < $4
	`, state.StatusPending, state.StatusProcessing, r.now(), before)
	if err != nil {
		return 0, errors.Wrap(err, "reclaim stale jobs")
	}
	return result.RowsAffected()
}

func (r *PostgresJobStore) CountByStatus(ctx context.Context, organizationID string) (map[state.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM crm_queue.jobs
		WHERE organization_id = $1
		GROUP BY status
	`, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs by status")
	}
	defer rows.Close()

	result := make(map[state.JobStatus]int)
	for rows.Next() {
		var status state.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, status := range state.AllStatuses {
		if _, ok := result[status]; !ok {
			result[status] = 0
		}
	}

	return result, nil
}

func (r *PostgresJobStore) OldestPendingCreatedAt(ctx context.Context, organizationID string) (*time.Time, error) {
	var oldest sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(created_at)
		FROM crm_queue.jobs
		WHERE organization_id = $1 AND status = $2
	`, organizationID, state.StatusPending).Scan(&oldest)
	if err != nil {
		return nil, errors.Wrap(err, "oldest pending job")
	}
	if !oldest.Valid {
		return nil, nil
	}
	return &oldest.Time, nil
}

// ActiveAccounts lists the connected accounts that had a job for provider
// created at or after since, ignoring jobs of the excluded types.
func (r *PostgresJobStore) ActiveAccounts(ctx context.Context, provider types.Provider, since time.Time, exclude []types.JobType) ([]types.ConnectedAccount, error) {
	excluded := make(pq.StringArray, 0, len(exclude))
	for _, jobType := range exclude {
		excluded = append(excluded, jobType.String())
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT organization_id, connected_account_id
		FROM crm_queue.jobs
		WHERE provider = $1
		  AND connected_account_id IS NOT NULL
		  AND created_at >= $2
		  AND job_type <> ALL($3)
		ORDER BY organization_id, connected_account_id
	`, provider, since, excluded)
	if err != nil {
		return nil, errors.Wrap(err, "list active accounts")
	}
	defer rows.Close()

	var accounts []types.ConnectedAccount
	for rows.Next() {
		var account types.ConnectedAccount
		if err := rows.Scan(&account.OrganizationID, &account.ConnectedAccountID); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *PostgresJobStore) Close() error {
	return r.db.Close()
}

func (r *PostgresJobStore) findActiveByDedupeKey(ctx context.Context, organizationID string, jobType types.JobType, dedupeKey string) (*types.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+`
		FROM crm_queue.jobs
		WHERE organization_id = $1 AND job_type = $2 AND dedupe_key = $3 AND status IN ($4, $5)
		LIMIT 1`,
		organizationID, jobType, dedupeKey, state.StatusPending, state.StatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "dedupe lookup")
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var job types.Job
	var payload []byte
	if err := row.Scan(
		&job.ID,
		&job.OrganizationID,
		&job.Provider,
		&job.JobType,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.LastError,
		&job.RunAt,
		&job.ConnectedAccountID,
		&job.DedupeKey,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	return &job, nil
}
