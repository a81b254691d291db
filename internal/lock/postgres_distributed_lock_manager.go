package lock

import (
	"context"
	"database/sql"
	"fmt"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"os"
	"sync"
	"time"
)

// PostgresDistributedLockManager combines a session-level advisory lock with
// a lease row. The advisory lock lives on a pinned connection because
// pg_advisory_unlock must run in the session that took the lock.
type PostgresDistributedLockManager struct {
	db       *sql.DB
	lockKey  int64
	identity string
	now      func() time.Time
	logger   *zap.SugaredLogger

	mu   sync.Mutex
	conn *sql.Conn
}

func NewPostgresDistributedLockManager(db *sql.DB, lockKey int64, identity string) *PostgresDistributedLockManager {
	if identity == "" {
		identity = ProcessIdentity()
	}
	return &PostgresDistributedLockManager{
		db:       db,
		lockKey:  lockKey,
		identity: identity,
		now:      time.Now,
		logger:   logger.ComponentLogger("lock"),
	}
}

// ProcessIdentity returns host:pid.
func ProcessIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func (l *PostgresDistributedLockManager) Identity() string {
	return l.identity
}

// AcquireLock is TryAcquire reduced to a boolean.
func (l *PostgresDistributedLockManager) AcquireLock(ctx context.Context, ttl time.Duration) bool {
	return l.TryAcquire(ctx, ttl).Acquired()
}

func (l *PostgresDistributedLockManager) TryAcquire(ctx context.Context, ttl time.Duration) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Outcome: Failed, Err: errors.Newf("panic while acquiring lock: %v", r)}
		}
		if result.Outcome == Failed {
			l.logger.Warnw("could not acquire scheduler lock", logger.FieldInstance, l.identity, logger.FieldError, result.Err)
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		// advisory locks are re-entrant per session; refuse to stack them
		return Result{Outcome: NotAvailable}
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return Result{Outcome: Failed, Err: errors.Wrap(err, "open lock connection")}
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockKey).Scan(&locked); err != nil {
		_ = conn.Close()
		return Result{Outcome: Failed, Err: errors.Wrap(err, "failed to acquire lock")}
	}
	if !locked {
		_ = conn.Close()
		return Result{Outcome: NotAvailable}
	}

	now := l.now()
	_, err = conn.ExecContext(ctx, `
		INSERT INTO crm_queue.job_lock_lease (id, locked_by, locked_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			locked_by = EXCLUDED.locked_by,
			locked_at = EXCLUDED.locked_at,
			expires_at = EXCLUDED.expires_at
	`, constants.LeaseID, l.identity, now, now.Add(ttl))
	if err != nil {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockKey)
		_ = conn.Close()
		return Result{Outcome: Failed, Err: errors.Wrap(err, "failed to write lock lease")}
	}

	l.conn = conn
	return Result{Outcome: Acquired}
}

func (l *PostgresDistributedLockManager) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var unlockErr error
	if l.conn != nil {
		if _, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockKey); err != nil {
			unlockErr = errors.Wrap(err, "failed to release lock")
		}
		// closing the session releases the advisory lock even if the unlock call failed
		_ = l.conn.Close()
		l.conn = nil
	}

	_, err := l.db.ExecContext(ctx,
		"DELETE FROM crm_queue.job_lock_lease WHERE id = $1 AND locked_by = $2",
		constants.LeaseID, l.identity)
	if err != nil {
		err = errors.Wrap(err, "failed to delete lock lease")
	}

	return errors.CombineErrors(unlockErr, err)
}

func (l *PostgresDistributedLockManager) CleanupExpired(ctx context.Context) (bool, error) {
	lease, err := l.Lease(ctx)
	if err != nil || lease == nil {
		return false, err
	}

	now := l.now()
	if !lease.Expired(now) {
		return false, nil
	}

	l.logger.Infow("clearing expired scheduler lease",
		"locked_by", lease.LockedBy,
		"expired_at", lease.ExpiresAt)

	if lease.LockedBy == l.identity {
		return true, l.Release(ctx)
	}

	res, err := l.db.ExecContext(ctx,
		"DELETE FROM crm_queue.job_lock_lease WHERE id = $1 AND expires_at < $2",
		constants.LeaseID, now)
	if err != nil {
		return false, errors.Wrap(err, "failed to clear expired lease")
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (l *PostgresDistributedLockManager) Lease(ctx context.Context) (*types.LockLease, error) {
	var lease types.LockLease
	err := l.db.QueryRowContext(ctx, `
		SELECT id, locked_by, locked_at, expires_at
		FROM crm_queue.job_lock_lease
		WHERE id = $1
	`, constants.LeaseID).Scan(&lease.ID, &lease.LockedBy, &lease.LockedAt, &lease.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read lock lease")
	}
	return &lease, nil
}
