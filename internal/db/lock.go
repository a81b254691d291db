package db

import (
	"context"
	"database/sql"
	"github.com/cockroachdb/errors"
)

// Lock is a blocking session-level advisory lock. It pins one connection
// from the pool so the unlock runs in the session that took the lock.
type Lock struct {
	db   *sql.DB
	conn *sql.Conn
	key  int64
}

func NewLock(db *sql.DB, key int64) *Lock {
	return &Lock{
		db:  db,
		key: key,
	}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	if l.conn != nil {
		return errors.Newf("advisory lock %d already held", l.key)
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to open lock connection")
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.key); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "failed to acquire lock")
	}
	l.conn = conn
	return nil
}

func (l *Lock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return errors.Wrap(err, "failed to release lock")
	}
	return closeErr
}
