package lock

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/types"
	"time"
)

type Outcome int

const (
	Acquired Outcome = iota + 1
	NotAvailable
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case NotAvailable:
		return "not_available"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the outcome of a lock attempt. Err is only set for Failed.
type Result struct {
	Outcome Outcome
	Err     error
}

func (r Result) Acquired() bool {
	return r.Outcome == Acquired
}

// DistributedLockManager guards a single cross-process critical section.
type DistributedLockManager interface {
	// TryAcquire never blocks on a held lock and never returns an error;
	// failures are reported through Result.
	TryAcquire(ctx context.Context, ttl time.Duration) Result

	// Release drops the lock held by this manager and deletes the lease
	// row only if it belongs to this manager's identity.
	Release(ctx context.Context) error

	// CleanupExpired clears a lease whose expiry is in the past. It
	// reports whether anything was cleared.
	CleanupExpired(ctx context.Context) (bool, error)

	// Lease returns the current lease row, or nil if there is none.
	Lease(ctx context.Context) (*types.LockLease, error)

	Identity() string
}
