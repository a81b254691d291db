package custom_errors

import (
	"fmt"
	"github.com/cockroachdb/errors"
	"time"
)

var (
	// ErrInvalidArgument is returned synchronously to producers; nothing is persisted.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyProcessing is returned by a manual trigger while a cycle is in flight.
	ErrAlreadyProcessing = errors.New("already processing")

	ErrLockNotAcquired = errors.New("scheduler lock not acquired")

	ErrJobNotFound = errors.New("job not found")

	ErrNoProcessor = errors.New("no processor registered")

	ErrBrokerDisabled = errors.New("broker adapter is not enabled")
)

// InvalidArgument wraps ErrInvalidArgument with a field-specific message.
func InvalidArgument(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// RetryAfterError asks the caller to run the job again after a delay
// without counting the run as a failed attempt.
type RetryAfterError struct {
	After  time.Duration
	Reason string
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %s", e.After, e.Reason)
}

// AsRetryAfter reports whether err carries a RetryAfterError.
func AsRetryAfter(err error) (*RetryAfterError, bool) {
	var retryErr *RetryAfterError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}
	return nil, false
}
