package ratelimit

import (
	"context"
	"fmt"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const globalScope = "global"

type Params struct {
	Action         string
	Limit          int
	WindowSec      int
	OrganizationID string
}

type Result struct {
	Allowed       bool
	Limit         int
	Remaining     int
	ResetAt       time.Time
	RetryAfterSec *int
}

// Limiter is a fixed-window counter. It fails open: when disabled, when no
// backend is configured, or when the backend errors, every check is allowed.
type Limiter struct {
	backend Backend
	enabled atomic.Bool
	now     func() time.Time
	logger  *zap.SugaredLogger

	failureOnce sync.Once
	disableOnce sync.Once
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter returns a limiter. A nil backend yields a permanently
// fail-open limiter.
func NewLimiter(backend Backend, enabled bool, opts ...Option) *Limiter {
	l := &Limiter{
		backend: backend,
		now:     time.Now,
		logger:  logger.ComponentLogger("ratelimit"),
	}
	l.enabled.Store(enabled && backend != nil)
	for _, opt := range opts {
		opt(l)
	}
	if enabled && backend == nil {
		l.logger.Warnw("rate limiting enabled but no backend configured, all requests allowed")
	}
	return l
}

func (l *Limiter) Enabled() bool {
	return l.enabled.Load()
}

func (l *Limiter) CheckLimit(ctx context.Context, p Params) (result Result) {
	windowSec := p.WindowSec
	if windowSec <= 0 {
		windowSec = 60
	}
	windowMs := int64(windowSec) * 1000
	nowMs := l.now().UnixMilli()
	windowStart := nowMs / windowMs * windowMs
	windowEnd := windowStart + windowMs

	open := Result{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit,
		ResetAt:   time.UnixMilli(windowEnd),
	}

	if !l.Enabled() || p.Limit <= 0 {
		return open
	}

	defer func() {
		if r := recover(); r != nil {
			l.recordFailure(errors.Newf("panic in rate limiter: %v", r))
			result = open
		}
	}()

	key := windowKey(p.OrganizationID, p.Action, windowStart)
	count, err := l.backend.IncrementWindow(ctx, key, time.Duration(windowSec+1)*time.Second)
	if err != nil {
		l.recordFailure(err)
		return open
	}

	result = Result{
		Allowed:   count <= int64(p.Limit),
		Limit:     p.Limit,
		Remaining: int(max(0, int64(p.Limit)-count)),
		ResetAt:   time.UnixMilli(windowEnd),
	}
	if !result.Allowed {
		retryAfter := int(math.Ceil(float64(windowEnd-nowMs) / 1000))
		result.RetryAfterSec = &retryAfter
	}
	return result
}

// ResetLimit clears every window counter of the pair. Errors are logged and
// swallowed.
func (l *Limiter) ResetLimit(ctx context.Context, organizationID, action string) {
	if l.backend == nil || !l.Enabled() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warnw("rate limit reset panicked", logger.FieldError, r)
		}
	}()

	pattern := fmt.Sprintf("%s:%s:%s:*", constants.RateLimitKeyPrefix, scope(organizationID), action)
	if err := l.backend.DeleteByPattern(ctx, pattern); err != nil {
		l.logger.Warnw("rate limit reset failed",
			logger.FieldOrganizationID, organizationID,
			logger.FieldAction, action,
			logger.FieldError, err)
	}
}

func (l *Limiter) recordFailure(err error) {
	if IsConnectionError(err) {
		l.disableOnce.Do(func() {
			l.enabled.Store(false)
			l.logger.Errorw("rate limit backend unreachable, disabling rate limiting for this process", logger.FieldError, err)
		})
		return
	}
	l.failureOnce.Do(func() {
		l.logger.Warnw("rate limit backend error, allowing request", logger.FieldError, err)
	})
	l.logger.Debugw("rate limit backend error", logger.FieldError, err)
}

func windowKey(organizationID, action string, windowStart int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", constants.RateLimitKeyPrefix, scope(organizationID), action, windowStart)
}

func scope(organizationID string) string {
	if organizationID == "" {
		return globalScope
	}
	return organizationID
}
