package client

import (
	"context"
	"fmt"
	"github.com/benjhiman/remember-me-sub000/custom_errors"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/internal/lock"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/internal/store"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"sync"
	"sync/atomic"
	"time"
)

// Processor executes jobs for one provider.
type Processor interface {
	Provider() types.Provider

	// ProcessPendingJobs drains up to limit of the provider's PENDING jobs
	// with runAt <= dueBefore and records each outcome. It returns how many
	// jobs it ran.
	ProcessPendingJobs(ctx context.Context, dueBefore time.Time, limit int) (int, error)

	// ProcessJobFromQueue runs one broker-delivered job. It must return the
	// job's error so the broker can retry.
	ProcessJobFromQueue(ctx context.Context, msg types.QueueMessage) error
}

// Runner drives the scheduler until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

type SkipReason int

const (
	NotSkipped SkipReason = iota
	SkippedBusy
	SkippedLockNotAcquired
)

// CycleResult describes one scheduler cycle.
type CycleResult struct {
	Skipped   SkipReason
	Processed int
	// Errors holds one entry per processor, nil on success.
	Errors   []error
	Duration time.Duration
}

// FirstError returns the first processor error in registration order.
func (r CycleResult) FirstError() error {
	for _, err := range r.Errors {
		if err != nil {
			return err
		}
	}
	return nil
}

// Scheduler runs one guarded cycle at a time: it takes the distributed
// lock, runs every processor concurrently, waits for all of them and then
// writes the runner state and releases the lock.
type Scheduler struct {
	lock        lock.DistributedLockManager
	runnerState store.RunnerStateStore
	processors  []Processor
	lockTTL     time.Duration
	batchSize   int
	dueLag      time.Duration
	reclaimer   StaleReclaimer
	staleAfter  time.Duration
	running     atomic.Bool
	now         func() time.Time
	log         *zap.SugaredLogger
}

type SchedulerOption func(*Scheduler)

// StaleReclaimer hands jobs stuck in PROCESSING back to PENDING.
type StaleReclaimer interface {
	ReclaimStale(ctx context.Context, timeout time.Duration) (int64, error)
}

func WithBatchSize(size int) SchedulerOption {
	return func(s *Scheduler) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithDueLag only lets processors see jobs that have been due for at least
// lag. The broker runner uses it to sweep rows the broker never delivered.
func WithDueLag(lag time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.dueLag = lag
	}
}

// WithStaleReclaim makes every cycle return jobs that have been PROCESSING
// for longer than timeout to PENDING before the processors run.
func WithStaleReclaim(reclaimer StaleReclaimer, timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.reclaimer = reclaimer
			s.staleAfter = timeout
		}
	}
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithSchedulerName(name string) SchedulerOption {
	return func(s *Scheduler) {
		s.log = logger.ComponentLogger(name)
	}
}

// NewScheduler holds the lock for twice pollInterval so a slow cycle does
// not lose it before the next tick.
func NewScheduler(lockManager lock.DistributedLockManager, runnerState store.RunnerStateStore, processors []Processor, pollInterval time.Duration, opts ...SchedulerOption) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = constants.DefaultPollInterval
	}
	s := &Scheduler{
		lock:        lockManager,
		runnerState: runnerState,
		processors:  processors,
		lockTTL:     2 * pollInterval,
		batchSize:   constants.DefaultBatchSize,
		now:         time.Now,
		log:         logger.ComponentLogger("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunCycle is the timer entry point. Errors are logged and recorded in the
// runner state, never returned.
func (s *Scheduler) RunCycle(ctx context.Context) CycleResult {
	result, _ := s.cycle(ctx, false)
	return result
}

// TriggerManually runs a cycle now and returns the first processor error.
// It fails with ErrAlreadyProcessing instead of waiting for a running cycle.
func (s *Scheduler) TriggerManually(ctx context.Context) (CycleResult, error) {
	return s.cycle(ctx, true)
}

// IsRunning reports whether a cycle is in flight in this process.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) cycle(ctx context.Context, manual bool) (result CycleResult, err error) {
	if !s.running.CompareAndSwap(false, true) {
		if manual {
			return CycleResult{Skipped: SkippedBusy}, custom_errors.ErrAlreadyProcessing
		}
		s.log.Debug("previous cycle still running, skipping tick")
		return CycleResult{Skipped: SkippedBusy}, nil
	}
	defer s.running.Store(false)

	lockResult := s.lock.TryAcquire(ctx, s.lockTTL)
	if !lockResult.Acquired() {
		if lockResult.Outcome == lock.Failed {
			s.log.Warnw("scheduler lock attempt failed", logger.FieldError, lockResult.Err)
		} else {
			s.log.Debugw("scheduler lock held elsewhere, skipping tick", logger.FieldInstance, s.lock.Identity())
		}
		if manual {
			return CycleResult{Skipped: SkippedLockNotAcquired}, custom_errors.ErrLockNotAcquired
		}
		return CycleResult{Skipped: SkippedLockNotAcquired}, nil
	}

	startedAt := s.now()
	defer func() {
		// finish even when the caller's context was cancelled mid-cycle
		finishCtx := context.WithoutCancel(ctx)
		result.Duration = s.now().Sub(startedAt)
		s.saveRunnerState(finishCtx, startedAt, result)
		if releaseErr := s.lock.Release(finishCtx); releaseErr != nil {
			s.log.Warnw("release scheduler lock", logger.FieldError, releaseErr)
		}
	}()

	if cleared, cleanupErr := s.lock.CleanupExpired(ctx); cleanupErr != nil {
		s.log.Warnw("cleanup expired lease", logger.FieldError, cleanupErr)
	} else if cleared {
		s.log.Infow("cleared expired lock lease")
	}

	if s.reclaimer != nil {
		if n, reclaimErr := s.reclaimer.ReclaimStale(ctx, s.staleAfter); reclaimErr != nil {
			s.log.Warnw("reclaim stale jobs", logger.FieldError, reclaimErr)
		} else if n > 0 {
			s.log.Infow("reclaimed stale processing jobs", logger.FieldCount, n)
		}
	}

	result.Processed, result.Errors = s.runProcessors(ctx, startedAt.Add(-s.dueLag))
	if first := result.FirstError(); first != nil {
		s.log.Warnw("cycle finished with errors",
			logger.FieldCount, result.Processed,
			logger.FieldError, first)
		if manual {
			err = first
		}
	}
	return result, err
}

func (s *Scheduler) runProcessors(ctx context.Context, dueBefore time.Time) (int, []error) {
	counts := make([]int, len(s.processors))
	errs := make([]error, len(s.processors))

	var wg sync.WaitGroup
	for i, p := range s.processors {
		wg.Add(1)
		go func(i int, p Processor) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = errors.Newf("processor %s panicked: %v", p.Provider(), r)
				}
			}()
			n, err := p.ProcessPendingJobs(ctx, dueBefore, s.batchSize)
			counts[i] = n
			if err != nil {
				errs[i] = errors.Wrapf(err, "processor %s", p.Provider())
			}
		}(i, p)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, errs
}

func (s *Scheduler) saveRunnerState(ctx context.Context, startedAt time.Time, result CycleResult) {
	if s.runnerState == nil {
		return
	}
	rs := types.RunnerState{
		LastRunAt:         &startedAt,
		LastRunDurationMs: result.Duration.Milliseconds(),
		LastRunJobCount:   result.Processed,
	}
	if first := result.FirstError(); first != nil {
		msg := first.Error()
		rs.LastRunError = &msg
	}
	if err := s.runnerState.Save(ctx, rs); err != nil {
		s.log.Warnw("save runner state", logger.FieldError, err)
	}
	s.log.Debugw("cycle finished",
		logger.FieldCount, result.Processed,
		logger.FieldDurationMS, rs.LastRunDurationMs)
}

func (r SkipReason) String() string {
	switch r {
	case NotSkipped:
		return "not_skipped"
	case SkippedBusy:
		return "busy"
	case SkippedLockNotAcquired:
		return "lock_not_acquired"
	}
	return fmt.Sprintf("skip_reason(%d)", int(r))
}
