package client

import (
	"context"
	"encoding/json"
	"github.com/benjhiman/remember-me-sub000/custom_errors"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/internal/message_broaker"
	"github.com/benjhiman/remember-me-sub000/internal/state"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"sync"
	"time"
)

const maxBrokerBackoff = time.Hour

// BrokerRunner consumes pushed jobs. Each delivery is routed to its
// provider's processor while the job row mirrors PROCESSING and DONE or
// FAILED. Failures are handed back to the broker with its own backoff; the
// store's retry policy is not applied in this mode.
type BrokerRunner struct {
	broker        message_broaker.MessageBroker
	jobs          *JobManager
	processors    map[types.Provider]Processor
	sem           *semaphore.Weighted
	intake        *rate.Limiter
	maxAttempts   int
	backoffBase   time.Duration
	sweeper       *Scheduler
	sweepInterval time.Duration
	deduper       message_broaker.Deduper
	log           *zap.SugaredLogger
}

type BrokerRunnerConfig struct {
	Concurrency     int
	IntakePerSecond int
	MaxAttempts     int
	BackoffBase     time.Duration
	// Sweeper, when set, runs every SweepInterval to pick up rows whose
	// publish never reached the broker.
	Sweeper       *Scheduler
	SweepInterval time.Duration
	// Deduper, when set, has the publish claim of a message released once
	// the message is acked or dead-lettered.
	Deduper message_broaker.Deduper
}

func NewBrokerRunner(broker message_broaker.MessageBroker, jobs *JobManager, processors []Processor, cfg BrokerRunnerConfig) *BrokerRunner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = constants.DefaultWorkerConcurrency
	}
	if cfg.IntakePerSecond <= 0 {
		cfg.IntakePerSecond = constants.DefaultIntakePerSecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultBrokerMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = constants.DefaultBrokerBackoffBase
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = constants.DefaultPollInterval
	}

	byProvider := make(map[types.Provider]Processor, len(processors))
	for _, p := range processors {
		byProvider[p.Provider()] = p
	}

	return &BrokerRunner{
		broker:        broker,
		jobs:          jobs,
		processors:    byProvider,
		sem:           semaphore.NewWeighted(int64(cfg.Concurrency)),
		intake:        rate.NewLimiter(rate.Limit(cfg.IntakePerSecond), cfg.IntakePerSecond),
		maxAttempts:   cfg.MaxAttempts,
		backoffBase:   cfg.BackoffBase,
		sweeper:       cfg.Sweeper,
		sweepInterval: cfg.SweepInterval,
		deduper:       cfg.Deduper,
		log:           logger.ComponentLogger("broker-runner"),
	}
}

func (r *BrokerRunner) Run(ctx context.Context) error {
	deliveries, err := r.broker.Consume(ctx)
	if err != nil {
		return errors.Wrap(err, "start broker consumer")
	}
	r.log.Info("broker runner started")

	var wg sync.WaitGroup
	if r.sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.sweep(ctx)
		}()
	}

	// in-flight jobs run to completion after shutdown starts
	handlerCtx := context.WithoutCancel(ctx)

	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("broker delivery channel closed")
			}
			if err := r.intake.Wait(ctx); err != nil {
				return r.requeueOnShutdown(d, err)
			}
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return r.requeueOnShutdown(d, err)
			}
			wg.Add(1)
			go func(d message_broaker.Delivery) {
				defer func() {
					r.sem.Release(1)
					wg.Done()
				}()
				r.Handle(handlerCtx, d)
			}(d)
		}
	}
}

func (r *BrokerRunner) requeueOnShutdown(d message_broaker.Delivery, cause error) error {
	if err := d.Requeue(); err != nil {
		r.log.Warnw("requeue delivery on shutdown", logger.FieldMessageID, d.ID, logger.FieldError, err)
	}
	return cause
}

func (r *BrokerRunner) sweep(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweeper.RunCycle(ctx)
		}
	}
}

// Handle processes one delivery and settles it.
func (r *BrokerRunner) Handle(ctx context.Context, d message_broaker.Delivery) {
	log := r.log.With(logger.FieldMessageID, d.ID, logger.FieldAttempt, d.Attempt)

	var msg types.QueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
		log.Errorw("undecodable message, dead-lettering", logger.FieldError, err)
		r.finish(ctx, log, d, d.DeadLetter())
		return
	}
	msg.Attempt = d.Attempt
	log = log.With(
		logger.FieldJobID, msg.JobID,
		logger.FieldJobType, msg.JobType,
		logger.FieldProvider, msg.Provider,
		logger.FieldOrganizationID, msg.OrganizationID)

	job, err := r.jobs.FindByID(ctx, msg.JobID)
	switch {
	case errors.Is(err, custom_errors.ErrJobNotFound):
		log.Warn("job row missing, dropping message")
		r.finish(ctx, log, d, d.DeadLetter())
		return
	case err != nil:
		log.Warnw("load job", logger.FieldError, err)
		r.settle(log, d.Retry(r.backoff(d.Attempt+1), false))
		return
	case job.Status == state.StatusDone:
		log.Debug("job already done, acking duplicate delivery")
		r.finish(ctx, log, d, d.Ack())
		return
	}

	processor, ok := r.processors[msg.Provider]
	if !ok {
		err := errors.Wrapf(custom_errors.ErrNoProcessor, "provider %s", msg.Provider)
		log.Errorw("no processor for provider", logger.FieldError, err)
		r.mirror(log, r.jobs.MarkFailedTerminal(ctx, msg.JobID, job.Attempts+1, err.Error()))
		r.finish(ctx, log, d, d.DeadLetter())
		return
	}

	// a row left PROCESSING by an earlier broker retry is expected here
	if job.Status != state.StatusProcessing && !state.IsValidTransition(job.Status, state.StatusProcessing) {
		log.Warnw("unexpected status transition", "from", job.Status, "to", state.StatusProcessing)
	}
	r.mirror(log, r.jobs.MarkProcessing(ctx, msg.JobID))

	runErr := r.process(ctx, processor, msg)
	if runErr == nil {
		r.mirror(log, r.jobs.MarkDone(ctx, msg.JobID))
		r.finish(ctx, log, d, d.Ack())
		return
	}

	if retryAfter, ok := custom_errors.AsRetryAfter(runErr); ok {
		log.Infow("job deferred", logger.FieldDurationMS, retryAfter.After.Milliseconds())
		r.mirror(log, r.jobs.Postpone(ctx, msg.JobID, time.Now().Add(retryAfter.After), retryAfter.Reason))
		r.settle(log, d.Retry(retryAfter.After, false))
		return
	}

	attempt := d.Attempt + 1
	if attempt >= r.maxAttempts {
		log.Warnw("job exhausted broker retries", logger.FieldError, runErr)
		r.mirror(log, r.jobs.MarkFailedTerminal(ctx, msg.JobID, attempt, runErr.Error()))
		r.finish(ctx, log, d, d.DeadLetter())
		return
	}

	delay := r.backoff(attempt)
	log.Infow("job failed, broker will retry",
		logger.FieldError, runErr,
		logger.FieldDurationMS, delay.Milliseconds())
	r.settle(log, d.Retry(delay, true))
}

func (r *BrokerRunner) process(ctx context.Context, p Processor, msg types.QueueMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("processor %s panicked: %v", p.Provider(), rec)
		}
	}()
	return p.ProcessJobFromQueue(ctx, msg)
}

// backoff is backoffBase * 2^(attempt-1), capped at one hour.
func (r *BrokerRunner) backoff(attempt int) time.Duration {
	delay := r.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBrokerBackoff {
			return maxBrokerBackoff
		}
	}
	return delay
}

func (r *BrokerRunner) mirror(log *zap.SugaredLogger, err error) {
	if err != nil {
		log.Warnw("mirror job status", logger.FieldError, err)
	}
}

// finish settles a delivery that leaves the broker for good and releases
// its publish claim, so a later enqueue with the same dedupe key publishes.
func (r *BrokerRunner) finish(ctx context.Context, log *zap.SugaredLogger, d message_broaker.Delivery, settleErr error) {
	r.settle(log, settleErr)
	if r.deduper == nil || settleErr != nil || d.ID == "" {
		return
	}
	if err := r.deduper.Forget(ctx, d.ID); err != nil {
		log.Debugw("release dedupe claim", logger.FieldError, err)
	}
}

func (r *BrokerRunner) settle(log *zap.SugaredLogger, err error) {
	if err != nil {
		log.Warnw("settle delivery", logger.FieldError, err)
	}
}
