// Package provider executes jobs for one external provider. A Processor
// owns a registry of job-type handlers and applies the per-tenant rate
// limit before running any of them.
package provider

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/client"
	"github.com/benjhiman/remember-me-sub000/custom_errors"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/internal/ratelimit"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"strings"
	"time"
)

// Handler performs the side effect of one job. Handlers must tolerate being
// called more than once for the same job. Every error, including a
// rejected payload, counts as one attempt under the retry policy.
type Handler func(ctx context.Context, job types.Job) error

// RateRule limits how often one organization may run a job type.
// A zero Limit disables limiting.
type RateRule struct {
	Limit     int
	WindowSec int
}

type registration struct {
	handler Handler
	rule    RateRule
}

type Processor struct {
	provider types.Provider
	jobs     *client.JobManager
	limiter  *ratelimit.Limiter
	handlers map[types.JobType]registration
	now      func() time.Time
	log      *zap.SugaredLogger
}

type Option func(*Processor)

func WithHandler(jobType types.JobType, handler Handler, rule RateRule) Option {
	return func(p *Processor) {
		p.Register(jobType, handler, rule)
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor returns a processor for provider. limiter may be nil.
func NewProcessor(provider types.Provider, jobs *client.JobManager, limiter *ratelimit.Limiter, opts ...Option) *Processor {
	p := &Processor{
		provider: provider,
		jobs:     jobs,
		limiter:  limiter,
		handlers: make(map[types.JobType]registration),
		now:      time.Now,
		log:      logger.ComponentLogger("processor." + strings.ToLower(provider.String())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds or replaces the handler for jobType.
func (p *Processor) Register(jobType types.JobType, handler Handler, rule RateRule) {
	p.handlers[jobType] = registration{handler: handler, rule: rule}
}

// Handles reports whether a handler is registered for jobType.
func (p *Processor) Handles(jobType types.JobType) bool {
	_, ok := p.handlers[jobType]
	return ok
}

func (p *Processor) Provider() types.Provider {
	return p.provider
}

// ProcessPendingJobs runs the provider's due jobs one by one and records
// each outcome. Job failures go through the retry policy and are not
// returned; only fetch and status-write errors are.
func (p *Processor) ProcessPendingJobs(ctx context.Context, dueBefore time.Time, limit int) (int, error) {
	due, err := p.jobs.FetchDueBefore(ctx, &p.provider, dueBefore, limit)
	if err != nil {
		return 0, err
	}

	var storeErr error
	ran := 0
	for _, job := range due {
		executed, err := p.runStored(ctx, job)
		if executed {
			ran++
		}
		if err != nil {
			storeErr = errors.CombineErrors(storeErr, err)
		}
	}
	return ran, storeErr
}

func (p *Processor) runStored(ctx context.Context, job types.Job) (bool, error) {
	log := p.log.With(
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.JobType,
		logger.FieldOrganizationID, job.OrganizationID)

	reg, ok := p.handlers[job.JobType]
	if !ok {
		err := errors.Wrapf(custom_errors.ErrNoProcessor, "%s %s", p.provider, job.JobType)
		status, markErr := p.jobs.MarkFailed(ctx, job.ID, err.Error())
		log.Errorw("no handler for job type", logger.FieldError, err, "status", status)
		return false, markErr
	}

	if wait, limited := p.checkLimit(ctx, job, reg.rule); limited {
		log.Debugw("rate limited, postponing", logger.FieldDurationMS, wait.Milliseconds())
		return false, p.jobs.Postpone(ctx, job.ID, p.now().Add(wait), "rate limited")
	}

	if err := p.jobs.MarkProcessing(ctx, job.ID); err != nil {
		return false, err
	}

	runErr := p.execute(ctx, reg.handler, job)
	if runErr == nil {
		return true, p.jobs.MarkDone(ctx, job.ID)
	}

	if retryAfter, ok := custom_errors.AsRetryAfter(runErr); ok {
		return true, p.jobs.Postpone(ctx, job.ID, p.now().Add(retryAfter.After), retryAfter.Reason)
	}

	status, err := p.jobs.MarkFailed(ctx, job.ID, runErr.Error())
	log.Infow("job failed", logger.FieldError, runErr, "status", status)
	return true, err
}

// ProcessJobFromQueue runs one broker-delivered job. Status bookkeeping is
// left to the broker runner; errors are returned for the broker to retry.
func (p *Processor) ProcessJobFromQueue(ctx context.Context, msg types.QueueMessage) error {
	reg, ok := p.handlers[msg.JobType]
	if !ok {
		return errors.Wrapf(custom_errors.ErrNoProcessor, "%s %s", p.provider, msg.JobType)
	}

	job := types.Job{
		ID:             msg.JobID,
		OrganizationID: msg.OrganizationID,
		Provider:       msg.Provider,
		JobType:        msg.JobType,
		Payload:        msg.Payload,
		Attempts:       msg.Attempt,
	}

	if wait, limited := p.checkLimit(ctx, job, reg.rule); limited {
		return &custom_errors.RetryAfterError{After: wait, Reason: "rate limited"}
	}
	return p.execute(ctx, reg.handler, job)
}

func (p *Processor) execute(ctx context.Context, handler Handler, job types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// checkLimit reports whether job must wait, and for how long.
func (p *Processor) checkLimit(ctx context.Context, job types.Job, rule RateRule) (time.Duration, bool) {
	if p.limiter == nil || rule.Limit <= 0 {
		return 0, false
	}
	result := p.limiter.CheckLimit(ctx, ratelimit.Params{
		Action:         Action(p.provider, job.JobType),
		Limit:          rule.Limit,
		WindowSec:      rule.WindowSec,
		OrganizationID: job.OrganizationID,
	})
	if result.Allowed {
		return 0, false
	}
	wait := time.Second
	if result.RetryAfterSec != nil && *result.RetryAfterSec > 0 {
		wait = time.Duration(*result.RetryAfterSec) * time.Second
	}
	return wait, true
}

// Action is the rate-limit action name for a provider job type, for
// example "whatsapp.send_message".
func Action(provider types.Provider, jobType types.JobType) string {
	return strings.ToLower(provider.String() + "." + jobType.String())
}
