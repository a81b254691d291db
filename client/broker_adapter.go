package client

import (
	"context"
	"encoding/json"
	"github.com/benjhiman/remember-me-sub000/custom_errors"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/internal/message_broaker"
	"github.com/benjhiman/remember-me-sub000/types"
	"go.uber.org/zap"
	"time"
)

// BrokerAdapter writes the durable job row first and then publishes it to
// the broker. The row stays authoritative: a failed publish is logged and the
// job is left for the orphan sweep.
type BrokerAdapter struct {
	jobs      *JobManager
	broker    message_broaker.MessageBroker
	deduper   message_broaker.Deduper
	dedupeTTL time.Duration
	now       func() time.Time
	log       *zap.SugaredLogger
}

type BrokerAdapterOption func(*BrokerAdapter)

// WithDeduper guards publishes with a shared message-id claim so that the
// same logical job is published once while it is in flight. The broker
// runner releases the claim when the message is settled for good; ttl only
// bounds claims whose message is lost.
func WithDeduper(deduper message_broaker.Deduper, ttl time.Duration) BrokerAdapterOption {
	return func(a *BrokerAdapter) {
		a.deduper = deduper
		if ttl > 0 {
			a.dedupeTTL = ttl
		}
	}
}

func WithBrokerAdapterClock(now func() time.Time) BrokerAdapterOption {
	return func(a *BrokerAdapter) {
		a.now = now
	}
}

// NewBrokerAdapter builds an adapter around broker. A nil broker yields a
// disabled adapter; callers only pass a broker when the process is a worker
// running in broker mode with background jobs enabled.
func NewBrokerAdapter(jobs *JobManager, broker message_broaker.MessageBroker, opts ...BrokerAdapterOption) *BrokerAdapter {
	a := &BrokerAdapter{
		jobs:      jobs,
		broker:    broker,
		dedupeTTL: constants.DefaultDedupeTTL,
		now:       time.Now,
		log:       logger.ComponentLogger("broker-adapter"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *BrokerAdapter) IsEnabled() bool {
	return a.broker != nil
}

func (a *BrokerAdapter) Enqueue(ctx context.Context, params types.EnqueueParams) (*types.JobHandle, error) {
	if !a.IsEnabled() {
		return nil, custom_errors.ErrBrokerDisabled
	}

	job, err := a.jobs.Enqueue(ctx, params)
	if err != nil {
		return nil, err
	}

	handle := &types.JobHandle{
		JobID:   job.ID,
		RunAt:   job.RunAt,
		Backend: BackendBroker,
	}

	messageID := MessageID(job)
	log := a.log.With(
		logger.FieldJobID, job.ID,
		logger.FieldMessageID, messageID,
		logger.FieldJobType, job.JobType,
		logger.FieldOrganizationID, job.OrganizationID)

	if a.deduper != nil {
		claimed, err := a.deduper.Claim(ctx, messageID, a.dedupeTTL)
		if err != nil {
			log.Warnw("dedupe check failed, publishing anyway", logger.FieldError, err)
		} else if !claimed {
			log.Debug("message already published, skipping")
			handle.MessageID = messageID
			return handle, nil
		}
	}

	body, err := json.Marshal(types.QueueMessage{
		JobID:          job.ID,
		JobType:        job.JobType,
		Provider:       job.Provider,
		OrganizationID: job.OrganizationID,
		Payload:        job.Payload,
	})
	if err != nil {
		log.Errorw("encode queue message", logger.FieldError, err)
		return handle, nil
	}

	msg := message_broaker.Message{
		ID:    messageID,
		Body:  body,
		Delay: a.delayUntil(job.RunAt),
	}
	if err := a.broker.Publish(ctx, msg); err != nil {
		log.Warnw("broker publish failed, job left for store sweep", logger.FieldError, err)
		if a.deduper != nil {
			if err := a.deduper.Forget(ctx, messageID); err != nil {
				log.Debugw("release dedupe claim", logger.FieldError, err)
			}
		}
		return handle, nil
	}

	handle.MessageID = messageID
	return handle, nil
}

func (a *BrokerAdapter) delayUntil(runAt time.Time) time.Duration {
	delay := runAt.Sub(a.now())
	if delay < 0 {
		return 0
	}
	return delay
}

// MessageID is the deterministic broker message id for a stored job:
// "{jobType}:{organizationId}:{dedupeKey}" when the row has a dedupe key,
// otherwise the job row id.
func MessageID(job *types.Job) string {
	if job.DedupeKey == nil || *job.DedupeKey == "" {
		return job.ID
	}
	return job.JobType.String() + ":" + job.OrganizationID + ":" + *job.DedupeKey
}
