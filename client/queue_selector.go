package client

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/types"
	"go.uber.org/zap"
)

// QueueSelector is the QueueAdapter producers use. It picks the broker
// adapter at construction when one is given and enabled, and falls back to
// the direct-store adapter once for any call the broker path fails.
type QueueSelector struct {
	primary  QueueAdapter
	fallback *DirectStoreAdapter
	log      *zap.SugaredLogger
}

func NewQueueSelector(direct *DirectStoreAdapter, broker QueueAdapter) *QueueSelector {
	s := &QueueSelector{
		primary:  direct,
		fallback: direct,
		log:      logger.ComponentLogger("queue-selector"),
	}
	if broker != nil && broker.IsEnabled() {
		s.primary = broker
	}
	s.log.Infow("queue adapter selected", logger.FieldBackend, s.Backend())
	return s
}

func (s *QueueSelector) Enqueue(ctx context.Context, params types.EnqueueParams) (*types.JobHandle, error) {
	if s.primary == QueueAdapter(s.fallback) {
		return s.fallback.Enqueue(ctx, params)
	}

	handle, err := s.primary.Enqueue(ctx, params)
	if err == nil {
		return handle, nil
	}

	s.log.Warnw("broker enqueue failed, falling back to direct store",
		logger.FieldJobType, params.JobType,
		logger.FieldOrganizationID, params.OrganizationID,
		logger.FieldError, err)
	return s.fallback.Enqueue(ctx, params)
}

func (s *QueueSelector) IsEnabled() bool {
	return true
}

// Backend names the adapter chosen at construction.
func (s *QueueSelector) Backend() string {
	if s.primary == QueueAdapter(s.fallback) {
		return BackendDirectStore
	}
	return BackendBroker
}
