package client

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"time"
)

// PollRunner runs the scheduler cycle on a fixed interval.
type PollRunner struct {
	scheduler *Scheduler
	interval  time.Duration
}

func NewPollRunner(scheduler *Scheduler, interval time.Duration) *PollRunner {
	if interval <= 0 {
		interval = constants.DefaultPollInterval
	}
	return &PollRunner{scheduler: scheduler, interval: interval}
}

func (r *PollRunner) Run(ctx context.Context) error {
	logger.ComponentLogger("poll-runner").Infow("poll runner started", logger.FieldDurationMS, r.interval.Milliseconds())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.scheduler.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.scheduler.RunCycle(ctx)
		}
	}
}
