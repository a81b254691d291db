package app

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/internal/db"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/cockroachdb/errors"
	"time"
)

const shutdownTimeout = 30 * time.Second

// Migrate brings the queue schema up to date.
func (c *Container) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, c.DB)
}

// Run starts the recurring producers and the runner and blocks until ctx
// is cancelled, then shuts everything down. A process with background jobs
// disabled only waits for ctx.
func (c *Container) Run(ctx context.Context) error {
	if c.Recurring != nil {
		c.Recurring.Start()
	}

	var runErr error
	if c.Runner != nil {
		c.log.Infow("runner started", logger.FieldInstance, c.Config.Instance, logger.FieldBackend, c.Queue.Backend())
		runErr = c.Runner.Run(ctx)
	} else {
		<-ctx.Done()
	}

	c.log.Infow("shutting down gracefully")
	c.Shutdown(context.WithoutCancel(ctx))
	c.log.Infow("shutdown complete")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// Shutdown waits for running recurring ticks, releases the scheduler lock
// if this process holds it and closes every connection.
func (c *Container) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if c.Recurring != nil {
		c.Recurring.Stop(ctx)
	}
	if err := c.LockManager.Release(ctx); err != nil {
		c.log.Warnw("release scheduler lock", logger.FieldError, err)
	}
	c.closeConnections()
}
