package main

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/app"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/types/config"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if err := logger.Initialize(false); err != nil {
		panic(err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Logger.Fatalw("invalid configuration", logger.FieldError, err)
	}
	if cfg.IsProduction() {
		if err := logger.Initialize(true); err != nil {
			logger.Logger.Fatalw("logger init failed", logger.FieldError, err)
		}
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := app.NewContainer(ctx, cfg)
	if err != nil {
		logger.Logger.Errorw("startup failed", logger.FieldError, err)
		os.Exit(1)
	}
	if err := container.Migrate(ctx); err != nil {
		container.Shutdown(context.Background())
		logger.Logger.Errorw("migration failed", logger.FieldError, err)
		os.Exit(1)
	}

	logger.Logger.Infow("worker starting",
		logger.FieldInstance, cfg.Instance,
		"role", cfg.Role.String(),
		"queue_mode", cfg.QueueMode.String(),
		"background_jobs", cfg.BackgroundJobsEnabled,
	)
	if err := container.Run(ctx); err != nil {
		logger.Logger.Errorw("worker stopped with error", logger.FieldError, err)
		os.Exit(1)
	}
}
