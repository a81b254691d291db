package app

import (
	"context"
	"database/sql"
	"github.com/benjhiman/remember-me-sub000/client"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/internal/db"
	"github.com/benjhiman/remember-me-sub000/internal/lock"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/benjhiman/remember-me-sub000/internal/message_broaker"
	"github.com/benjhiman/remember-me-sub000/internal/provider"
	"github.com/benjhiman/remember-me-sub000/internal/ratelimit"
	"github.com/benjhiman/remember-me-sub000/internal/recurring"
	"github.com/benjhiman/remember-me-sub000/internal/store"
	"github.com/benjhiman/remember-me-sub000/internal/store/postgres"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/benjhiman/remember-me-sub000/types/config"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// whatsAppSendRule caps outbound WhatsApp messages per organization.
var whatsAppSendRule = provider.RateRule{Limit: 30, WindowSec: 60}

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.Config

	// Storage connections (created once, shared by all stores)
	DB    *sql.DB
	Redis redis.UniversalClient

	JobStore    *postgres.PostgresJobStore
	RunnerState store.RunnerStateStore

	// Infrastructure
	LockManager   lock.DistributedLockManager
	Limiter       *ratelimit.Limiter
	MessageBroker message_broaker.MessageBroker

	Jobs       *client.JobManager
	Queue      *client.QueueSelector
	Processors []client.Processor
	Scheduler  *client.Scheduler

	// Runner and Recurring are nil when background jobs are disabled.
	Runner    client.Runner
	Recurring *recurring.Scheduler

	log *zap.SugaredLogger
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle.
// Pass optional WithDB, WithRedis, WithMessageBroker to inject connections for testing.
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (_ *Container, err error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	c := &Container{
		Config: cfg,
		log:    logger.ComponentLogger("app"),
	}
	defer func() {
		if err != nil {
			c.closeConnections()
		}
	}()

	c.DB = opt.db
	if c.DB == nil {
		if c.DB, err = db.Open(ctx, cfg.DatabaseURL); err != nil {
			return nil, errors.Wrap(err, "init storage")
		}
	}

	c.Redis = opt.redis
	if c.Redis == nil && cfg.RateLimit.Enabled && cfg.RateLimit.RedisURL != "" {
		rdb, redisErr := openRedis(ctx, cfg.RateLimit.RedisURL)
		if rdb == nil {
			return nil, errors.Wrap(redisErr, "init redis")
		}
		if redisErr != nil {
			// counters fail open until redis becomes reachable
			c.log.Warnw("redis unavailable at startup", logger.FieldError, redisErr)
		}
		c.Redis = rdb
	}

	c.JobStore = postgres.NewPostgresJobStore(c.DB)
	c.RunnerState = postgres.NewPostgresRunnerStateStore(c.DB)
	c.LockManager = lock.NewPostgresDistributedLockManager(c.DB, constants.SchedulerLock, cfg.Instance)

	var backend ratelimit.Backend
	if c.Redis != nil {
		backend = ratelimit.NewRedisBackend(c.Redis)
	}
	c.Limiter = ratelimit.NewLimiter(backend, cfg.RateLimit.Enabled)

	c.Jobs = client.NewJobManager(c.JobStore, c.RunnerState)

	if cfg.UseBroker() {
		c.MessageBroker = opt.broker
		if c.MessageBroker == nil {
			rabbit, brokerErr := message_broaker.NewRabbitMQ(message_broaker.RabbitMQConfig{
				URL:         cfg.Broker.URL,
				Exchange:    cfg.Broker.Exchange,
				Queue:       cfg.Broker.Queue,
				ConsumerTag: cfg.Instance,
				Prefetch:    cfg.WorkerConcurrency * 2,
			})
			if brokerErr != nil {
				return nil, errors.Wrap(brokerErr, "init rabbitmq")
			}
			c.MessageBroker = rabbit
		}
	}

	direct := client.NewDirectStoreAdapter(c.Jobs)
	var brokerAdapter client.QueueAdapter
	var deduper message_broaker.Deduper
	if c.MessageBroker != nil {
		var adapterOpts []client.BrokerAdapterOption
		if c.Redis != nil {
			deduper = message_broaker.NewRedisDeduper(c.Redis)
			adapterOpts = append(adapterOpts, client.WithDeduper(deduper, constants.DefaultDedupeTTL))
		}
		brokerAdapter = client.NewBrokerAdapter(c.Jobs, c.MessageBroker, adapterOpts...)
	}
	c.Queue = client.NewQueueSelector(direct, brokerAdapter)

	var byProvider map[types.Provider]*provider.Processor
	if c.Processors, byProvider, err = c.buildProcessors(opt); err != nil {
		return nil, err
	}

	schedulerOpts := []client.SchedulerOption{client.WithBatchSize(cfg.BatchSize)}
	if c.MessageBroker == nil {
		// broker retries keep rows PROCESSING between deliveries, so only
		// poll mode treats a long PROCESSING row as abandoned
		schedulerOpts = append(schedulerOpts, client.WithStaleReclaim(c.Jobs, cfg.StaleJobTimeout))
	}
	c.Scheduler = client.NewScheduler(c.LockManager, c.RunnerState, c.Processors, cfg.PollInterval, schedulerOpts...)

	if !cfg.BackgroundJobsEnabled {
		c.log.Infow("background jobs disabled", logger.FieldInstance, cfg.Instance)
		return c, nil
	}

	if c.MessageBroker != nil {
		sweeper := client.NewScheduler(c.LockManager, c.RunnerState, c.Processors, cfg.PollInterval,
			client.WithBatchSize(cfg.BatchSize),
			client.WithDueLag(cfg.OrphanGrace),
			client.WithSchedulerName("orphan-sweep"),
		)
		c.Runner = client.NewBrokerRunner(c.MessageBroker, c.Jobs, c.Processors, client.BrokerRunnerConfig{
			Concurrency:     cfg.WorkerConcurrency,
			IntakePerSecond: cfg.WorkerRateLimitPerSec,
			MaxAttempts:     cfg.Broker.MaxAttempts,
			BackoffBase:     cfg.Broker.BackoffBase,
			Sweeper:         sweeper,
			SweepInterval:   cfg.OrphanGrace,
			Deduper:         deduper,
		})
	} else {
		c.Runner = client.NewPollRunner(c.Scheduler, cfg.PollInterval)
	}

	if cfg.Recurring.Enabled {
		c.Recurring = recurring.NewScheduler(c.Queue, c.JobStore)
		for _, task := range []recurring.Task{
			recurring.AdSpendTask(cfg.Recurring.AdSpendSpec),
			recurring.TokenRefreshTask(cfg.Recurring.TokenRefreshSpec),
		} {
			task.Providers = handledProviders(byProvider, task)
			if len(task.Providers) == 0 {
				c.log.Infow("no handler for recurring task, not scheduling it",
					logger.FieldTask, task.Name,
					logger.FieldJobType, task.JobType)
				continue
			}
			if err = c.Recurring.Add(task); err != nil {
				return nil, err
			}
		}
	}

	c.log.Infow("container ready",
		logger.FieldInstance, cfg.Instance,
		logger.FieldBackend, c.Queue.Backend(),
		"processors", len(c.Processors),
		"recurring", c.Recurring != nil,
	)
	return c, nil
}

// handledProviders keeps the task's providers whose processor can run the
// task's job type, so no tick enqueues jobs that can only fail.
func handledProviders(byProvider map[types.Provider]*provider.Processor, task recurring.Task) []types.Provider {
	var handled []types.Provider
	for _, p := range task.Providers {
		if processor, ok := byProvider[p]; ok && processor.Handles(task.JobType) {
			handled = append(handled, p)
		}
	}
	return handled
}

// buildProcessors creates one processor per provider. WhatsApp sending is
// registered when a sender is injected or Twilio is configured.
func (c *Container) buildProcessors(opt *containerConfig) ([]client.Processor, map[types.Provider]*provider.Processor, error) {
	byProvider := make(map[types.Provider]*provider.Processor, len(types.AllProviders))
	processors := make([]client.Processor, 0, len(types.AllProviders))
	for _, p := range types.AllProviders {
		processor := provider.NewProcessor(p, c.Jobs, c.Limiter)
		byProvider[p] = processor
		processors = append(processors, processor)
	}

	sender := opt.whatsApp
	if sender == nil && c.Config.Twilio.Configured() {
		twilioSender, err := provider.NewTwilioSender(c.Config.Twilio.AccountSID, c.Config.Twilio.AuthToken, c.Config.Twilio.WhatsAppFrom)
		if err != nil {
			return nil, nil, errors.Wrap(err, "init twilio")
		}
		sender = twilioSender
	}
	if sender != nil {
		byProvider[types.ProviderWhatsApp].Register(types.JobTypeSendMessage, provider.SendWhatsAppMessage(sender), whatsAppSendRule)
	} else {
		c.log.Warnw("no WhatsApp sender configured, SEND_MESSAGE jobs will fail", logger.FieldProvider, types.ProviderWhatsApp)
	}

	for _, h := range opt.handlers {
		processor, ok := byProvider[h.provider]
		if !ok {
			return nil, nil, errors.Newf("unknown provider %s for handler %s", h.provider, h.jobType)
		}
		processor.Register(h.jobType, h.handler, h.rule)
	}
	return processors, byProvider, nil
}

func (c *Container) closeConnections() {
	if c.MessageBroker != nil {
		if err := c.MessageBroker.Close(); err != nil {
			c.log.Warnw("close broker", logger.FieldError, err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.log.Warnw("close redis", logger.FieldError, err)
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.log.Warnw("close database", logger.FieldError, err)
		}
	}
}
