package config

import (
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/benjhiman/remember-me-sub000/internal/lock"
	"github.com/benjhiman/remember-me-sub000/internal/logger"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"time"
)

// LoadFromEnv reads an optional .env file and the process environment.
// Extra options are applied after the environment-derived ones.
func LoadFromEnv(opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Logger.Debugw("no .env file loaded", logger.FieldError, err)
	}

	v := viper.New()
	v.AutomaticEnv()
	return FromViper(v, opts...)
}

// SetDefaults registers the default of every recognised key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PROCESS_ROLE", "api")
	v.SetDefault("QUEUE_MODE", "direct-store")
	v.SetDefault("QUEUE_POLL_INTERVAL_MS", constants.DefaultPollInterval.Milliseconds())
	v.SetDefault("QUEUE_BATCH_SIZE", constants.DefaultBatchSize)
	v.SetDefault("QUEUE_ORPHAN_GRACE_MS", constants.DefaultOrphanGrace.Milliseconds())
	v.SetDefault("QUEUE_STALE_TIMEOUT_MS", constants.DefaultStaleJobTimeout.Milliseconds())
	v.SetDefault("WORKER_CONCURRENCY", constants.DefaultWorkerConcurrency)
	v.SetDefault("WORKER_RATE_LIMIT_PER_SEC", constants.DefaultIntakePerSecond)
	v.SetDefault("BROKER_EXCHANGE", DefaultBrokerExchange)
	v.SetDefault("BROKER_QUEUE", DefaultBrokerQueue)
	v.SetDefault("BROKER_MAX_ATTEMPTS", constants.DefaultBrokerMaxAttempts)
	v.SetDefault("BROKER_BACKOFF_BASE_MS", constants.DefaultBrokerBackoffBase.Milliseconds())
	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RECURRING_JOBS_ENABLED", true)
	v.SetDefault("RECURRING_AD_SPEND_CRON", DefaultAdSpendSpec)
	v.SetDefault("RECURRING_TOKEN_REFRESH_CRON", DefaultTokenRefreshSpec)
}

// FromViper builds a Config from v. BACKGROUND_JOBS_ENABLED defaults to
// true for workers and false for api processes.
func FromViper(v *viper.Viper, opts ...Option) (*Config, error) {
	SetDefaults(v)

	role, ok := ParseProcessRole(v.GetString("PROCESS_ROLE"))
	if !ok {
		return nil, errors.Newf("invalid PROCESS_ROLE %q", v.GetString("PROCESS_ROLE"))
	}
	mode, ok := ParseQueueMode(v.GetString("QUEUE_MODE"))
	if !ok {
		return nil, errors.Newf("invalid QUEUE_MODE %q", v.GetString("QUEUE_MODE"))
	}

	backgroundJobs := role == RoleWorker
	if v.IsSet("BACKGROUND_JOBS_ENABLED") {
		backgroundJobs = v.GetBool("BACKGROUND_JOBS_ENABLED")
	}

	instance := v.GetString("INSTANCE_ID")
	if instance == "" {
		instance = lock.ProcessIdentity()
	}

	envOpts := []Option{
		WithEnvironment(ParseEnvironment(v.GetString("APP_ENV"))),
		WithRole(role),
		WithBackgroundJobs(backgroundJobs),
		WithQueueMode(mode),
		WithPollInterval(millis(v, "QUEUE_POLL_INTERVAL_MS")),
		WithBatchSize(v.GetInt("QUEUE_BATCH_SIZE")),
		WithOrphanGrace(millis(v, "QUEUE_ORPHAN_GRACE_MS")),
		WithStaleJobTimeout(millis(v, "QUEUE_STALE_TIMEOUT_MS")),
		WithWorkerConcurrency(v.GetInt("WORKER_CONCURRENCY")),
		WithWorkerRateLimit(v.GetInt("WORKER_RATE_LIMIT_PER_SEC")),
		WithBrokerConfig(BrokerConfig{
			URL:         v.GetString("BROKER_URL"),
			Exchange:    v.GetString("BROKER_EXCHANGE"),
			Queue:       v.GetString("BROKER_QUEUE"),
			MaxAttempts: v.GetInt("BROKER_MAX_ATTEMPTS"),
			BackoffBase: millis(v, "BROKER_BACKOFF_BASE_MS"),
		}),
		WithRateLimit(RateLimitConfig{
			Enabled:  v.GetBool("RATE_LIMIT_ENABLED"),
			RedisURL: v.GetString("RATE_LIMIT_REDIS_URL"),
		}),
		WithTwilio(TwilioConfig{
			AccountSID:   v.GetString("TWILIO_ACCOUNT_SID"),
			AuthToken:    v.GetString("TWILIO_AUTH_TOKEN"),
			WhatsAppFrom: v.GetString("TWILIO_WHATSAPP_FROM"),
		}),
		WithRecurring(RecurringConfig{
			Enabled:          v.GetBool("RECURRING_JOBS_ENABLED"),
			AdSpendSpec:      v.GetString("RECURRING_AD_SPEND_CRON"),
			TokenRefreshSpec: v.GetString("RECURRING_TOKEN_REFRESH_CRON"),
		}),
	}
	if url := v.GetString("DATABASE_URL"); url != "" {
		envOpts = append(envOpts, WithDatabaseURL(url))
	}

	return NewConfig(instance, append(envOpts, opts...)...)
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}
