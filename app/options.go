package app

import (
	"database/sql"
	"github.com/benjhiman/remember-me-sub000/internal/message_broaker"
	"github.com/benjhiman/remember-me-sub000/internal/provider"
	"github.com/benjhiman/remember-me-sub000/types"
	"github.com/redis/go-redis/v9"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject custom connections instead of creating from config
	db     *sql.DB
	redis  redis.UniversalClient
	broker message_broaker.MessageBroker

	whatsApp provider.WhatsAppSender
	handlers []handlerRegistration
}

type handlerRegistration struct {
	provider types.Provider
	jobType  types.JobType
	handler  provider.Handler
	rule     provider.RateRule
}

// WithDB injects a custom database connection. Useful for testing.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a custom Redis client. Useful for testing.
func WithRedis(redis redis.UniversalClient) ContainerOption {
	return func(c *containerConfig) {
		c.redis = redis
	}
}

// WithMessageBroker injects a broker instead of dialing RabbitMQ.
func WithMessageBroker(broker message_broaker.MessageBroker) ContainerOption {
	return func(c *containerConfig) {
		c.broker = broker
	}
}

// WithWhatsAppSender replaces the Twilio sender built from config.
func WithWhatsAppSender(sender provider.WhatsAppSender) ContainerOption {
	return func(c *containerConfig) {
		c.whatsApp = sender
	}
}

// WithHandler registers an extra job handler on a provider's processor.
func WithHandler(p types.Provider, jobType types.JobType, handler provider.Handler, rule provider.RateRule) ContainerOption {
	return func(c *containerConfig) {
		c.handlers = append(c.handlers, handlerRegistration{provider: p, jobType: jobType, handler: handler, rule: rule})
	}
}
