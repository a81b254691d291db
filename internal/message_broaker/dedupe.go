package message_broaker

import (
	"context"
	"github.com/benjhiman/remember-me-sub000/internal/constants"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"time"
)

// Deduper remembers message ids that were already submitted.
type Deduper interface {
	// Claim returns true the first time an id is seen within ttl.
	Claim(ctx context.Context, messageID string, ttl time.Duration) (bool, error)
	// Forget removes a claim so the id can be submitted again.
	Forget(ctx context.Context, messageID string) error
}

type RedisDeduper struct {
	client redis.UniversalClient
}

func NewRedisDeduper(client redis.UniversalClient) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) Claim(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupeKey(messageID), 1, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "claim message id %s", messageID)
	}
	return ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, messageID string) error {
	if err := d.client.Del(ctx, dedupeKey(messageID)).Err(); err != nil {
		return errors.Wrapf(err, "forget message id %s", messageID)
	}
	return nil
}

func dedupeKey(messageID string) string {
	return constants.BrokerDedupeKeyPrefix + ":" + messageID
}
