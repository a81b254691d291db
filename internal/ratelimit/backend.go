package ratelimit

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"time"
)

// Backend stores the window counters.
type Backend interface {
	// IncrementWindow atomically increments key, (re)sets its expiry and
	// returns the post-increment count.
	IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// DeleteByPattern removes every key matching a glob pattern.
	DeleteByPattern(ctx context.Context, pattern string) error
}

type RedisBackend struct {
	client   redis.UniversalClient
	scanSize int64
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client, scanSize: 100}
}

func (b *RedisBackend) IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "increment %s", key)
	}
	return incr.Val(), nil
}

func (b *RedisBackend) DeleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, b.scanSize).Result()
		if err != nil {
			return errors.Wrapf(err, "scan %s", pattern)
		}
		if len(keys) > 0 {
			if err := b.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Wrapf(err, "delete %d keys", len(keys))
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
