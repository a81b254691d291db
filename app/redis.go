package app

import (
	"context"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// parseRedisURL parses a connection string like redis://:password@host:port/db
func parseRedisURL(connectionString string) (*redis.Options, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis connection string")
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, errors.Newf("unsupported redis scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("redis connection string has no host")
	}

	password := ""
	username := ""
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	db := 0
	if u.Path != "" && u.Path != "/" {
		dbStr := strings.TrimPrefix(u.Path, "/")
		db, err = strconv.Atoi(dbStr)
		if err != nil {
			return nil, errors.Wrap(err, "invalid db number in connection string")
		}
	}

	return &redis.Options{
		Addr:         u.Host,
		Username:     username,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, nil
}

// openRedis connects to Redis. A failed ping is returned alongside the
// client; go-redis reconnects on its own, so callers may keep using it.
func openRedis(ctx context.Context, connectionString string) (*redis.Client, error) {
	options, err := parseRedisURL(connectionString)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return rdb, errors.Wrap(err, "failed to connect to redis")
	}
	return rdb, nil
}
