package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "feed-mirror:cursor:"

// Redis stores the cursor as a plain string key.
type Redis struct {
	rdb *redis.Client
	key string
}

// OpenRedis connects to the Redis server at redisURL and verifies the
// connection.
func OpenRedis(ctx context.Context, redisURL, key string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{rdb: rdb, key: redisKeyPrefix + key}, nil
}

func (r *Redis) GetCursor(ctx context.Context) (string, bool, error) {
	id, err := r.rdb.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cursor: %w", err)
	}
	return id, true, nil
}

func (r *Redis) UpdateCursor(ctx context.Context, id string) error {
	if err := r.rdb.Set(ctx, r.key, id, 0).Err(); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
