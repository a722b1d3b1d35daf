package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "pulse:idem:"

// Redis stores idempotency keys in Redis so they survive simulator restarts
// and can be shared across instances. Retention maps to the key TTL; zero
// keeps keys forever, matching the in-memory default.
type Redis struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedis(addr string, retention time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{client: client, retention: retention}, nil
}

func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Record(ctx context.Context, key string) error {
	if err := r.client.Set(ctx, redisKeyPrefix+key, 1, r.retention).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
