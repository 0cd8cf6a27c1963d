package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisStore shares windows across instances. The first hit of a window sets the key expiry.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	redisKey := redisKeyPrefix + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("incr rate limit key: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("expire rate limit key: %w", err)
		}
		return count, window, nil
	}

	resetIn, err := s.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ttl rate limit key: %w", err)
	}
	if resetIn < 0 {
		// A crash between INCR and PEXPIRE leaves a key without expiry; give it one.
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("expire rate limit key: %w", err)
		}
		resetIn = window
	}

	return count, resetIn, nil
}
