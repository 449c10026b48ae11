package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a fixed-window counter shared by every dispatcher
// instance pointed at the same Redis.
type RedisRateLimiter struct {
	rdb    redis.UniversalClient
	max    int64
	window time.Duration
	now    func() time.Time
}

func NewRedisRateLimiter(rdb redis.UniversalClient, max int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		rdb:    rdb,
		max:    int64(max),
		window: window,
		now:    time.Now,
	}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, recipient, category string) (bool, error) {
	windowStart := l.now().Truncate(l.window).Unix()
	key := fmt.Sprintf("%srate:%s:%s:%d", keyPrefix, category, recipient, windowStart)

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= l.max, nil
}
