package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/notification-dispatch/internal/model"
)

const dayLayout = "2006-01-02"

const (
	fieldTotalBatches    = "totalBatches"
	fieldTotalMessages   = "totalMessages"
	fieldSuccessMessages = "successMessages"
	fieldFailedMessages  = "failedMessages"
)

type RedisStatsStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisStatsStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStatsStore {
	if ttl <= 0 {
		ttl = StatisticsTTL
	}
	return &RedisStatsStore{rdb: rdb, ttl: ttl}
}

func statsKey(day, businessType string) string {
	if businessType == "" {
		return keyPrefix + "stats:" + day
	}
	return keyPrefix + "stats:" + day + ":" + businessType
}

// Record increments the day counters and, when businessType is set, the
// per-business-type counters for the same day.
func (s *RedisStatsStore) Record(ctx context.Context, at time.Time, businessType string, res model.BatchResult) error {
	day := at.UTC().Format(dayLayout)

	keys := []string{statsKey(day, "")}
	if businessType != "" {
		keys = append(keys, statsKey(day, businessType))
	}

	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.HIncrBy(ctx, k, fieldTotalBatches, 1)
			p.HIncrBy(ctx, k, fieldTotalMessages, int64(res.TotalCount))
			p.HIncrBy(ctx, k, fieldSuccessMessages, int64(res.SuccessCount))
			p.HIncrBy(ctx, k, fieldFailedMessages, int64(res.FailureCount))
			p.Expire(ctx, k, s.ttl)
		}
		return nil
	})
	return err
}

func (s *RedisStatsStore) Get(ctx context.Context, day, businessType string) (*model.DailyStatistics, error) {
	vals, err := s.rdb.HGetAll(ctx, statsKey(day, businessType)).Result()
	if err != nil {
		return nil, err
	}

	out := &model.DailyStatistics{Day: day, BusinessType: businessType}
	for field, raw := range vals {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldTotalBatches:
			out.TotalBatches = n
		case fieldTotalMessages:
			out.TotalMessages = n
		case fieldSuccessMessages:
			out.SuccessMessages = n
		case fieldFailedMessages:
			out.FailedMessages = n
		}
	}
	return out, nil
}
