package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/notification-dispatch/internal/model"
)

type RedisStatusStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisStatusStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = StatusTTL
	}
	return &RedisStatusStore{rdb: rdb, ttl: ttl}
}

func statusKey(messageID string) string {
	return keyPrefix + "status:" + messageID
}

func (s *RedisStatusStore) Put(ctx context.Context, st model.ProcessingStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	st.UpdatedAt = st.UpdatedAt.UTC()

	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, statusKey(st.MessageID), b, s.ttl).Err()
}

// Get returns nil without error when no status is recorded (or it expired).
func (s *RedisStatusStore) Get(ctx context.Context, messageID string) (*model.ProcessingStatus, error) {
	raw, err := s.rdb.Get(ctx, statusKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var st model.ProcessingStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
