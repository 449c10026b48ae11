package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/notification-dispatch/internal/model"
)

const (
	deferredIndexKey = keyPrefix + "{deferred}:due"

	// payloads outlive their due time so a stalled release loop can still
	// pick them up; after that they expire with nobody left to send them.
	deferralGrace = 24 * time.Hour

	releaseBatch = 100
)

// RedisDeferralStore keeps deferred envelopes under an expiring key and a
// sorted index of due times. Deferring the same message id again replaces
// the previous entry, so duplicate deliveries collapse into one release.
type RedisDeferralStore struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func NewRedisDeferralStore(rdb redis.UniversalClient, logger *slog.Logger) *RedisDeferralStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDeferralStore{rdb: rdb, logger: logger}
}

func deferredKey(messageID string) string {
	return keyPrefix + "{deferred}:env:" + messageID
}

// deletes the payload only if it was not re-deferred while being released.
var releaseDone = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[2]) then
	return 0
end
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *RedisDeferralStore) Defer(ctx context.Context, env model.Envelope, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode deferred envelope: %w", err)
	}

	due := time.Now().Add(delay)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, deferredKey(env.MessageID), b, delay+deferralGrace)
		p.ZAdd(ctx, deferredIndexKey, redis.Z{Score: float64(due.UnixMilli()), Member: env.MessageID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeferralUnavailable, err)
	}
	return nil
}

// Release hands every envelope due at now to fn. An id is claimed by
// removing it from the index, so concurrent releasers never both send it.
// When fn fails the id goes back into the index for the next call.
func (s *RedisDeferralStore) Release(ctx context.Context, now time.Time, fn ReleaseFunc) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, deferredIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: releaseBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		claimed, err := s.rdb.ZRem(ctx, deferredIndexKey, id).Result()
		if err != nil {
			return released, err
		}
		if claimed == 0 {
			continue
		}

		raw, err := s.rdb.Get(ctx, deferredKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			s.logger.Warn("deferred envelope expired before release", "message_id", id)
			continue
		}
		if err != nil {
			s.requeue(ctx, id, now)
			return released, err
		}

		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Error("dropping undecodable deferred envelope", "message_id", id, "error", err)
			_ = s.rdb.Del(ctx, deferredKey(id)).Err()
			continue
		}

		if err := fn(ctx, env); err != nil {
			s.logger.Error("deferred release failed, will retry", "message_id", id, "error", err)
			s.requeue(ctx, id, now)
			continue
		}

		keys := []string{deferredKey(id), deferredIndexKey}
		if err := releaseDone.Run(ctx, s.rdb, keys, raw, id).Err(); err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn("failed to clear released envelope", "message_id", id, "error", err)
		}
		released++
	}
	return released, nil
}

// Pending reports how many envelopes are waiting, due or not.
func (s *RedisDeferralStore) Pending(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, deferredIndexKey).Result()
}

func (s *RedisDeferralStore) requeue(ctx context.Context, id string, now time.Time) {
	_ = s.rdb.ZAdd(ctx, deferredIndexKey, redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err()
}
