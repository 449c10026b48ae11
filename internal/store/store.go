package store

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/notification-dispatch/internal/model"
)

const (
	StatusTTL     = 7 * 24 * time.Hour
	StatisticsTTL = 30 * 24 * time.Hour

	keyPrefix = "notify:"
)

var ErrDeferralUnavailable = errors.New("deferral store unavailable")

type StatusStore interface {
	Put(ctx context.Context, st model.ProcessingStatus) error
	Get(ctx context.Context, messageID string) (*model.ProcessingStatus, error)
}

type StatsStore interface {
	Record(ctx context.Context, at time.Time, businessType string, res model.BatchResult) error
	Get(ctx context.Context, day, businessType string) (*model.DailyStatistics, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, recipient, category string) (bool, error)
}

// ReleaseFunc receives an envelope whose deferral has expired.
type ReleaseFunc func(ctx context.Context, env model.Envelope) error

type DeferralStore interface {
	Defer(ctx context.Context, env model.Envelope, delay time.Duration) error
	Release(ctx context.Context, now time.Time, fn ReleaseFunc) (int, error)
}
