package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/notification-dispatch/internal/store"
)

// TickFunc does one unit of work and reports how many items it handled.
type TickFunc func(ctx context.Context) (int, error)

// Releaser is the part of the deferral store the release loop needs.
type Releaser interface {
	Release(ctx context.Context, now time.Time, fn store.ReleaseFunc) (int, error)
}

// ReleaseDue returns a TickFunc that hands every due deferred envelope to fn.
func ReleaseDue(r Releaser, fn store.ReleaseFunc) TickFunc {
	return func(ctx context.Context) (int, error) {
		return r.Release(ctx, time.Now(), fn)
	}
}

// Status is a point-in-time view of the loop for the ops API.
type Status struct {
	Running   bool      `json:"running"`
	Interval  string    `json:"interval"`
	Ticks     int64     `json:"ticks"`
	Handled   int64     `json:"handled"`
	LastTick  time.Time `json:"lastTick,omitzero"`
	LastError string    `json:"lastError,omitempty"`
}

type Scheduler struct {
	name     string
	interval time.Duration
	tickFn   TickFunc
	logger   *slog.Logger

	running atomic.Bool
	ticks   atomic.Int64
	handled atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	lastMu   sync.Mutex
	lastTick time.Time
	lastErr  error
}

func New(name string, interval time.Duration, tickFn TickFunc, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		tickFn:   tickFn,
		logger:   logger.With("loop", name),
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("scheduler started", "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.logger.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	st := Status{
		Running:  s.running.Load(),
		Interval: s.interval.String(),
		Ticks:    s.ticks.Load(),
		Handled:  s.handled.Load(),
		LastTick: s.lastTick,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) {
	start := time.Now()
	n, err := s.runTick(ctx)

	s.ticks.Add(1)
	s.handled.Add(int64(n))
	s.lastMu.Lock()
	s.lastTick = start
	s.lastErr = err
	s.lastMu.Unlock()

	switch {
	case err != nil:
		s.logger.Error("scheduler tick failed", "handled", n, "error", err)
	case n > 0:
		s.logger.Info("scheduler tick completed", "handled", n, "duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Scheduler) runTick(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return s.tickFn(ctx)
}
