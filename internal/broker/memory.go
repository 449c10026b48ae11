package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	memoryQueueSize = 1024

	defaultRedeliveryDelay = time.Second
)

// Memory is an in-process broker. Each subscription gets its own queue and
// goroutine, so one slow handler does not block other destinations. A
// handler error puts the message back on its queue after the redelivery
// delay.
type Memory struct {
	logger          *slog.Logger
	redeliveryDelay time.Duration

	mu     sync.RWMutex
	subs   []*memorySub
	closed bool
	done   chan struct{}

	senders sync.WaitGroup
	wg      sync.WaitGroup
}

type memorySub struct {
	destination string
	queue       chan Message
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger:          logger,
		redeliveryDelay: defaultRedeliveryDelay,
		done:            make(chan struct{}),
	}
}

func (m *Memory) WithRedeliveryDelay(d time.Duration) *Memory {
	m.redeliveryDelay = d
	return m
}

func (m *Memory) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	var targets []*memorySub
	for _, s := range m.subs {
		if matches(s.destination, subject) {
			targets = append(targets, s)
		}
	}
	m.senders.Add(1)
	m.mu.RUnlock()
	defer m.senders.Done()

	msg := Message{Subject: subject, Data: append([]byte(nil), data...), Headers: copyHeaders(headers)}
	for _, s := range targets {
		select {
		case s.queue <- msg:
		case <-m.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, destination string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	s := &memorySub{destination: destination, queue: make(chan Message, memoryQueueSize)}
	m.subs = append(m.subs, s)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-s.queue:
				if !ok {
					return
				}
				if err := m.deliver(ctx, h, msg); err != nil {
					m.logger.Warn("memory broker handler failed, redelivering",
						"subject", msg.Subject,
						"delay", m.redeliveryDelay,
						"error", err,
					)
					time.AfterFunc(m.redeliveryDelay, func() { m.requeue(s, msg) })
				}
			}
		}
	}()

	m.logger.Info("memory broker subscribed", "destination", destination)
	return nil
}

// Close stops accepting publishes and waits for queued messages to drain.
// Redeliveries still waiting on their delay are dropped.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	subs := m.subs
	m.mu.Unlock()

	m.senders.Wait()
	for _, s := range subs {
		close(s.queue)
	}
	m.wg.Wait()
	return nil
}

func (m *Memory) requeue(s *memorySub, msg Message) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		m.logger.Warn("memory broker closed, redelivery dropped", "subject", msg.Subject)
		return
	}
	m.senders.Add(1)
	m.mu.RUnlock()
	defer m.senders.Done()

	select {
	case s.queue <- msg:
	case <-m.done:
		m.logger.Warn("memory broker closed, redelivery dropped", "subject", msg.Subject)
	}
}

// deliver runs h. A panic is logged and the message dropped.
func (m *Memory) deliver(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("memory broker handler panic recovered", "subject", msg.Subject, "panic", r)
			err = nil
		}
	}()
	return h(ctx, msg)
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
