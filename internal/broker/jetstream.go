package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamMaxAge = 7 * 24 * time.Hour

	// Handlers call Message.InProgress before each gateway call, so the ack
	// deadline only has to cover one of them.
	consumerAckWait = 5 * time.Minute

	redeliveryDelay = 30 * time.Second
)

var errHandlerPanic = errors.New("handler panic")

// JetStream is the NATS JetStream backed broker. All destinations live in
// one stream; each subscription is a durable consumer filtered on its
// destination.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	logger *slog.Logger

	mu        sync.Mutex
	consumers []jetstream.ConsumeContext
	inflight  sync.WaitGroup
}

func ConnectJetStream(ctx context.Context, url, stream string, destinations []string, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name("notification-dispatch"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	subjects := make([]string, 0, len(destinations))
	for _, d := range destinations {
		subjects = append(subjects, d, d+".>")
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamMaxAge,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", stream, err)
	}

	logger.Info("jetstream broker ready", "url", nc.ConnectedUrl(), "stream", stream, "subjects", subjects)
	return &JetStream{nc: nc, js: js, stream: stream, logger: logger}, nil
}

func (b *JetStream) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if b.nc.IsClosed() {
		return ErrClosed
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (b *JetStream) Subscribe(ctx context.Context, destination string, h Handler) error {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		Durable:        DurableName(destination),
		FilterSubjects: []string{destination, destination + ".>"},
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        consumerAckWait,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", destination, err)
	}

	cc, err := consumer.Consume(func(m jetstream.Msg) {
		b.inflight.Add(1)
		defer b.inflight.Done()

		msg := Message{
			Subject: m.Subject(),
			Data:    m.Data(),
			Headers: flattenHeaders(m.Headers()),
			InProgress: func() {
				if err := m.InProgress(); err != nil {
					b.logger.Warn("jetstream in-progress failed", "subject", m.Subject(), "error", err)
				}
			},
		}
		b.settle(m, msg.Subject, b.handle(ctx, h, msg))
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", destination, err)
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, cc)
	b.mu.Unlock()

	b.logger.Info("jetstream consumer started", "destination", destination, "durable", DurableName(destination))
	return nil
}

// Close stops the consumers and waits for handlers already running before
// draining the connection.
func (b *JetStream) Close() error {
	b.mu.Lock()
	for _, cc := range b.consumers {
		cc.Stop()
	}
	b.consumers = nil
	b.mu.Unlock()

	b.inflight.Wait()

	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}

func (b *JetStream) handle(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("jetstream handler panic recovered", "subject", msg.Subject, "panic", r)
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return h(ctx, msg)
}

// settle acks a handled message, naks a failed one for later redelivery and
// terminates one whose handler panicked.
func (b *JetStream) settle(m jetstream.Msg, subject string, herr error) {
	var err error
	switch {
	case herr == nil:
		err = m.Ack()
	case errors.Is(herr, errHandlerPanic):
		err = m.Term()
	default:
		b.logger.Warn("jetstream handler failed, redelivering", "subject", subject, "delay", redeliveryDelay, "error", herr)
		err = m.NakWithDelay(redeliveryDelay)
	}
	if err != nil {
		b.logger.Warn("jetstream settle failed", "subject", subject, "error", err)
	}
}

// DurableName derives a consumer name from a destination; NATS durable
// names cannot contain dots.
func DurableName(destination string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(destination)
}

func flattenHeaders(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
