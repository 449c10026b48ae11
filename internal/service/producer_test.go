package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/notification-dispatch/internal/broker"
	"github.com/LeventeLantos/notification-dispatch/internal/config"
	"github.com/LeventeLantos/notification-dispatch/internal/model"
	"github.com/LeventeLantos/notification-dispatch/internal/service"
	"github.com/LeventeLantos/notification-dispatch/internal/store"
)

var testDestinations = config.Destinations{
	Single:     "notify.sms.single",
	Batch:      "notify.sms.batch",
	Template:   "notify.sms.template",
	DeadLetter: "notify.sms.dlq",
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newProducer(pub *fakePublisher, def *fakeDeferrer) *service.Producer {
	return service.NewProducer(pub, def, service.ProducerConfig{
		Destinations:  testDestinations,
		MaxRetryCount: 3,
		SourceSystem:  "records-admin",
	}, nil).WithClock(func() time.Time { return fixedNow })
}

func decode(t *testing.T, data []byte) model.Envelope {
	t.Helper()
	var env model.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestProducer_SendSingle(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	p := newProducer(pub, &fakeDeferrer{})

	id, err := p.SendSingle(context.Background(), "+36201234567", "your loan is due", service.Meta{
		BusinessType: "borrow",
		BusinessID:   "42",
		Actor:        "clerk",
		Priority:     model.High,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	require.Equal(t, "notify.sms.single.high", msg.Subject)
	require.Equal(t, "high", msg.Headers[broker.HeaderPriority])

	env := decode(t, msg.Data)
	require.Equal(t, id, env.MessageID)
	require.Equal(t, model.Single, env.MessageType)
	require.Equal(t, model.Immediate, env.SendMode)
	require.Equal(t, 0, env.RetryCount)
	require.Equal(t, 3, env.MaxRetryCount)
	require.Equal(t, "records-admin", env.SourceSystem)
	require.Equal(t, model.EnvelopeVersion, env.Version)
	require.True(t, env.CreateTime.Equal(fixedNow))
	require.Equal(t, "borrow", env.BusinessType)
}

func TestProducer_Routing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name string
		send func(p *service.Producer) error
		want string
	}{
		{"batch", func(p *service.Producer) error {
			_, err := p.SendBatch(ctx, []string{"+36201234567", "+36201234568"}, "hi", service.Meta{Priority: model.Normal})
			return err
		}, "notify.sms.batch.normal"},
		{"template single", func(p *service.Producer) error {
			_, err := p.SendTemplate(ctx, []string{"+36201234567"}, "tpl-due", map[string]string{"name": "Ann"}, service.Meta{})
			return err
		}, "notify.sms.template.low"},
		{"template many", func(p *service.Producer) error {
			_, err := p.SendTemplate(ctx, []string{"+36201234567", "+36201234568"}, "tpl-due", nil, service.Meta{})
			return err
		}, "notify.sms.batch.low"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pub := &fakePublisher{}
			require.NoError(t, tt.send(newProducer(pub, &fakeDeferrer{})))
			require.Len(t, pub.msgs, 1)
			require.Equal(t, tt.want, pub.msgs[0].Subject)
		})
	}
}

func TestProducer_RejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &fakePublisher{}
	p := newProducer(pub, &fakeDeferrer{})

	_, err := p.SendSingle(ctx, "", "hi", service.Meta{})
	require.ErrorIs(t, err, service.ErrInvalidRequest)

	_, err = p.SendBatch(ctx, nil, "hi", service.Meta{})
	require.ErrorIs(t, err, service.ErrInvalidRequest)

	_, err = p.SendTemplate(ctx, []string{"+36201234567"}, "", nil, service.Meta{})
	require.ErrorIs(t, err, service.ErrInvalidRequest)

	require.Empty(t, pub.msgs)
}

func TestProducer_PublishErrorIsReturned(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{err: broker.ErrClosed}
	_, err := newProducer(pub, &fakeDeferrer{}).SendSingle(context.Background(), "+36201234567", "hi", service.Meta{})
	require.ErrorIs(t, err, broker.ErrClosed)
}

func TestProducer_SendScheduled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := model.Envelope{MessageType: model.Single, Recipient: "+36201234567", Content: "reminder"}

	t.Run("future time is deferred", func(t *testing.T) {
		t.Parallel()

		pub := &fakePublisher{}
		def := &fakeDeferrer{}
		at := fixedNow.Add(10 * time.Minute)

		id, err := newProducer(pub, def).SendScheduled(ctx, env, at)
		require.NoError(t, err)
		require.Empty(t, pub.msgs)
		require.Equal(t, 1, def.count())

		got := def.last()
		require.Equal(t, 10*time.Minute, got.Delay)
		require.Equal(t, id, got.Env.MessageID)
		require.Equal(t, model.Scheduled, got.Env.SendMode)
		require.True(t, got.Env.ScheduledTime.Equal(at))
	})

	t.Run("past time sends now", func(t *testing.T) {
		t.Parallel()

		pub := &fakePublisher{}
		def := &fakeDeferrer{}

		_, err := newProducer(pub, def).SendScheduled(ctx, env, fixedNow.Add(-time.Minute))
		require.NoError(t, err)
		require.Zero(t, def.count())
		require.Len(t, pub.msgs, 1)

		sent := decode(t, pub.msgs[0].Data)
		require.Equal(t, model.Immediate, sent.SendMode)
		require.Nil(t, sent.ScheduledTime)
	})

	t.Run("store down does not send early", func(t *testing.T) {
		t.Parallel()

		pub := &fakePublisher{}
		def := &fakeDeferrer{err: store.ErrDeferralUnavailable}

		_, err := newProducer(pub, def).SendScheduled(ctx, env, fixedNow.Add(time.Hour))
		require.ErrorIs(t, err, store.ErrDeferralUnavailable)
		require.Empty(t, pub.msgs)
	})
}

func TestProducer_RetryIsMonotonic(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	p := newProducer(pub, &fakeDeferrer{})
	env := model.Envelope{
		MessageID:     "msg_retry",
		MessageType:   model.Single,
		Recipient:     "+36201234567",
		Content:       "hi",
		MaxRetryCount: 3,
	}

	for want := 1; want <= 3; want++ {
		next, retried, err := p.Retry(context.Background(), env)
		require.NoError(t, err)
		require.True(t, retried)
		require.Equal(t, env.RetryCount+1, next.RetryCount)
		require.Equal(t, want, next.RetryCount)
		env = next
	}

	next, retried, err := p.Retry(context.Background(), env)
	require.NoError(t, err)
	require.False(t, retried)
	require.Equal(t, 3, next.RetryCount)

	require.Len(t, pub.msgs, 3)
	for _, m := range pub.msgs {
		require.Equal(t, "notify.sms.single.low", m.Subject)
	}
}

func TestProducer_RetryAfterDefers(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	def := &fakeDeferrer{}
	env := model.Envelope{MessageID: "msg_1", MessageType: model.Batch, Recipients: []string{"+36201234567"}, Content: "x", MaxRetryCount: 3, RetryCount: 1}

	next, retried, err := newProducer(pub, def).RetryAfter(context.Background(), env, 20*time.Second)
	require.NoError(t, err)
	require.True(t, retried)
	require.Equal(t, 2, next.RetryCount)
	require.Empty(t, pub.msgs)
	require.Equal(t, 20*time.Second, def.last().Delay)
	require.Equal(t, 1, env.RetryCount, "original envelope is untouched")
}

func TestProducer_PublishDeadLetter(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	err := newProducer(pub, &fakeDeferrer{}).PublishDeadLetter(context.Background(), []byte("{bad"), "undecodable")
	require.NoError(t, err)

	require.Len(t, pub.msgs, 1)
	require.Equal(t, "notify.sms.dlq", pub.msgs[0].Subject)
	require.Equal(t, "undecodable", pub.msgs[0].Headers[service.HeaderError])
}
