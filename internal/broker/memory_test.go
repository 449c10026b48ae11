package broker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func TestMemory_RoutesByDestination(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(nil)
	var single, batch recorder
	require.NoError(t, b.Subscribe(ctx, "notify.sms.single", single.handle))
	require.NoError(t, b.Subscribe(ctx, "notify.sms.batch", batch.handle))

	require.NoError(t, b.Publish(ctx, Subject("notify.sms.single", "high"), []byte("a"), map[string]string{HeaderPriority: "high"}))
	require.NoError(t, b.Publish(ctx, "notify.sms.batch", []byte("b"), nil))
	require.NoError(t, b.Publish(ctx, "notify.sms.singleton", []byte("c"), nil))

	require.NoError(t, b.Close())

	got := single.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "notify.sms.single.high", got[0].Subject)
	assert.Equal(t, "a", string(got[0].Data))
	assert.Equal(t, "high", got[0].Headers[HeaderPriority])

	require.Len(t, batch.snapshot(), 1)
}

func TestMemory_PublishAfterClose(t *testing.T) {
	t.Parallel()

	b := NewMemory(nil)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "x", nil, nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, b.Subscribe(context.Background(), "x", func(context.Context, Message) error { return nil }), ErrClosed)
}

func TestMemory_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(nil)
	var calls recorder
	first := true
	require.NoError(t, b.Subscribe(ctx, "d", func(ctx context.Context, m Message) error {
		if first {
			first = false
			panic("boom")
		}
		return calls.handle(ctx, m)
	}))

	require.NoError(t, b.Publish(ctx, "d", []byte("1"), nil))
	require.NoError(t, b.Publish(ctx, "d", []byte("2"), nil))
	require.NoError(t, b.Close())

	got := calls.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "2", string(got[0].Data))
}

func TestMemory_HandlerErrorRedelivers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(nil).WithRedeliveryDelay(10 * time.Millisecond)
	t.Cleanup(func() { _ = b.Close() })

	var (
		attempts atomic.Int64
		done     recorder
	)
	require.NoError(t, b.Subscribe(ctx, "d", func(ctx context.Context, m Message) error {
		if attempts.Add(1) < 3 {
			return errors.New("deferral store unavailable")
		}
		return done.handle(ctx, m)
	}))

	require.NoError(t, b.Publish(ctx, "d", []byte("1"), nil))

	require.Eventually(t, func() bool { return len(done.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestMemory_CloseUnblocksPublisherOnFullQueue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(nil)
	release := make(chan struct{})
	require.NoError(t, b.Subscribe(ctx, "d", func(context.Context, Message) error {
		<-release
		return nil
	}))

	// One message held by the handler plus a full queue.
	for i := 0; i <= memoryQueueSize; i++ {
		require.NoError(t, b.Publish(ctx, "d", nil, nil))
	}

	published := make(chan error, 1)
	go func() { published <- b.Publish(ctx, "d", nil, nil) }()

	closed := make(chan struct{})
	go func() {
		_ = b.Close()
		close(closed)
	}()

	select {
	case err := <-published:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher still blocked after Close")
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestMessageTouch(t *testing.T) {
	t.Parallel()

	Message{}.Touch()

	var n int
	Message{InProgress: func() { n++ }}.Touch()
	assert.Equal(t, 1, n)
}

func TestSubjectAndDurableName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "notify.sms.batch", Subject("notify.sms.batch", ""))
	assert.Equal(t, "notify.sms.batch.low", Subject("notify.sms.batch", "low"))
	assert.Equal(t, "notify_sms_batch", DurableName("notify.sms.batch"))

	assert.True(t, matches("notify.sms.batch", "notify.sms.batch"))
	assert.True(t, matches("notify.sms.batch", "notify.sms.batch.high"))
	assert.False(t, matches("notify.sms.batch", "notify.sms.batches"))
}

// Requires a JetStream enabled server, e.g. `nats-server -js`.
func TestJetStream_PublishSubscribe(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dest := "notifytest.sms.single"
	b, err := ConnectJetStream(ctx, url, "NOTIFYTEST", []string{dest}, nil)
	require.NoError(t, err)
	defer b.Close()

	var rec recorder
	require.NoError(t, b.Subscribe(ctx, dest, rec.handle))
	require.NoError(t, b.Publish(ctx, Subject(dest, "normal"), []byte("payload"), map[string]string{HeaderPriority: "normal"}))

	require.Eventually(t, func() bool {
		for _, m := range rec.snapshot() {
			if string(m.Data) == "payload" && m.Headers[HeaderPriority] == "normal" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}
