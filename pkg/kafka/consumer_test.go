package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanReader struct {
	in chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newChanReader(msgs ...kafka.Message) *chanReader {
	r := &chanReader{in: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.in <- m
	}
	return r
}

func (r *chanReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.in:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *chanReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *chanReader) Close() error {
	r.closed = true
	return nil
}

func (r *chanReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type flakyHandler struct {
	mu       sync.Mutex
	failures int
	calls    int
	panics   bool
	seen     []string
}

func (h *flakyHandler) Topic() string { return "cascade.requests" }

func (h *flakyHandler) Handle(ctx context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.seen = append(h.seen, TraceIDFrom(ctx))
	if h.panics {
		panic("handler blew up")
	}
	if h.calls <= h.failures {
		return errors.New("stage service unavailable")
	}
	return nil
}

func newTestConsumer(t *testing.T, opts ...ConsumerOption) *Consumer {
	t.Helper()
	opts = append([]ConsumerOption{
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
	}, opts...)
	c, err := NewConsumer(opts...)
	require.NoError(t, err)
	return c
}

func TestNewConsumer_RequiresBrokers(t *testing.T) {
	_, err := NewConsumer(WithConsumerGroupID("g"))
	assert.ErrorIs(t, err, errNoBrokers)
}

func TestConsumer_RetriesThenCommits(t *testing.T) {
	c := newTestConsumer(t)
	h := &flakyHandler{failures: 2}
	c.RegisterHandler(h)
	r := newChanReader()

	c.process(delivery{topic: h.Topic(), km: kafka.Message{Offset: 7, Value: []byte(`{}`)}, reader: r})

	assert.Equal(t, 3, h.calls)
	assert.Equal(t, []int64{7}, r.commits())
}

func TestConsumer_ExhaustedRetriesGoToDLQ(t *testing.T) {
	c := newTestConsumer(t, WithConsumerDLQ("cascade.dlq"))
	dlq := &recordingWriter{}
	c.dlq = dlq
	h := &flakyHandler{panics: true}
	c.RegisterHandler(h)
	r := newChanReader()

	km := kafka.Message{Offset: 3, Key: []byte("req-1"), Value: []byte(`{"symbols":[]}`)}
	c.process(delivery{topic: h.Topic(), km: km, reader: r})

	assert.Equal(t, 3, h.calls)
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, km.Value, dlq.msgs[0].Value)
	assert.Equal(t, h.Topic(), headerValue(dlq.msgs[0], "source_topic"))
	assert.Equal(t, []int64{3}, r.commits())
}

func TestConsumer_StartStop(t *testing.T) {
	c := newTestConsumer(t, WithConsumerWorkers(2))
	assert.Error(t, c.Start())

	h := &flakyHandler{}
	c.RegisterHandler(h)
	c.RegisterHandler(&flakyHandler{})
	c.WithConsumerHook(NewHookChain(TracingHook()))

	r := newChanReader(
		kafka.Message{Partition: 0, Offset: 1, Key: []byte("a")},
		kafka.Message{Partition: 1, Offset: 2, Key: []byte("b")},
	)
	c.newReader = func(string) messageReader { return r }
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	assert.True(t, r.closed)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, h.seen)
}
