package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoPayload struct {
	RequestID string   `json:"requestId"`
	Symbols   []string `json:"symbols"`
}

type recordingJob struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []echoPayload
}

func (j *recordingJob) Name() string { return "recording" }
func (j *recordingJob) Type() string { return "echo" }

func (j *recordingJob) Handle(_ context.Context, payload interface{}) error {
	p, err := ParsePayload[echoPayload](payload)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	if j.calls <= j.failures {
		return errors.New("not yet")
	}
	j.got = append(j.got, *p)
	return nil
}

func (j *recordingJob) snapshot() (int, []echoPayload) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls, append([]echoPayload(nil), j.got...)
}

func newQueue(t *testing.T, cfg *QueueConfig, job Job) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(nil, cfg, client, ModeProducerConsumer, WithKeyPrefix("test:queue"))
	q.RegisterJobs([]Job{job})
	require.NoError(t, q.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func TestRedisQueue_DeliversPayload(t *testing.T) {
	job := &recordingJob{}
	q := newQueue(t, &QueueConfig{Workers: 2}, job)

	require.NoError(t, q.Enqueue(context.Background(), "echo", echoPayload{RequestID: "r1", Symbols: []string{"AAPL"}}))

	require.Eventually(t, func() bool {
		_, got := job.snapshot()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)
	_, got := job.snapshot()
	assert.Equal(t, "r1", got[0].RequestID)
	assert.Equal(t, []string{"AAPL"}, got[0].Symbols)

	assert.ErrorIs(t, q.Enqueue(context.Background(), "unknown", echoPayload{}), ErrUnknownJob)
}

func TestRedisQueue_RetriesThenSucceeds(t *testing.T) {
	job := &recordingJob{failures: 1}
	q := newQueue(t, &QueueConfig{Workers: 1, RetryLimit: 1, RetryDelay: time.Millisecond, RetryPoll: 20 * time.Millisecond}, job)

	require.NoError(t, q.PublishMessage(context.Background(), "echo", echoPayload{RequestID: "r2", Symbols: []string{"X"}}))

	require.Eventually(t, func() bool {
		calls, got := job.snapshot()
		return calls == 2 && len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRedisQueue_DeadLettersAfterRetryLimit(t *testing.T) {
	job := &recordingJob{failures: 100}
	q := newQueue(t, &QueueConfig{Workers: 1, RetryLimit: 0}, job)

	require.NoError(t, q.Enqueue(context.Background(), "echo", echoPayload{RequestID: "r3", Symbols: []string{"X"}}))

	require.Eventually(t, func() bool {
		st, err := q.Stats(context.Background())
		return err == nil && st.DeadLetters == 1
	}, 3*time.Second, 10*time.Millisecond)
	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Retrying)
}

func TestRedisQueue_EnqueueWhenStopped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisQueue(nil, nil, client, ModeConsumerOnly)
	q.RegisterJob(&recordingJob{})
	assert.ErrorIs(t, q.Enqueue(context.Background(), "echo", echoPayload{}), ErrNotRunning)
	assert.NoError(t, q.Stop(context.Background()))
}

func TestRedisQueue_PromoteMovesOnlyDueRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	q := NewRedisQueue(nil, &QueueConfig{}, client, ModeProducerOnly, WithKeyPrefix("p"))
	now := time.UnixMilli(1_700_000_000_000)
	q.scheduleRetry(Message{ID: "due", Type: "echo"}, now.Add(-time.Second))
	q.scheduleRetry(Message{ID: "later", Type: "echo"}, now.Add(time.Minute))

	moved, err := q.promote(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Retrying: 1}, st)

	items, err := mr.List("p:messages")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], `"id":"due"`)
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload[echoPayload](json.RawMessage(`{"requestId":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "a", p.RequestID)

	p, err = ParsePayload[echoPayload](map[string]interface{}{"symbols": []interface{}{"X"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, p.Symbols)

	same := &echoPayload{RequestID: "b"}
	p, err = ParsePayload[echoPayload](same)
	require.NoError(t, err)
	assert.Same(t, same, p)

	_, err = ParsePayload[echoPayload](42)
	assert.Error(t, err)
	_, err = ParsePayload[echoPayload](json.RawMessage(`{`))
	assert.Error(t, err)
}
