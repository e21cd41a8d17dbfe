package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"FinCascade/internal/domain/models"
	xhttp "FinCascade/pkg/http"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callFunc func(ctx context.Context, n int) (json.RawMessage, error)

type scriptedClient struct {
	mu    sync.Mutex
	calls int
	fn    callFunc
}

func (c *scriptedClient) Call(ctx context.Context, _ models.ServiceEndpoint, _ *models.StageRequest) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	return c.fn(ctx, n)
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Emit(_ context.Context, ev models.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Types() []models.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func endpoint(name string, retries, threshold int) models.ServiceEndpoint {
	return models.ServiceEndpoint{
		Name:             name,
		URL:              "http://" + name + ".test/analyze",
		Timeout:          time.Second,
		RetryCount:       retries,
		FailureThreshold: threshold,
		OpenTimeout:      time.Minute,
	}
}

func newDispatcher(t *testing.T, client *scriptedClient, eps []models.ServiceEndpoint, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithBackoff(time.Millisecond, 5*time.Millisecond)}, opts...)
	d, err := New(client, eps, opts...)
	require.NoError(t, err)
	return d
}

func okPayload(ctx context.Context, n int) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func remoteErr(ctx context.Context, n int) (json.RawMessage, error) {
	return nil, fmt.Errorf("post: %w", &xhttp.StatusError{Code: 503, Body: "unavailable"})
}

var req = &models.StageRequest{RequestID: "r1", Symbols: []string{"BTC"}}

func TestDispatch_Success(t *testing.T) {
	client := &scriptedClient{fn: okPayload}
	d := newDispatcher(t, client, []models.ServiceEndpoint{endpoint("macro", 2, 3)})

	res := d.Dispatch(context.Background(), models.StageMacro, req)
	require.True(t, res.OK(), res.String())
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, client.Calls())
}

func TestDispatch_UnknownStage(t *testing.T) {
	d := newDispatcher(t, &scriptedClient{fn: okPayload}, []models.ServiceEndpoint{endpoint("macro", 0, 1)})
	res := d.Dispatch(context.Background(), models.StageTiming, req)
	assert.Equal(t, models.KindTransportError, res.Kind)
}

func TestNew_RejectsBadEndpoints(t *testing.T) {
	_, err := New(&scriptedClient{fn: okPayload}, []models.ServiceEndpoint{endpoint("weather", 0, 1)})
	assert.Error(t, err)

	_, err = New(&scriptedClient{fn: okPayload}, []models.ServiceEndpoint{endpoint("macro", 0, 1), endpoint("macro", 0, 1)})
	assert.Error(t, err)

	_, err = New(nil, []models.ServiceEndpoint{endpoint("macro", 0, 1)})
	assert.Error(t, err)
}

func TestDispatch_RateLimitedSkipsNetworkAndBreaker(t *testing.T) {
	client := &scriptedClient{fn: remoteErr}
	ep := endpoint("sector", 3, 1)
	ep.RateLimit = models.RateLimit{Capacity: 1, RefillPerSec: 0.001}
	d := newDispatcher(t, client, []models.ServiceEndpoint{ep})

	// First call consumes the only token and trips the breaker.
	first := d.Dispatch(context.Background(), models.StageSector, req)
	require.Equal(t, models.KindRemoteError, first.Kind)
	d.ResetBreaker(models.StageSector)
	callsBefore := client.Calls()

	res := d.Dispatch(context.Background(), models.StageSector, req)
	assert.Equal(t, models.KindRateLimited, res.Kind)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, callsBefore, client.Calls(), "no network call when rate limited")

	snap := d.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.BreakerClosed, snap[0].BreakerState)
	assert.Equal(t, 0, snap[0].ConsecutiveFailures)
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	client := &scriptedClient{fn: func(ctx context.Context, n int) (json.RawMessage, error) {
		if n < 3 {
			return remoteErr(ctx, n)
		}
		return okPayload(ctx, n)
	}}
	d := newDispatcher(t, client, []models.ServiceEndpoint{endpoint("asset", 2, 1)})

	res := d.Dispatch(context.Background(), models.StageAsset, req)
	require.True(t, res.OK(), res.String())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, models.BreakerClosed, d.Snapshot()[0].BreakerState)
}

func TestDispatch_ExhaustedRetriesReportOneFailure(t *testing.T) {
	client := &scriptedClient{fn: remoteErr}
	d := newDispatcher(t, client, []models.ServiceEndpoint{endpoint("asset", 2, 5)})

	res := d.Dispatch(context.Background(), models.StageAsset, req)
	assert.Equal(t, models.KindRemoteError, res.Kind)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, client.Calls())
	assert.Equal(t, 1, d.Snapshot()[0].ConsecutiveFailures)
}

func TestDispatch_OpenCircuitRejectsWithoutCalling(t *testing.T) {
	client := &scriptedClient{fn: remoteErr}
	d := newDispatcher(t, client, []models.ServiceEndpoint{endpoint("asset", 0, 2)})

	for i := 0; i < 2; i++ {
		res := d.Dispatch(context.Background(), models.StageAsset, req)
		require.Equal(t, models.KindRemoteError, res.Kind)
	}
	require.Equal(t, models.BreakerOpen, d.Snapshot()[0].BreakerState)

	res := d.Dispatch(context.Background(), models.StageAsset, req)
	assert.Equal(t, models.KindCircuitOpen, res.Kind)
	assert.Equal(t, 2, client.Calls())
}

func TestDispatch_BreakerOpeningMidRetryAbortsRetries(t *testing.T) {
	var d *Dispatcher
	client := &scriptedClient{}
	client.fn = func(ctx context.Context, n int) (json.RawMessage, error) {
		if n == 1 {
			// Concurrent runs trip the shared breaker while this call is in flight.
			g := d.guards[models.StageTiming]
			p, ok := g.breaker.Allow()
			require.True(t, ok)
			g.breaker.Failure(p)
		}
		return remoteErr(ctx, n)
	}
	d = newDispatcher(t, client, []models.ServiceEndpoint{endpoint("timing", 5, 1)})

	res := d.Dispatch(context.Background(), models.StageTiming, req)
	assert.Equal(t, models.KindCircuitOpen, res.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, client.Calls())
}

func TestDispatch_EndpointTimeoutCountsAsFailure(t *testing.T) {
	client := &scriptedClient{fn: func(ctx context.Context, n int) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ep := endpoint("macro", 0, 1)
	ep.Timeout = 10 * time.Millisecond
	d := newDispatcher(t, client, []models.ServiceEndpoint{ep})

	res := d.Dispatch(context.Background(), models.StageMacro, req)
	assert.Equal(t, models.KindTimeout, res.Kind)
	assert.Equal(t, models.BreakerOpen, d.Snapshot()[0].BreakerState)
}

func TestDispatch_CallerDeadlineDoesNotPenalizeEndpoint(t *testing.T) {
	client := &scriptedClient{fn: func(ctx context.Context, n int) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := newDispatcher(t, client, []models.ServiceEndpoint{endpoint("macro", 3, 1)})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := d.Dispatch(ctx, models.StageMacro, req)

	assert.Equal(t, models.KindTimeout, res.Kind)
	assert.Equal(t, 1, client.Calls(), "no retries once the caller is out of time")
	snap := d.Snapshot()[0]
	assert.Equal(t, models.BreakerClosed, snap.BreakerState)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestDispatch_CancelledBeforeStart(t *testing.T) {
	client := &scriptedClient{fn: okPayload}
	ep := endpoint("macro", 0, 1)
	ep.RateLimit = models.RateLimit{Capacity: 1, RefillPerSec: 0.001}
	d := newDispatcher(t, client, []models.ServiceEndpoint{ep})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.Dispatch(ctx, models.StageMacro, req)
	assert.Equal(t, models.KindTimeout, res.Kind)
	assert.Equal(t, 0, client.Calls())

	// The token was not consumed.
	assert.True(t, d.Dispatch(context.Background(), models.StageMacro, req).OK())
}

func TestDispatch_BreakerEventsAndRecovery(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	fail := true
	var mu sync.Mutex
	client := &scriptedClient{fn: func(ctx context.Context, n int) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return remoteErr(ctx, n)
		}
		return okPayload(ctx, n)
	}}
	d := newDispatcher(t, client, []models.ServiceEndpoint{endpoint("sector", 0, 1)},
		WithClock(clk.Now), WithEventSink(sink))

	assert.Equal(t, models.KindRemoteError, d.Dispatch(context.Background(), models.StageSector, req).Kind)
	assert.Equal(t, models.KindCircuitOpen, d.Dispatch(context.Background(), models.StageSector, req).Kind)

	clk.Advance(time.Minute)
	mu.Lock()
	fail = false
	mu.Unlock()
	assert.True(t, d.Dispatch(context.Background(), models.StageSector, req).OK())

	assert.Equal(t, []models.EventType{
		models.EventBreakerOpened,
		models.EventBreakerHalfOpen,
		models.EventBreakerClosed,
	}, sink.Types())
}

func TestSnapshot_CascadeOrder(t *testing.T) {
	eps := []models.ServiceEndpoint{
		endpoint("timing", 0, 1),
		endpoint("macro", 0, 1),
		endpoint("asset", 0, 1),
		endpoint("sector", 0, 1),
	}
	d := newDispatcher(t, &scriptedClient{fn: okPayload}, eps)

	snap := d.Snapshot()
	require.Len(t, snap, 4)
	names := []string{snap[0].Endpoint.Name, snap[1].Endpoint.Name, snap[2].Endpoint.Name, snap[3].Endpoint.Name}
	assert.Equal(t, []string{"macro", "sector", "asset", "timing"}, names)
	assert.Equal(t, -1.0, snap[0].Tokens)
}

func TestBackoff(t *testing.T) {
	d := &Dispatcher{backoffBase: 100 * time.Millisecond, backoffMax: time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, d.backoff(i), "attempt %d", i)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.FailureKind
	}{
		{"status", fmt.Errorf("post: %w", &xhttp.StatusError{Code: 500}), models.KindRemoteError},
		{"malformed", fmt.Errorf("decode: %w", models.ErrMalformedPayload), models.KindRemoteError},
		{"deadline", fmt.Errorf("request failed: %w", context.DeadlineExceeded), models.KindTimeout},
		{"net timeout", timeoutErr{}, models.KindTimeout},
		{"refused", errors.New("dial tcp: connection refused"), models.KindTransportError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}
