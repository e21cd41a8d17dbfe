package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"FinCascade/internal/domain/models"
	"FinCascade/internal/domain/repository"
	"FinCascade/internal/domain/service"
	"FinCascade/internal/service/breaker"
	"FinCascade/internal/service/ratelimit"
	applogger "FinCascade/pkg/logger"
)

const (
	defaultBackoffBase = 100 * time.Millisecond
	defaultBackoffMax  = 2 * time.Second
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBackoff sets the retry delay: base * 2^attempt, capped at max.
func WithBackoff(base, max time.Duration) Option {
	return func(d *Dispatcher) {
		if base > 0 {
			d.backoffBase = base
		}
		if max > 0 {
			d.backoffMax = max
		}
	}
}

// WithEventSink routes breaker transitions to sink.
func WithEventSink(sink repository.EventSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m repository.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *applogger.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithClock overrides the time source of breakers and limiters.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

type guard struct {
	endpoint models.ServiceEndpoint
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
}

// Dispatcher executes stage calls behind a per-endpoint rate limiter and
// circuit breaker, retrying transient failures with exponential backoff.
// Guard state is shared by all concurrent cascade runs.
type Dispatcher struct {
	client      service.StageClient
	guards      map[models.Stage]*guard
	backoffBase time.Duration
	backoffMax  time.Duration
	sink        repository.EventSink
	metrics     repository.Metrics
	log         *applogger.Logger
	now         func() time.Time
}

var _ service.Dispatcher = (*Dispatcher)(nil)

// New builds a dispatcher. Each endpoint serves the stage with the same name.
func New(client service.StageClient, endpoints []models.ServiceEndpoint, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		client:      client,
		guards:      make(map[models.Stage]*guard, len(endpoints)),
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		log:         applogger.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if client == nil {
		return nil, fmt.Errorf("dispatcher: stage client is required")
	}

	for _, ep := range endpoints {
		stage, err := models.ParseStage(ep.Name)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: endpoint %q: %w", ep.Name, err)
		}
		if _, dup := d.guards[stage]; dup {
			return nil, fmt.Errorf("dispatcher: duplicate endpoint for stage %s", stage)
		}
		d.guards[stage] = &guard{
			endpoint: ep,
			breaker: breaker.New(ep.Name,
				breaker.Config{FailureThreshold: ep.FailureThreshold, OpenTimeout: ep.OpenTimeout},
				breaker.WithClock(d.now),
				breaker.WithStateChange(d.onBreakerChange),
			),
			limiter: ratelimit.New(ep.RateLimit, ratelimit.WithClock(d.now)),
		}
		if d.metrics != nil {
			d.metrics.RecordBreakerState(ep.Name, models.BreakerClosed)
		}
	}
	return d, nil
}

// Dispatch runs one guarded call for stage. It never returns an error;
// every outcome is expressed as a DispatchResult.
func (d *Dispatcher) Dispatch(ctx context.Context, stage models.Stage, req *models.StageRequest) models.DispatchResult {
	g, ok := d.guards[stage]
	if !ok {
		return models.Failuref(models.KindTransportError, "no endpoint configured for stage %s", stage)
	}

	start := time.Now()
	res := d.dispatch(ctx, g, req)
	if d.metrics != nil {
		d.metrics.RecordDispatch(g.endpoint.Name, res.Kind, res.Attempts, time.Since(start).Seconds())
	}
	if !res.OK() {
		d.log.Debug("dispatch failed",
			applogger.String("endpoint", g.endpoint.Name),
			applogger.String("kind", string(res.Kind)),
			applogger.Int("attempts", res.Attempts),
			applogger.String("detail", res.Detail),
		)
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, g *guard, req *models.StageRequest) models.DispatchResult {
	if err := ctx.Err(); err != nil {
		return models.Failuref(models.KindTimeout, "request cancelled before dispatch: %v", err)
	}

	if !g.limiter.Allow() {
		if d.metrics != nil {
			d.metrics.RecordRateLimited(g.endpoint.Name)
		}
		return models.Failuref(models.KindRateLimited, "rate limit exceeded for %s", g.endpoint.Name)
	}

	permit, ok := g.breaker.Allow()
	if !ok {
		return models.Failuref(models.KindCircuitOpen, "circuit open for %s", g.endpoint.Name)
	}

	var last models.DispatchResult
	attempts := 0
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, d.backoff(attempt-1)); err != nil {
				g.breaker.Release(permit)
				res := models.Failuref(models.KindTimeout, "cancelled during backoff after %s", last.Detail)
				res.Attempts = attempts
				return res
			}
			if !g.breaker.StillAllowed(permit) {
				res := models.Failuref(models.KindCircuitOpen, "circuit opened while retrying %s", g.endpoint.Name)
				res.Attempts = attempts
				return res
			}
		}

		attempts++
		payload, err := d.call(ctx, g.endpoint, req)
		if err == nil {
			g.breaker.Success(permit)
			res := models.Success(payload)
			res.Attempts = attempts
			return res
		}

		if ctx.Err() != nil {
			// The caller ran out of time; that says nothing about the endpoint.
			g.breaker.Release(permit)
			res := models.Failuref(models.KindTimeout, "request deadline reached during call: %v", err)
			res.Attempts = attempts
			return res
		}

		last = models.Failure(Classify(err), err.Error())
		last.Attempts = attempts
		if !last.Kind.Retryable() || attempt >= g.endpoint.RetryCount {
			break
		}
	}

	if last.Kind.CountsAsBreakerFailure() {
		g.breaker.Failure(permit)
	} else {
		g.breaker.Release(permit)
	}
	return last
}

func (d *Dispatcher) call(ctx context.Context, ep models.ServiceEndpoint, req *models.StageRequest) (json.RawMessage, error) {
	callCtx := ctx
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}
	return d.client.Call(callCtx, ep, req)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= d.backoffMax {
			return d.backoffMax
		}
	}
	if delay > d.backoffMax {
		return d.backoffMax
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) onBreakerChange(name string, from, to models.BreakerState) {
	var typ models.EventType
	switch to {
	case models.BreakerOpen:
		typ = models.EventBreakerOpened
	case models.BreakerHalfOpen:
		typ = models.EventBreakerHalfOpen
	case models.BreakerClosed:
		typ = models.EventBreakerClosed
	default:
		return
	}

	d.log.Info("breaker state changed",
		applogger.String("endpoint", name),
		applogger.String("from", string(from)),
		applogger.String("to", string(to)),
	)
	if d.metrics != nil {
		d.metrics.RecordBreakerState(name, to)
	}
	if d.sink == nil {
		return
	}
	ev := models.Event{
		Type:     typ,
		Time:     d.now(),
		Stage:    models.Stage(name),
		Endpoint: name,
	}
	if err := d.sink.Emit(context.Background(), ev); err != nil {
		d.log.Warn("emit breaker event failed", applogger.String("endpoint", name), applogger.Error(err))
	}
}

// Endpoint returns the endpoint serving stage.
func (d *Dispatcher) Endpoint(stage models.Stage) (models.ServiceEndpoint, bool) {
	g, ok := d.guards[stage]
	if !ok {
		return models.ServiceEndpoint{}, false
	}
	return g.endpoint, true
}

// Snapshot reports breaker and limiter state of every endpoint in cascade order.
func (d *Dispatcher) Snapshot() []models.EndpointStatus {
	out := make([]models.EndpointStatus, 0, len(d.guards))
	for _, g := range d.guards {
		st := g.breaker.Stats()
		tokens := g.limiter.State().Tokens
		if math.IsInf(tokens, 1) {
			tokens = -1
		}
		out = append(out, models.EndpointStatus{
			Endpoint:            g.endpoint,
			BreakerState:        st.State,
			ConsecutiveFailures: st.ConsecutiveFailures,
			LastFailureTime:     st.LastFailureTime,
			TrialInFlight:       st.TrialInFlight,
			Tokens:              tokens,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return models.Stage(out[i].Endpoint.Name).Index() < models.Stage(out[j].Endpoint.Name).Index()
	})
	return out
}

// ResetBreaker forces the breaker of stage closed.
func (d *Dispatcher) ResetBreaker(stage models.Stage) bool {
	g, ok := d.guards[stage]
	if !ok {
		return false
	}
	g.breaker.Reset()
	return true
}
