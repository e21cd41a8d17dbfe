package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	domsvc "FinCascade/internal/domain/service"
	applogger "FinCascade/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidRequest is returned by Run for requests that cannot start a cascade.
var ErrInvalidRequest = errors.New("invalid analysis request")

const (
	rememberTimeout     = 2 * time.Second
	maxPendingRefreshes = 64
)

// CascadeConfig holds run-level defaults.
type CascadeConfig struct {
	DefaultPolicy   models.FailurePolicy
	DefaultDeadline time.Duration
	MaxDeadline     time.Duration
}

// CascadeOption configures a CascadeOrchestrator.
type CascadeOption func(*CascadeOrchestrator)

// WithFallback sets the last-known-good source used by the degrade policy.
// A provider that also implements FallbackStore is refreshed after every fresh stage result.
func WithFallback(p domrepo.FallbackProvider) CascadeOption {
	return func(o *CascadeOrchestrator) { o.fallback = p }
}

// WithCascadeEvents sets the telemetry sink.
func WithCascadeEvents(sink domrepo.EventSink) CascadeOption {
	return func(o *CascadeOrchestrator) { o.sink = sink }
}

// WithCascadeMetrics sets the metrics recorder.
func WithCascadeMetrics(m domrepo.Metrics) CascadeOption {
	return func(o *CascadeOrchestrator) { o.metrics = m }
}

// WithCascadeLogger sets the logger.
func WithCascadeLogger(l *applogger.Logger) CascadeOption {
	return func(o *CascadeOrchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCascadeConfig overrides run defaults. Zero fields keep the built-in values.
func WithCascadeConfig(cfg CascadeConfig) CascadeOption {
	return func(o *CascadeOrchestrator) {
		if models.IsValidPolicy(cfg.DefaultPolicy) {
			o.cfg.DefaultPolicy = cfg.DefaultPolicy
		}
		if cfg.DefaultDeadline > 0 {
			o.cfg.DefaultDeadline = cfg.DefaultDeadline
		}
		if cfg.MaxDeadline > 0 {
			o.cfg.MaxDeadline = cfg.MaxDeadline
		}
	}
}

// CascadeOrchestrator drives one analysis request through macro, sector,
// asset and timing, in that order, threading each stage's output into the
// next. Stages are never retried here; retries belong to the dispatcher.
type CascadeOrchestrator struct {
	dispatcher domsvc.Dispatcher
	fallback   domrepo.FallbackProvider
	sink       domrepo.EventSink
	metrics    domrepo.Metrics
	log        *applogger.Logger
	cfg        CascadeConfig
	now        func() time.Time

	refreshes *semaphore.Weighted
	pending   sync.WaitGroup
}

// NewCascadeOrchestrator creates an orchestrator over d.
func NewCascadeOrchestrator(d domsvc.Dispatcher, opts ...CascadeOption) *CascadeOrchestrator {
	o := &CascadeOrchestrator{
		dispatcher: d,
		log:        applogger.Nop(),
		cfg: CascadeConfig{
			DefaultPolicy:   models.PolicyFailFast,
			DefaultDeadline: 10 * time.Second,
			MaxDeadline:     60 * time.Second,
		},
		now:       time.Now,
		refreshes: semaphore.NewWeighted(maxPendingRefreshes),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxDeadline < o.cfg.DefaultDeadline {
		o.cfg.MaxDeadline = o.cfg.DefaultDeadline
	}
	return o
}

// Normalize fills request defaults: id, policy and a bounded deadline.
func (o *CascadeOrchestrator) Normalize(req *models.AnalysisRequest) error {
	if len(req.Symbols) == 0 {
		return fmt.Errorf("%w: symbols are required", ErrInvalidRequest)
	}
	for _, s := range req.Symbols {
		if s == "" {
			return fmt.Errorf("%w: empty symbol", ErrInvalidRequest)
		}
	}
	if req.FailurePolicy == "" {
		req.FailurePolicy = o.cfg.DefaultPolicy
	}
	if !models.IsValidPolicy(req.FailurePolicy) {
		return fmt.Errorf("%w: unknown failure policy %q", ErrInvalidRequest, req.FailurePolicy)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	d := time.Duration(req.RequestDeadline)
	if d <= 0 {
		d = o.cfg.DefaultDeadline
	}
	if d > o.cfg.MaxDeadline {
		d = o.cfg.MaxDeadline
	}
	req.RequestDeadline = models.Duration(d)
	return nil
}

// Run executes the cascade. The only error is ErrInvalidRequest; stage
// failures are reported inside the response, which is always returned
// for a valid request.
func (o *CascadeOrchestrator) Run(ctx context.Context, req models.AnalysisRequest) (*models.AnalysisResponse, error) {
	if err := o.Normalize(&req); err != nil {
		return nil, err
	}

	started := o.now()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.RequestDeadline))
	defer cancel()

	log := o.log.With(applogger.String("run_id", req.RequestID))
	ac := models.NewAnalysisContext()

	stage := models.StageMacro
	for stage != models.StageDone {
		if err := ctx.Err(); err != nil {
			o.fail(ctx, req, ac, stage, models.KindDeadlineExceeded, deadlineDetail(err, "before stage"), 0)
			break
		}

		stageStart := time.Now()
		res := o.dispatcher.Dispatch(ctx, stage, &models.StageRequest{
			RequestID: req.RequestID,
			Stage:     stage,
			Symbols:   req.Symbols,
			Context:   ac.Upstream(stage),
		})
		took := time.Since(stageStart)

		next, out, payload := transition(stage, req.FailurePolicy, res, ctx.Err() != nil, func() json.RawMessage {
			return o.lastKnownGood(ctx, stage, req.Symbols, log)
		})
		switch out {
		case outcomeCompleted:
			ac.Set(stage, payload)
			o.emit(ctx, models.Event{Type: models.EventStageCompleted, RequestID: req.RequestID, Stage: stage, Latency: took.Milliseconds()})
			o.recordStage(stage, "success")
			o.remember(ctx, stage, req.Symbols, payload, log)
		case outcomeExpired:
			o.fail(ctx, req, ac, stage, models.KindDeadlineExceeded, deadlineDetail(ctx.Err(), "during stage"), took)
		case outcomeFailed:
			o.fail(ctx, req, ac, stage, res.Kind, res.Detail, took)
		case outcomeDegraded:
			o.fail(ctx, req, ac, stage, res.Kind, res.Detail, took)
			ac.Set(stage, payload)
			ac.Degraded = append(ac.Degraded, stage)
			o.recordStage(stage, "degraded")
		}
		stage = next
	}

	took := o.now().Sub(started)
	resp := models.NewAnalysisResponse(req, ac, started, took)
	if o.metrics != nil {
		o.metrics.RecordCascade(req.FailurePolicy, resp.Partial, took)
	}
	if resp.Partial {
		log.Info("cascade finished with partial result",
			applogger.Strings("symbols", req.Symbols),
			applogger.String("policy", string(req.FailurePolicy)),
			applogger.Int("failures", len(resp.PartialFailures)),
			applogger.Duration("duration_ms", took),
		)
	} else {
		log.Debug("cascade finished", applogger.Duration("duration_ms", took))
	}
	return resp, nil
}

// outcome is what one dispatch did to the run.
type outcome int

const (
	outcomeCompleted outcome = iota // fresh payload stored
	outcomeDegraded                 // fallback payload stored
	outcomeFailed                   // run stops on a stage failure
	outcomeExpired                  // run stops on the request deadline
)

// transition is the cascade state machine. Given the stage just dispatched
// and its result it returns the next stage, the outcome and the payload to
// store. fallback is consulted only for a degrade-policy failure.
func transition(stage models.Stage, policy models.FailurePolicy, res models.DispatchResult, expired bool, fallback func() json.RawMessage) (models.Stage, outcome, json.RawMessage) {
	switch {
	case res.OK():
		return stage.Next(), outcomeCompleted, res.Payload
	case expired:
		return models.StageDone, outcomeExpired, nil
	case policy != models.PolicyDegrade || fallback == nil:
		return models.StageDone, outcomeFailed, nil
	}
	if fb := fallback(); len(fb) > 0 {
		return stage.Next(), outcomeDegraded, fb
	}
	return models.StageDone, outcomeFailed, nil
}

func (o *CascadeOrchestrator) fail(ctx context.Context, req models.AnalysisRequest, ac *models.AnalysisContext, stage models.Stage, kind models.FailureKind, detail string, took time.Duration) {
	ac.RecordFailure(stage, kind, detail)
	o.emit(ctx, models.Event{
		Type:      models.EventStageFailed,
		RequestID: req.RequestID,
		Stage:     stage,
		Kind:      kind,
		Detail:    detail,
		Degraded:  req.FailurePolicy == models.PolicyDegrade,
		Latency:   took.Milliseconds(),
	})
	o.recordStage(stage, "failed")
	if o.metrics != nil {
		o.metrics.RecordError(string(kind))
	}
}

func (o *CascadeOrchestrator) lastKnownGood(ctx context.Context, stage models.Stage, symbols []string, log *applogger.Logger) json.RawMessage {
	if o.fallback == nil {
		return nil
	}
	fb, err := o.fallback.GetLastKnownGood(ctx, stage, symbols)
	if err != nil {
		log.Warn("fallback lookup failed", applogger.String("stage", string(stage)), applogger.Error(err))
		return nil
	}
	if len(fb) == 0 {
		return nil
	}
	return fb
}

// remember refreshes the last-known-good value off the request path. At most
// maxPendingRefreshes writes run at once; beyond that the refresh is skipped.
func (o *CascadeOrchestrator) remember(ctx context.Context, stage models.Stage, symbols []string, payload json.RawMessage, log *applogger.Logger) {
	store, ok := o.fallback.(domrepo.FallbackStore)
	if !ok {
		return
	}
	if !o.refreshes.TryAcquire(1) {
		log.Debug("fallback refresh skipped, too many pending", applogger.String("stage", string(stage)))
		return
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		defer o.refreshes.Release(1)
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rememberTimeout)
		defer cancel()
		if err := store.Remember(rctx, stage, symbols, payload); err != nil {
			log.Warn("fallback refresh failed", applogger.String("stage", string(stage)), applogger.Error(err))
		}
	}()
}

// Drain waits for pending fallback refreshes until ctx ends.
func (o *CascadeOrchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain fallback refreshes: %w", ctx.Err())
	}
}

func (o *CascadeOrchestrator) emit(ctx context.Context, ev models.Event) {
	if o.sink == nil {
		return
	}
	ev.Time = o.now()
	ev.Endpoint = string(ev.Stage)
	if err := o.sink.Emit(context.WithoutCancel(ctx), ev); err != nil {
		o.log.Warn("emit event failed", applogger.String("type", string(ev.Type)), applogger.Error(err))
	}
}

func (o *CascadeOrchestrator) recordStage(stage models.Stage, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordStage(stage, outcome)
	}
}

func deadlineDetail(err error, when string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "request deadline exceeded " + when
	}
	return "request cancelled " + when + ": " + err.Error()
}
