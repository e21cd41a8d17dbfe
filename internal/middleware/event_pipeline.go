package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	applogger "FinCascade/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// NamedSink is a downstream of the pipeline.
type NamedSink struct {
	Name string
	Sink domrepo.EventBatchSink
}

// EventPipeline sits between the cascade core and the event sinks.
// Emit never blocks: events are buffered and delivered in batches by a
// background worker, each sink with its own retry budget. When the buffer
// is full new events are dropped and counted.
type EventPipeline struct {
	sinks     []NamedSink
	metrics   domrepo.Metrics
	log       *applogger.Logger
	bufSize   int
	batchSize int
	flushIvl  time.Duration
	retries   int
	bufCh     chan models.Event
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	mu        sync.Mutex
	now       func() time.Time
}

type PipelineOption func(*EventPipeline)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(n int) PipelineOption {
	return func(p *EventPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithBatch sets the max batch size and the flush interval for partial batches.
func WithBatch(size int, interval time.Duration) PipelineOption {
	return func(p *EventPipeline) {
		if size > 0 {
			p.batchSize = size
		}
		if interval > 0 {
			p.flushIvl = interval
		}
	}
}

// WithSinkRetries sets how many times a failed batch is retried per sink.
func WithSinkRetries(n int) PipelineOption {
	return func(p *EventPipeline) {
		if n >= 0 {
			p.retries = n
		}
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *applogger.Logger) PipelineOption {
	return func(p *EventPipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// NewEventPipeline creates a pipeline delivering to sinks.
func NewEventPipeline(metrics domrepo.Metrics, sinks []NamedSink, opts ...PipelineOption) *EventPipeline {
	p := &EventPipeline{
		sinks:     sinks,
		metrics:   metrics,
		log:       applogger.Nop(),
		bufSize:   1024,
		batchSize: 100,
		flushIvl:  time.Second,
		retries:   3,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.Event, p.bufSize)
	return p
}

// Emit validates and enqueues ev. It returns an error only for invalid
// events or a full buffer; delivery failures are handled in the background.
func (p *EventPipeline) Emit(_ context.Context, ev models.Event) error {
	if err := validateEvent(ev); err != nil {
		p.recordError("pipeline_validate")
		return err
	}
	if ev.Time.IsZero() {
		ev.Time = p.now()
	}
	select {
	case p.bufCh <- ev:
		return nil
	default:
		p.recordError("pipeline_buffer_full")
		return fmt.Errorf("event pipeline: buffer full, dropped %s", ev.Type)
	}
}

// Start launches the delivery worker.
func (p *EventPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop flushes what is buffered and waits for the worker to exit.
func (p *EventPipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
	<-p.doneCh
}

func (p *EventPipeline) run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.flushIvl)
	defer ticker.Stop()

	batch := make([]models.Event, 0, p.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		p.deliver(ctx, batch)
		batch = make([]models.Event, 0, p.batchSize)
	}

	for {
		select {
		case <-p.stopCh:
			for {
				select {
				case ev := <-p.bufCh:
					batch = append(batch, ev)
					if len(batch) >= p.batchSize {
						flush(context.WithoutCancel(ctx))
					}
				default:
					flush(context.WithoutCancel(ctx))
					return
				}
			}
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return
		case ev := <-p.bufCh:
			batch = append(batch, ev)
			if len(batch) >= p.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// deliver fans a batch out to every sink in parallel. A slow or failing sink
// delays the next batch but never blocks Emit.
func (p *EventPipeline) deliver(ctx context.Context, batch []models.Event) {
	var g errgroup.Group
	for _, s := range p.sinks {
		s := s
		g.Go(func() error {
			return p.deliverOne(ctx, s, batch)
		})
	}
	_ = g.Wait()
}

func (p *EventPipeline) deliverOne(ctx context.Context, s NamedSink, batch []models.Event) error {
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
		if err = s.Sink.EmitBatch(ctx, batch); err == nil {
			return nil
		}
		p.recordError("pipeline_flush_" + s.Name)
	}
	p.recordError("pipeline_drop_" + s.Name)
	p.log.Warn("event batch dropped",
		applogger.String("sink", s.Name),
		applogger.Int("events", len(batch)),
		applogger.Error(err),
	)
	return err
}

func (p *EventPipeline) recordError(kind string) {
	if p.metrics != nil {
		p.metrics.RecordError(kind)
	}
}

func validateEvent(ev models.Event) error {
	switch ev.Type {
	case models.EventStageCompleted, models.EventStageFailed:
		if ev.Stage == "" {
			return fmt.Errorf("event %s without stage", ev.Type)
		}
	case models.EventBreakerOpened, models.EventBreakerHalfOpen, models.EventBreakerClosed:
		if ev.Endpoint == "" {
			return fmt.Errorf("event %s without endpoint", ev.Type)
		}
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

var _ domrepo.EventSink = (*EventPipeline)(nil)
