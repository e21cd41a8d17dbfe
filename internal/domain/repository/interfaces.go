package repository

import (
	"context"
	"encoding/json"
	"time"

	"FinCascade/internal/domain/models"
)

// EventSink receives telemetry events from the cascade core.
// Implementations must not block the caller for long; failures are the sink's problem.
type EventSink interface {
	Emit(ctx context.Context, ev models.Event) error
}

// EventBatchSink receives batches of events from the event pipeline.
type EventBatchSink interface {
	EmitBatch(ctx context.Context, events []models.Event) error
}

// FallbackProvider returns a last-known-good payload for a stage, or nil.
type FallbackProvider interface {
	GetLastKnownGood(ctx context.Context, stage models.Stage, symbols []string) (json.RawMessage, error)
}

// FallbackStore is a FallbackProvider that can also be refreshed after successful stages.
type FallbackStore interface {
	FallbackProvider
	Remember(ctx context.Context, stage models.Stage, symbols []string, payload json.RawMessage) error
}

// EventStore archives telemetry events for later analysis.
type EventStore interface {
	StoreBatch(ctx context.Context, events []models.Event) error
	Query(ctx context.Context, requestID string, limit int) ([]models.Event, error)
	Health(ctx context.Context) error
	Close() error
}

// ResultPublisher delivers finished cascade results to asynchronous callers.
type ResultPublisher interface {
	PublishResult(ctx context.Context, res *models.AnalysisResponse) error
}

// ResultReader looks up results of asynchronous runs. A missing result is (nil, nil).
type ResultReader interface {
	GetResult(ctx context.Context, requestID string) (*models.AnalysisResponse, error)
}

// Metrics records cascade and dispatch measurements.
type Metrics interface {
	RecordDispatch(endpoint string, kind models.FailureKind, attempts int, seconds float64)
	RecordRateLimited(endpoint string)
	RecordBreakerState(endpoint string, state models.BreakerState)
	RecordStage(stage models.Stage, outcome string)
	RecordCascade(policy models.FailurePolicy, partial bool, d time.Duration)
	RecordError(kind string)
}
