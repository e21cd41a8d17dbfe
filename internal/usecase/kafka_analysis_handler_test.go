package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"FinCascade/internal/domain/models"
	pkgkafka "FinCascade/pkg/kafka"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	results []*models.AnalysisResponse
	err     error
}

func (p *capturePublisher) PublishResult(_ context.Context, res *models.AnalysisResponse) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
	return p.err
}

func TestKafkaAnalysisHandler_PublishesResult(t *testing.T) {
	d := &fakeDispatcher{funcs: map[models.Stage]stageFunc{models.StageTiming: failWith(models.KindRemoteError)}}
	pub := &capturePublisher{}
	h := NewKafkaAnalysisHandler("cascade.requests", NewCascadeOrchestrator(d), pub, nil, nil)

	assert.Equal(t, "cascade.requests", h.Topic())
	err := h.Handle(context.Background(), []byte(`{"requestId":"run-42","symbols":["AAPL"],"failurePolicy":"fail-fast"}`))
	require.NoError(t, err)

	require.Len(t, pub.results, 1)
	res := pub.results[0]
	assert.Equal(t, "run-42", res.RequestID)
	assert.True(t, res.Partial)
	require.Len(t, res.PartialFailures, 1)
	assert.Equal(t, models.StageTiming, res.PartialFailures[0].Stage)
	assert.NotNil(t, res.Asset)
}

func TestKafkaAnalysisHandler_RejectsBadMessages(t *testing.T) {
	pub := &capturePublisher{}
	h := NewKafkaAnalysisHandler("t", NewCascadeOrchestrator(&fakeDispatcher{}), pub, nil, nil)

	assert.Error(t, h.Handle(context.Background(), []byte(`not json`)))

	err := h.Handle(context.Background(), []byte(`{"symbols":[]}`))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = h.Handle(context.Background(), []byte(`{"symbols":["X"],"failurePolicy":"retry-forever"}`))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, pub.results)
}

func TestKafkaAnalysisHandler_PublishFailure(t *testing.T) {
	boom := errors.New("broker gone")
	pub := &capturePublisher{err: boom}
	h := NewKafkaAnalysisHandler("t", NewCascadeOrchestrator(&fakeDispatcher{}), pub, nil, nil)

	err := h.Handle(context.Background(), []byte(`{"symbols":["MSFT"]}`))
	assert.ErrorIs(t, err, boom)
	require.Len(t, pub.results, 1)
	assert.NotEmpty(t, pub.results[0].RequestID)
}

func TestKafkaAnalysisHandler_RedeliveryRetriesOnlyPublish(t *testing.T) {
	d := &fakeDispatcher{}
	pub := &capturePublisher{err: errors.New("broker gone")}
	h := NewKafkaAnalysisHandler("t", NewCascadeOrchestrator(d), pub, nil, nil)
	msg := []byte(`{"requestId":"run-7","symbols":["MSFT"]}`)

	require.Error(t, h.Handle(context.Background(), msg))
	require.Len(t, d.stages(), len(models.CascadeStages))

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	require.NoError(t, h.Handle(context.Background(), msg))

	assert.Len(t, d.stages(), len(models.CascadeStages), "cascade ran again")
	require.Len(t, pub.results, 2)
	assert.Same(t, pub.results[0], pub.results[1])

	// Once published, the same id runs normally again.
	require.NoError(t, h.Handle(context.Background(), msg))
	assert.Len(t, d.stages(), 2*len(models.CascadeStages))
}

func TestKafkaAnalysisHandler_RequestIDFromTrace(t *testing.T) {
	pub := &capturePublisher{}
	h := NewKafkaAnalysisHandler("t", NewCascadeOrchestrator(&fakeDispatcher{}), pub, nil, nil)

	ctx := pkgkafka.WithTraceID(context.Background(), "trace-5")
	require.NoError(t, h.Handle(ctx, []byte(`{"symbols":["ETH"]}`)))
	require.Len(t, pub.results, 1)
	assert.Equal(t, "trace-5", pub.results[0].RequestID)
	assert.False(t, pub.results[0].Partial)
}
