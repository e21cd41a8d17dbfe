package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	pkgkafka "FinCascade/pkg/kafka"
	applogger "FinCascade/pkg/logger"
)

// AnalysisRunner runs one cascade.
type AnalysisRunner interface {
	Run(ctx context.Context, req models.AnalysisRequest) (*models.AnalysisResponse, error)
}

// KafkaAnalysisHandler consumes analysis requests from Kafka, runs the
// cascade and publishes the result keyed by request id.
type KafkaAnalysisHandler struct {
	topic     string
	runner    AnalysisRunner
	publisher domrepo.ResultPublisher
	metrics   domrepo.Metrics
	log       *applogger.Logger
	retry     *unpublishedResults
}

func NewKafkaAnalysisHandler(topic string, runner AnalysisRunner, publisher domrepo.ResultPublisher, metrics domrepo.Metrics, log *applogger.Logger) *KafkaAnalysisHandler {
	if log == nil {
		log = applogger.Nop()
	}
	return &KafkaAnalysisHandler{
		topic:     topic,
		runner:    runner,
		publisher: publisher,
		metrics:   metrics,
		log:       log,
		retry:     newUnpublishedResults(),
	}
}

func (h *KafkaAnalysisHandler) Topic() string { return h.topic }

// Handle returns an error for undecodable or invalid requests so the
// consumer routes them to the DLQ. Partial cascades are still results.
// A redelivered request whose result was computed but not published only
// retries the publish.
func (h *KafkaAnalysisHandler) Handle(ctx context.Context, b []byte) error {
	var req models.AnalysisRequest
	if err := json.Unmarshal(b, &req); err != nil {
		h.recordError("consumer_unmarshal")
		return fmt.Errorf("decode analysis request: %w", err)
	}
	if req.RequestID == "" {
		req.RequestID = pkgkafka.TraceIDFrom(ctx)
	}

	res := h.retry.take(req.RequestID)
	if res == nil {
		var err error
		if res, err = h.runner.Run(ctx, req); err != nil {
			h.recordError("consumer_invalid_request")
			return err
		}
	}

	if err := h.publisher.PublishResult(ctx, res); err != nil {
		h.retry.keep(res)
		h.recordError("consumer_publish")
		h.log.Error("publish analysis result failed",
			applogger.String("run_id", res.RequestID),
			applogger.Error(err),
		)
		return err
	}
	h.log.Debug("analysis result published",
		applogger.String("run_id", res.RequestID),
		applogger.Bool("partial", res.Partial),
	)
	return nil
}

func (h *KafkaAnalysisHandler) recordError(kind string) {
	if h.metrics != nil {
		h.metrics.RecordError(kind)
	}
}

var _ pkgkafka.MessageHandler = (*KafkaAnalysisHandler)(nil)
