package usecase

import (
	"context"
	"errors"
	"fmt"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	applogger "FinCascade/pkg/logger"
	"FinCascade/pkg/queue"
)

// AnalysisJobType is the queue message type of asynchronous analysis requests.
const AnalysisJobType = "analysis_request"

// Enqueuer accepts queue messages.
type Enqueuer interface {
	PublishMessage(ctx context.Context, msgType string, payload interface{}) error
}

// AnalysisJob runs queued analysis requests and publishes the results.
type AnalysisJob struct {
	runner    AnalysisRunner
	publisher domrepo.ResultPublisher
	log       *applogger.Logger
	retry     *unpublishedResults
}

func NewAnalysisJob(runner AnalysisRunner, publisher domrepo.ResultPublisher, log *applogger.Logger) *AnalysisJob {
	if log == nil {
		log = applogger.Nop()
	}
	return &AnalysisJob{runner: runner, publisher: publisher, log: log, retry: newUnpublishedResults()}
}

func (j *AnalysisJob) Name() string { return "cascade-analysis" }
func (j *AnalysisJob) Type() string { return AnalysisJobType }

// Handle runs one request. Invalid requests are dropped without retry since
// retrying cannot fix them.
func (j *AnalysisJob) Handle(ctx context.Context, payload interface{}) error {
	req, err := queue.ParsePayload[models.AnalysisRequest](payload)
	if err != nil {
		j.log.Error("drop undecodable analysis job", applogger.Error(err))
		return nil
	}
	res := j.retry.take(req.RequestID)
	if res == nil {
		if res, err = j.runner.Run(ctx, *req); err != nil {
			if errors.Is(err, ErrInvalidRequest) {
				j.log.Warn("drop invalid analysis job", applogger.String("run_id", req.RequestID), applogger.Error(err))
				return nil
			}
			return err
		}
	}
	if err := j.publisher.PublishResult(ctx, res); err != nil {
		// The queue retries the job; only the publish is repeated.
		j.retry.keep(res)
		return fmt.Errorf("publish result %s: %w", res.RequestID, err)
	}
	return nil
}

// AnalysisSubmitter enqueues requests for AnalysisJob.
type AnalysisSubmitter struct {
	orch  *CascadeOrchestrator
	queue Enqueuer
}

func NewAnalysisSubmitter(orch *CascadeOrchestrator, q Enqueuer) *AnalysisSubmitter {
	return &AnalysisSubmitter{orch: orch, queue: q}
}

// Submit normalizes req, so the caller learns the request id, and enqueues it.
func (s *AnalysisSubmitter) Submit(ctx context.Context, req models.AnalysisRequest) (models.AnalysisRequest, error) {
	if err := s.orch.Normalize(&req); err != nil {
		return req, err
	}
	if err := s.queue.PublishMessage(ctx, AnalysisJobType, req); err != nil {
		return req, fmt.Errorf("enqueue analysis %s: %w", req.RequestID, err)
	}
	return req, nil
}

var _ queue.Job = (*AnalysisJob)(nil)
