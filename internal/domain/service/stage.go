package service

import (
	"context"
	"encoding/json"

	"FinCascade/internal/domain/models"
)

// StageClient performs one outbound call to a stage service.
// Errors are classified by the dispatcher; implementations return raw transport errors.
type StageClient interface {
	Call(ctx context.Context, ep models.ServiceEndpoint, req *models.StageRequest) (json.RawMessage, error)
}

// Dispatcher guards and executes a single stage call.
type Dispatcher interface {
	Dispatch(ctx context.Context, stage models.Stage, req *models.StageRequest) models.DispatchResult
}
