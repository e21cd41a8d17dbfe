package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"FinCascade/internal/domain/models"
	domsvc "FinCascade/internal/domain/service"
	stagemetrics "FinCascade/internal/service/metrics"
	xhttp "FinCascade/pkg/http"
)

// HTTPStageClient posts stage requests as JSON and returns the raw JSON answer.
// Deadlines come from the caller's context; the client itself has no timeout.
type HTTPStageClient struct {
	client *xhttp.Client
}

// NewHTTPStageClient builds the client. Options are passed to the underlying xhttp.Client.
func NewHTTPStageClient(opts ...xhttp.ClientOption) *HTTPStageClient {
	opts = append([]xhttp.ClientOption{xhttp.WithTimeout(0)}, opts...)
	stagemetrics.Register()
	return &HTTPStageClient{client: xhttp.NewClient(opts...)}
}

// Call sends req to ep.URL. Non-2xx answers surface as *xhttp.StatusError and
// non-JSON bodies as models.ErrMalformedPayload.
func (c *HTTPStageClient) Call(ctx context.Context, ep models.ServiceEndpoint, req *models.StageRequest) (json.RawMessage, error) {
	if ep.URL == "" {
		return nil, fmt.Errorf("stage %s: endpoint url is empty", ep.Name)
	}
	start := time.Now()
	defer func() {
		stagemetrics.StageCallLatency.WithLabelValues(ep.Name).Observe(time.Since(start).Seconds())
	}()

	var body []byte
	err := c.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    ep.URL,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"X-Request-ID": req.RequestID,
		},
		Body: stageBody(req),
	}, &body)
	if err != nil {
		stagemetrics.StageCallErrors.WithLabelValues(ep.Name, errorReason(err)).Inc()
		return nil, fmt.Errorf("post %s: %w", ep.Name, err)
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		stagemetrics.StageCallErrors.WithLabelValues(ep.Name, "malformed").Inc()
		return nil, fmt.Errorf("stage %s: %w", ep.Name, models.ErrMalformedPayload)
	}
	return json.RawMessage(body), nil
}

func errorReason(err error) string {
	var se *xhttp.StatusError
	switch {
	case errors.As(err, &se):
		return "status"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "deadline"
	default:
		return "transport"
	}
}

type stageRequestBody struct {
	RequestID string                     `json:"requestId,omitempty"`
	Stage     models.Stage               `json:"stage"`
	Symbols   []string                   `json:"symbols"`
	Context   map[string]json.RawMessage `json:"context"`
}

func stageBody(req *models.StageRequest) stageRequestBody {
	ctx := make(map[string]json.RawMessage, len(req.Context))
	for s, p := range req.Context {
		ctx[string(s)] = p
	}
	return stageRequestBody{
		RequestID: req.RequestID,
		Stage:     req.Stage,
		Symbols:   req.Symbols,
		Context:   ctx,
	}
}

var _ domsvc.StageClient = (*HTTPStageClient)(nil)
