package api

import (
	"context"
	"errors"

	models "FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	"FinCascade/internal/service/ratelimit"
	"FinCascade/internal/usecase"
	xhttp "FinCascade/pkg/http"
	xlogger "FinCascade/pkg/logger"
	"FinCascade/pkg/queue"
	xutil "FinCascade/pkg/util"

	"github.com/labstack/echo/v4"
)

const (
	defaultEventQueryLimit = 200
	maxEventQueryLimit     = 1000
)

// EndpointInspector exposes shared per-endpoint guard state.
type EndpointInspector interface {
	Snapshot() []models.EndpointStatus
	ResetBreaker(stage models.Stage) bool
}

// Submitter enqueues an analysis request and returns it with its id assigned.
type Submitter interface {
	Submit(ctx context.Context, req models.AnalysisRequest) (models.AnalysisRequest, error)
}

// QueueInspector reports the backlog of the async intake.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// AnalysisEchoHandler serves the cascade API.
type AnalysisEchoHandler struct {
	logger    *xlogger.Logger
	runner    usecase.AnalysisRunner
	endpoints EndpointInspector
	events    domrepo.EventStore
	clients   *ratelimit.KeyedLimiter
	submitter Submitter
	results   domrepo.ResultReader
	backlog   QueueInspector
}

// NewAnalysisEchoHandler wires the handler. events and clients may be nil.
func NewAnalysisEchoHandler(logger *xlogger.Logger, runner usecase.AnalysisRunner, endpoints EndpointInspector, events domrepo.EventStore, clients *ratelimit.KeyedLimiter) *AnalysisEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &AnalysisEchoHandler{logger: logger, runner: runner, endpoints: endpoints, events: events, clients: clients}
}

// WithAsync enables queued analysis and result polling. backlog may be nil.
func (h *AnalysisEchoHandler) WithAsync(s Submitter, results domrepo.ResultReader, backlog QueueInspector) *AnalysisEchoHandler {
	h.submitter = s
	h.results = results
	h.backlog = backlog
	return h
}

func (h *AnalysisEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.POST("/analysis", h.Analyze)
	g.POST("/analysis/async", h.Submit)
	g.GET("/analysis/:requestId", h.Result)
	g.GET("/analysis/:requestId/events", h.Events)
	g.GET("/endpoints", h.Endpoints)
	g.POST("/endpoints/:stage/reset", h.ResetEndpoint)
	g.GET("/health", h.Health)
}

// Analyze runs one cascade. Partial results are still a 200 answer; the
// failures are listed in partialFailures.
func (h *AnalysisEchoHandler) Analyze(c echo.Context) error {
	if !h.clients.Allow(c.RealIP()) {
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("too many analysis requests"))
	}

	req := &models.AnalysisRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if req.RequestID == "" {
		req.RequestID = c.Request().Header.Get(echo.HeaderXRequestID)
	}

	res, err := h.runner.Run(c.Request().Context(), *req)
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidRequest) {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithError(err))
		}
		h.logger.Error("analysis usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	c.Response().Header().Set(echo.HeaderXRequestID, res.RequestID)
	return xhttp.SuccessResponse(c, res)
}

type submitResponse struct {
	RequestID string `json:"requestId"`
}

// Submit queues a request and answers with its id; poll Result for the outcome.
func (h *AnalysisEchoHandler) Submit(c echo.Context) error {
	if h.submitter == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("async analysis is disabled"))
	}
	if !h.clients.Allow(c.RealIP()) {
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("too many analysis requests"))
	}
	req := &models.AnalysisRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	queued, err := h.submitter.Submit(c.Request().Context(), *req)
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidRequest) {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithError(err))
		}
		h.logger.Error("analysis enqueue error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("enqueue failed").WithError(err))
	}
	return xhttp.AcceptedResponse(c, submitResponse{RequestID: queued.RequestID})
}

// Result returns a finished asynchronous run, or 404 while it is pending.
func (h *AnalysisEchoHandler) Result(c echo.Context) error {
	if h.results == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("async analysis is disabled"))
	}
	id := c.Param("requestId")
	res, err := h.results.GetResult(c.Request().Context(), id)
	if err != nil {
		h.logger.Error("result lookup error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("result lookup failed").WithError(err))
	}
	if res == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no result for %s yet", id))
	}
	return xhttp.SuccessResponse(c, res)
}

// Events returns archived telemetry of one run.
func (h *AnalysisEchoHandler) Events(c echo.Context) error {
	if h.events == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("event archive is disabled"))
	}
	limit := xutil.ParseLimit(c.QueryParam("limit"), defaultEventQueryLimit, maxEventQueryLimit)
	rows, err := h.events.Query(c.Request().Context(), c.Param("requestId"), limit)
	if err != nil {
		h.logger.Error("event query error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("event query failed").WithError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *AnalysisEchoHandler) Endpoints(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.endpoints.Snapshot())
}

// ResetEndpoint force-closes a breaker, for operators after a known recovery.
func (h *AnalysisEchoHandler) ResetEndpoint(c echo.Context) error {
	stage, err := models.ParseStage(c.Param("stage"))
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("unknown stage %q", c.Param("stage")))
	}
	if !h.endpoints.ResetBreaker(stage) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no endpoint for stage %q", stage))
	}
	h.logger.Info("breaker reset by operator", xlogger.String("endpoint", string(stage)))
	return xhttp.SuccessResponse(c, map[string]string{"endpoint": string(stage), "breakerState": string(models.BreakerClosed)})
}

type healthResponse struct {
	Status       string       `json:"status"`
	OpenBreakers []string     `json:"openBreakers"`
	Queue        *queue.Stats `json:"queue,omitempty"`
}

// Health is "ok" while every breaker is closed and "degraded" otherwise.
// The service itself keeps answering either way.
func (h *AnalysisEchoHandler) Health(c echo.Context) error {
	res := healthResponse{Status: "ok", OpenBreakers: []string{}}
	for _, st := range h.endpoints.Snapshot() {
		if st.BreakerState != models.BreakerClosed {
			res.OpenBreakers = append(res.OpenBreakers, st.Endpoint.Name)
		}
	}
	if len(res.OpenBreakers) > 0 {
		res.Status = "degraded"
	}
	if h.backlog != nil {
		st, err := h.backlog.Stats(c.Request().Context())
		if err != nil {
			h.logger.Warn("queue stats unavailable", xlogger.Error(err))
			res.Status = "degraded"
		} else {
			res.Queue = &st
		}
	}
	return xhttp.SuccessResponse(c, res)
}
