package api

import (
	"context"
	"net/http"

	"FinCascade/internal/service/events"
	xlogger "FinCascade/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// EventStreamHandler upgrades clients to a websocket fed by the event hub.
type EventStreamHandler struct {
	logger   *xlogger.Logger
	hub      *events.Hub
	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewEventStreamHandler(logger *xlogger.Logger, hub *events.Hub) *EventStreamHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EventStreamHandler{
		logger: logger,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (h *EventStreamHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/events/ws", h.Stream)
}

// Stream serves GET /api/events/ws?requestId=... ; without requestId every
// event is streamed.
func (h *EventStreamHandler) Stream(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", xlogger.Error(err))
		return nil
	}
	requestID := c.QueryParam("requestId")
	h.logger.Debug("event stream opened", xlogger.String("run_id", requestID))
	h.hub.Serve(h.ctx, conn, requestID)
	h.logger.Debug("event stream closed", xlogger.String("run_id", requestID))
	return nil
}

// Close ends every open stream. Hijacked connections are not closed by the
// HTTP server shutdown.
func (h *EventStreamHandler) Close() { h.cancel() }
