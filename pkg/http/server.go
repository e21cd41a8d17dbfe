package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"FinCascade/pkg/http/middleware"
	applogger "FinCascade/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server runs the echo API with recovery, request logging, metrics and CORS.
type Server struct {
	echo *echo.Echo
	log  *applogger.Logger
	ln   net.Listener

	host          string
	port          int
	readTimeout   time.Duration
	writeTimeout  time.Duration
	cors          bool
	metricsPath   string
	slowThreshold time.Duration
}

// ServerOption configures Server.
type ServerOption func(*Server)

func WithHost(host string) ServerOption { return func(s *Server) { s.host = host } }

// WithPort sets the listen port; 0 picks a free one.
func WithPort(port int) ServerOption { return func(s *Server) { s.port = port } }

// WithTimeouts sets the read and write timeouts. The shutdown budget belongs to
// the caller's Stop context and is accepted only for config symmetry.
func WithTimeouts(read, write, _ time.Duration) ServerOption {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

func WithCORS(enabled bool) ServerOption { return func(s *Server) { s.cors = enabled } }

// WithMetricsPath sets the Prometheus scrape path; empty disables it.
func WithMetricsPath(path string) ServerOption { return func(s *Server) { s.metricsPath = path } }

func WithSlowThreshold(d time.Duration) ServerOption {
	return func(s *Server) { s.slowThreshold = d }
}

func WithLogger(l *applogger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer builds the echo instance and registers handler's routes.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		log:           applogger.Nop(),
		host:          "0.0.0.0",
		port:          8080,
		readTimeout:   10 * time.Second,
		writeTimeout:  10 * time.Second,
		cors:          true,
		metricsPath:   "/metrics",
		slowThreshold: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = s.readTimeout
	e.Server.WriteTimeout = s.writeTimeout

	e.Use(middleware.Recover(s.log), middleware.RequestLogging(s.log), middleware.Metrics(s.log, s.slowThreshold))
	if s.cors {
		e.Use(middleware.CORS(middleware.CORSConfig{
			AllowOrigins:  []string{"*"},
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAccept, echo.HeaderXRequestID},
			ExposeHeaders: []string{echo.HeaderXRequestID},
		}))
	}
	if handler != nil {
		handler.RegisterRoutes(e)
	}
	if s.metricsPath != "" {
		e.GET(s.metricsPath, echo.WrapHandler(promhttp.Handler()))
	}
	s.echo = e
	return s
}

// Start binds the port and serves in the background. Bind errors are returned.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	s.ln = ln
	s.echo.Listener = ln

	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped unexpectedly", applogger.Error(err))
		}
	}()
	s.log.Info("http server listening", applogger.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }
