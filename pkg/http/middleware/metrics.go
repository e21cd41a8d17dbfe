package middleware

import (
	"strconv"
	"sync"
	"time"

	applogger "FinCascade/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// APIStatusKey is the echo context key under which response helpers store the
// status written inside the JSON envelope. The transport status is always 200
// for envelope answers, so metrics prefer this value.
const APIStatusKey = "api_status"

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	size     *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

var (
	httpStats   httpMetrics
	metricsOnce sync.Once
)

func registerHTTPMetrics() {
	metricsOnce.Do(func() {
		httpStats = httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fincascade_http_requests_total",
				Help: "API requests by route and outcome status",
			}, []string{"route", "method", "status"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "fincascade_http_request_duration_seconds",
				Help:    "API request latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"route", "method", "class"}),
			size: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "fincascade_http_response_size_bytes",
				Help:    "API response size",
				Buckets: prometheus.ExponentialBuckets(256, 4, 8),
			}, []string{"route"}),
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fincascade_http_in_flight_requests",
				Help: "Requests being served",
			}),
		}
		prometheus.MustRegister(httpStats.requests, httpStats.duration, httpStats.size, httpStats.inFlight)
	})
}

// Metrics records request counts, latency and size labelled by the registered
// echo route, and warns about requests slower than slowThreshold.
func Metrics(l *applogger.Logger, slowThreshold time.Duration) echo.MiddlewareFunc {
	registerHTTPMetrics()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			httpStats.inFlight.Inc()
			defer httpStats.inFlight.Dec()
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
			}

			elapsed := time.Since(start)
			route, method := routeLabel(c), c.Request().Method
			code := outcomeStatus(c)
			httpStats.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
			httpStats.duration.WithLabelValues(route, method, statusClass(code)).Observe(elapsed.Seconds())
			httpStats.size.WithLabelValues(route).Observe(float64(c.Response().Size))

			if l != nil && slowThreshold > 0 && elapsed >= slowThreshold {
				l.Warn("http request slow",
					applogger.String("route", route),
					applogger.String("method", method),
					applogger.Int("status", code),
					applogger.Duration("elapsed", elapsed),
				)
			}
			return nil
		}
	}
}

// outcomeStatus is the envelope status when a response helper set one.
func outcomeStatus(c echo.Context) int {
	if v, ok := c.Get(APIStatusKey).(int); ok && v > 0 {
		return v
	}
	return c.Response().Status
}

func routeLabel(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
