package metrics

import (
	"strconv"
	"time"

	"FinCascade/internal/domain/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	dispatches   *prometheus.CounterVec
	dispatchTime *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	stages       *prometheus.CounterVec
	cascades     *prometheus.CounterVec
	cascadeTime  *prometheus.HistogramVec
	errorsTotal  *prometheus.CounterVec
}

// New creates a recorder registered on the default Prometheus registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder on a custom registry. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		dispatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fincascade_dispatch_total",
				Help: "Stage dispatches by endpoint and outcome kind",
			},
			[]string{"endpoint", "outcome"},
		),
		dispatchTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fincascade_dispatch_duration_seconds",
				Help:    "Duration of stage dispatches including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "attempts"},
		),
		rateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fincascade_rate_limited_total",
				Help: "Dispatches rejected by the per-endpoint rate limiter",
			},
			[]string{"endpoint"},
		),
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fincascade_breaker_state",
				Help: "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open)",
			},
			[]string{"endpoint"},
		),
		stages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fincascade_stage_total",
				Help: "Stage outcomes within cascade runs",
			},
			[]string{"stage", "outcome"},
		),
		cascades: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fincascade_cascade_total",
				Help: "Completed cascade runs",
			},
			[]string{"policy", "partial"},
		),
		cascadeTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fincascade_cascade_duration_seconds",
				Help:    "Wall time of cascade runs",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"policy"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fincascade_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
	}
}

// RecordDispatch records the final outcome of one dispatch. An empty kind is a success.
func (r *Recorder) RecordDispatch(endpoint string, kind models.FailureKind, attempts int, seconds float64) {
	outcome := string(kind)
	if outcome == "" {
		outcome = "success"
	}
	r.dispatches.WithLabelValues(endpoint, outcome).Inc()
	r.dispatchTime.WithLabelValues(endpoint, strconv.Itoa(attempts)).Observe(seconds)
}

// RecordRateLimited records a limiter denial.
func (r *Recorder) RecordRateLimited(endpoint string) {
	r.rateLimited.WithLabelValues(endpoint).Inc()
}

// RecordBreakerState sets the breaker gauge.
func (r *Recorder) RecordBreakerState(endpoint string, state models.BreakerState) {
	var v float64
	switch state {
	case models.BreakerHalfOpen:
		v = 1
	case models.BreakerOpen:
		v = 2
	}
	r.breakerState.WithLabelValues(endpoint).Set(v)
}

// RecordStage records how a stage ended: success, failed or degraded.
func (r *Recorder) RecordStage(stage models.Stage, outcome string) {
	r.stages.WithLabelValues(string(stage), outcome).Inc()
}

// RecordCascade records a finished run.
func (r *Recorder) RecordCascade(policy models.FailurePolicy, partial bool, d time.Duration) {
	r.cascades.WithLabelValues(string(policy), strconv.FormatBool(partial)).Inc()
	r.cascadeTime.WithLabelValues(string(policy)).Observe(d.Seconds())
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}
