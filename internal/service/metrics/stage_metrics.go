package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Per-attempt metrics of outbound stage calls. Dispatch-level outcomes,
// retries included, are recorded by pkg/metrics.
var (
	once sync.Once

	StageCallLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fincascade",
			Subsystem: "stage_client",
			Name:      "call_seconds",
			Help:      "Latency of single HTTP calls to stage services",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	StageCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fincascade",
			Subsystem: "stage_client",
			Name:      "errors_total",
			Help:      "Failed HTTP calls to stage services by reason",
		},
		[]string{"endpoint", "reason"},
	)
)

func Register() {
	once.Do(func() {
		prometheus.MustRegister(StageCallLatency, StageCallErrors)
	})
}
