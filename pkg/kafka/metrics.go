package kafka

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type producerMetrics struct {
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type consumerMetrics struct {
	handled *prometheus.CounterVec
	latency *prometheus.HistogramVec
	backlog *prometheus.GaugeVec
}

var (
	producerStats producerMetrics
	consumerStats consumerMetrics

	producerOnce sync.Once
	consumerOnce sync.Once
)

func initProducerMetrics() {
	producerOnce.Do(func() {
		producerStats = producerMetrics{
			messages: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fincascade_kafka_producer_messages_total",
				Help: "Messages written to Kafka by topic and result",
			}, []string{"topic", "compression", "result"}),
			bytes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fincascade_kafka_producer_bytes_total",
				Help: "Encoded payload bytes written to Kafka",
			}, []string{"topic"}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "fincascade_kafka_producer_write_seconds",
				Help:    "WriteMessages latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"topic"}),
		}
	})
}

func initConsumerMetrics() {
	consumerOnce.Do(func() {
		consumerStats = consumerMetrics{
			handled: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fincascade_kafka_consumer_messages_total",
				Help: "Consumed messages by topic and outcome",
			}, []string{"topic", "outcome"}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "fincascade_kafka_consumer_handle_seconds",
				Help:    "Handling time per message including retries",
				Buckets: prometheus.DefBuckets,
			}, []string{"topic"}),
			backlog: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "fincascade_kafka_consumer_backlog",
				Help: "Fetched messages waiting for a worker",
			}, []string{"topic"}),
		}
	})
}

// observe is a no-op until initProducerMetrics ran, so tests can build bare producers.
func (m producerMetrics) observe(topic, codec string, size, count int, d time.Duration, err error) {
	if m.messages == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.messages.WithLabelValues(topic, codec, result).Add(float64(count))
	if err == nil {
		m.bytes.WithLabelValues(topic).Add(float64(size))
	}
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
}

func (m consumerMetrics) done(topic, outcome string, d time.Duration) {
	if m.handled == nil {
		return
	}
	m.handled.WithLabelValues(topic, outcome).Inc()
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
}

func (m consumerMetrics) queued(topic string, n int) {
	if m.backlog == nil {
		return
	}
	m.backlog.WithLabelValues(topic).Set(float64(n))
}
