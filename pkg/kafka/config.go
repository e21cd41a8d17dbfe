package kafka

import (
	"errors"
	"strings"
	"time"

	applogger "FinCascade/pkg/logger"

	"github.com/segmentio/kafka-go"
)

var errNoBrokers = errors.New("kafka: brokers are required")

// ProducerConfig holds writer settings.
type ProducerConfig struct {
	Brokers      []string
	RequiredAcks int
	Compression  string
	MaxAttempts  int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	BatchSize    int
	BatchBytes   int
	BatchTimeout time.Duration
	Async        bool
	// HashByKey routes equal keys to the same partition.
	HashByKey bool
}

// ProducerOption configures a Producer.
type ProducerOption func(*ProducerConfig)

func defaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		RequiredAcks: -1,
		Compression:  "gzip",
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		BatchSize:    100,
		BatchBytes:   1 << 20,
		BatchTimeout: time.Second,
	}
}

func WithBrokers(brokers []string) ProducerOption {
	return func(c *ProducerConfig) { c.Brokers = brokers }
}

// WithCompression accepts gzip, snappy, lz4, zstd or none.
func WithCompression(name string) ProducerOption {
	return func(c *ProducerConfig) { c.Compression = name }
}

// WithRequiredAcks sets the ack level (-1 waits for all replicas).
func WithRequiredAcks(acks int) ProducerOption {
	return func(c *ProducerConfig) { c.RequiredAcks = acks }
}

func WithMaxAttempts(n int) ProducerOption {
	return func(c *ProducerConfig) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

func WithBatchSize(n int) ProducerOption {
	return func(c *ProducerConfig) {
		if n > 0 {
			c.BatchSize = n
		}
	}
}

func WithBatchBytes(n int) ProducerOption {
	return func(c *ProducerConfig) {
		if n > 0 {
			c.BatchBytes = n
		}
	}
}

// WithBatchTimeout is the linger before a partial batch is flushed.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		if d > 0 {
			c.BatchTimeout = d
		}
	}
}

func WithTimeouts(write, read time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		if write > 0 {
			c.WriteTimeout = write
		}
		if read > 0 {
			c.ReadTimeout = read
		}
	}
}

// WithAsync makes WriteMessages return before the broker acks.
func WithAsync(async bool) ProducerOption {
	return func(c *ProducerConfig) { c.Async = async }
}

func WithHashByKey(hash bool) ProducerOption {
	return func(c *ProducerConfig) { c.HashByKey = hash }
}

func (c ProducerConfig) writer() *kafka.Writer {
	var bal kafka.Balancer = &kafka.LeastBytes{}
	if c.HashByKey {
		bal = &kafka.Hash{}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Balancer:     bal,
		RequiredAcks: kafka.RequiredAcks(c.RequiredAcks),
		MaxAttempts:  c.MaxAttempts,
		WriteTimeout: c.WriteTimeout,
		ReadTimeout:  c.ReadTimeout,
		BatchSize:    c.BatchSize,
		BatchBytes:   int64(c.BatchBytes),
		BatchTimeout: c.BatchTimeout,
		Async:        c.Async,
	}
	if codec, ok := parseCompression(c.Compression); ok {
		w.Compression = codec
	}
	return w
}

// parseCompression maps a codec name; ok is false for "none" and the empty string.
func parseCompression(name string) (kafka.Compression, bool) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, false
	case "snappy":
		return kafka.Snappy, true
	case "lz4":
		return kafka.Lz4, true
	case "zstd":
		return kafka.Zstd, true
	default:
		return kafka.Gzip, true
	}
}

// ConsumerConfig holds reader and worker pool settings.
type ConsumerConfig struct {
	Brokers    []string
	GroupID    string
	Workers    int
	BufferSize int
	// RetryMax is the number of extra handler attempts after the first failure.
	RetryMax   int
	BackoffMin time.Duration
	BackoffMax time.Duration
	// DLQTopic receives messages whose handler kept failing. Empty disables it.
	DLQTopic string
	MinBytes int
	MaxBytes int
	Logger   *applogger.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*ConsumerConfig)

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		GroupID:    "default",
		Workers:    1,
		BufferSize: 10,
		RetryMax:   3,
		BackoffMin: 50 * time.Millisecond,
		BackoffMax: 2 * time.Second,
		MinBytes:   1,
		MaxBytes:   10 << 20,
	}
}

func WithConsumerBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) { c.Brokers = brokers }
}

func WithConsumerGroupID(id string) ConsumerOption {
	return func(c *ConsumerConfig) {
		if id != "" {
			c.GroupID = id
		}
	}
}

func WithConsumerWorkers(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.Workers = n
		}
	}
}

func WithConsumerBufferSize(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithConsumerRetry sets handler retries and the jittered backoff range between them.
func WithConsumerRetry(max int, backoffMin, backoffMax time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		if max >= 0 {
			c.RetryMax = max
		}
		c.BackoffMin = backoffMin
		c.BackoffMax = backoffMax
	}
}

func WithConsumerDLQ(topic string) ConsumerOption {
	return func(c *ConsumerConfig) { c.DLQTopic = topic }
}

func WithConsumerFetch(minBytes, maxBytes int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if minBytes > 0 {
			c.MinBytes = minBytes
		}
		if maxBytes > 0 {
			c.MaxBytes = maxBytes
		}
	}
}

func WithConsumerLogger(l *applogger.Logger) ConsumerOption {
	return func(c *ConsumerConfig) { c.Logger = l }
}
