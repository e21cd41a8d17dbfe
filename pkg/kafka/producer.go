package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// traceHeader carries the correlation id between producer and consumer.
const traceHeader = "trace_id"

// messageWriter is the part of *kafka.Writer the package uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is one keyed record of a batch. Value is encoded like Publish encodes it.
type Message struct {
	Key   []byte
	Value interface{}
}

// Producer publishes JSON or raw payloads to Kafka.
type Producer struct {
	w     messageWriter
	codec string
	now   func() time.Time
}

// NewProducer builds a writer from the options. No connection is made until the first write.
func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := defaultProducerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, errNoBrokers
	}
	initProducerMetrics()
	return &Producer{w: cfg.writer(), codec: cfg.Compression, now: time.Now}, nil
}

// Publish writes a single record. A trace id found on ctx travels as a header.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value interface{}) error {
	return p.PublishBatch(ctx, topic, []Message{{Key: key, Value: value}})
}

// PublishMessage writes an unkeyed record.
func (p *Producer) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.PublishBatch(ctx, topic, []Message{{Value: payload}})
}

// PublishBatch writes all records in one call. Nothing is sent if any value fails to encode.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	start := p.now()
	var headers []kafka.Header
	if id := TraceIDFrom(ctx); id != "" {
		headers = []kafka.Header{{Key: traceHeader, Value: []byte(id)}}
	}

	out := make([]kafka.Message, len(messages))
	var size int
	for i, m := range messages {
		v, err := encodeValue(m.Value)
		if err != nil {
			return fmt.Errorf("kafka: encode %s message %d: %w", topic, i, err)
		}
		size += len(v)
		out[i] = kafka.Message{Topic: topic, Key: m.Key, Value: v, Time: start, Headers: headers}
	}

	err := p.w.WriteMessages(ctx, out...)
	producerStats.observe(topic, p.codec, size, len(out), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("kafka: write %s: %w", topic, err)
	}
	return nil
}

// Close flushes pending async writes.
func (p *Producer) Close() error {
	if p.w == nil {
		return nil
	}
	return p.w.Close()
}

func encodeValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case json.RawMessage:
		return val, nil
	default:
		return json.Marshal(v)
	}
}
