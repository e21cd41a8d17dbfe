package repository

import (
	"context"
	"fmt"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	pkgkafka "FinCascade/pkg/kafka"
)

// MessagePublisher is the subset of pkg/kafka.Producer used here.
type MessagePublisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
}

// KafkaEventSink publishes telemetry events, keyed by request id so one
// run's events stay ordered within a partition.
type KafkaEventSink struct {
	producer MessagePublisher
	topic    string
}

// NewKafkaEventSink creates the sink.
func NewKafkaEventSink(producer MessagePublisher, topic string) *KafkaEventSink {
	return &KafkaEventSink{producer: producer, topic: topic}
}

func (s *KafkaEventSink) Emit(ctx context.Context, ev models.Event) error {
	return s.producer.Publish(ctx, s.topic, eventKey(ev), ev)
}

func (s *KafkaEventSink) EmitBatch(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(events))
	for i, ev := range events {
		msgs[i] = pkgkafka.Message{Key: eventKey(ev), Value: ev}
	}
	if err := s.producer.PublishBatch(ctx, s.topic, msgs); err != nil {
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}

func eventKey(ev models.Event) []byte {
	if ev.RequestID != "" {
		return []byte(ev.RequestID)
	}
	return []byte(ev.Endpoint)
}

// KafkaResultPublisher writes finished cascade responses for async callers.
type KafkaResultPublisher struct {
	producer MessagePublisher
	topic    string
}

// NewKafkaResultPublisher creates the publisher.
func NewKafkaResultPublisher(producer MessagePublisher, topic string) *KafkaResultPublisher {
	return &KafkaResultPublisher{producer: producer, topic: topic}
}

func (p *KafkaResultPublisher) PublishResult(ctx context.Context, res *models.AnalysisResponse) error {
	if res == nil {
		return fmt.Errorf("result is nil")
	}
	if err := p.producer.Publish(ctx, p.topic, []byte(res.RequestID), res); err != nil {
		return fmt.Errorf("publish result %s: %w", res.RequestID, err)
	}
	return nil
}

var (
	_ domrepo.EventSink       = (*KafkaEventSink)(nil)
	_ domrepo.EventBatchSink  = (*KafkaEventSink)(nil)
	_ domrepo.ResultPublisher = (*KafkaResultPublisher)(nil)
	_ MessagePublisher        = (*pkgkafka.Producer)(nil)
)
