package models

import "time"

// EventType names a telemetry event emitted by the cascade core.
type EventType string

const (
	EventStageCompleted  EventType = "stage_completed"
	EventStageFailed     EventType = "stage_failed"
	EventBreakerOpened   EventType = "breaker_opened"
	EventBreakerHalfOpen EventType = "breaker_half_open"
	EventBreakerClosed   EventType = "breaker_closed"
)

// Event is one structured telemetry record.
type Event struct {
	Type      EventType   `json:"type"`
	Time      time.Time   `json:"time"`
	RequestID string      `json:"requestId,omitempty"`
	Stage     Stage       `json:"stage,omitempty"`
	Endpoint  string      `json:"endpoint,omitempty"`
	Kind      FailureKind `json:"kind,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Degraded  bool        `json:"degraded,omitempty"`
	Latency   int64       `json:"latencyMs,omitempty"`
}
