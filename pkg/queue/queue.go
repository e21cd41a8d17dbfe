package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Publisher enqueues a typed message.
type Publisher interface {
	PublishMessage(ctx context.Context, msgType string, payload interface{}) error
}

// QueueConfig tunes workers and retries.
type QueueConfig struct {
	Workers    int
	RetryLimit int
	RetryDelay time.Duration
	// RetryPoll is how often due retries move back to the pending list.
	RetryPoll time.Duration
}

func (c *QueueConfig) withDefaults() QueueConfig {
	out := QueueConfig{}
	if c != nil {
		out = *c
	}
	if out.Workers <= 0 {
		out.Workers = 1
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 10 * time.Second
	}
	if out.RetryPoll <= 0 {
		out.RetryPoll = 5 * time.Second
	}
	return out
}

// Message is the stored envelope. Payload keeps the producer's JSON untouched.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
	LastError string          `json:"lastError,omitempty"`
}

// Stats is a point-in-time view of the queue keys.
type Stats struct {
	Pending     int64 `json:"pending"`
	Retrying    int64 `json:"retrying"`
	DeadLetters int64 `json:"deadLetters"`
}
