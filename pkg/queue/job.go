package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Job handles every message of one Type.
type Job interface {
	Name() string
	Type() string
	// Handle gets the payload as json.RawMessage. A returned error schedules a
	// retry until RetryLimit is reached, then the message is dead-lettered.
	Handle(ctx context.Context, payload interface{}) error
}

// ParsePayload decodes a job payload into T. Already typed values pass through.
func ParsePayload[T any](payload interface{}) (*T, error) {
	var raw []byte
	switch p := payload.(type) {
	case *T:
		return p, nil
	case T:
		return &p, nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("re-encode payload: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("unsupported payload type %T", payload)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
