package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned by stage clients when a service answered
// successfully but with a body that is not a JSON document.
var ErrMalformedPayload = errors.New("malformed stage payload")

// FailureKind classifies why a stage or a single dispatch failed.
type FailureKind string

const (
	KindTimeout          FailureKind = "Timeout"
	KindCircuitOpen      FailureKind = "CircuitOpen"
	KindRateLimited      FailureKind = "RateLimited"
	KindRemoteError      FailureKind = "RemoteError"
	KindTransportError   FailureKind = "TransportError"
	KindDeadlineExceeded FailureKind = "DeadlineExceeded"
)

// CountsAsBreakerFailure reports whether an outcome of this kind is evidence
// that the downstream service is unhealthy.
func (k FailureKind) CountsAsBreakerFailure() bool {
	switch k {
	case KindTimeout, KindRemoteError, KindTransportError:
		return true
	default:
		return false
	}
}

// Retryable reports whether the dispatcher may retry a call that failed with k.
func (k FailureKind) Retryable() bool { return k.CountsAsBreakerFailure() }

// DispatchResult is either a successful payload or a classified failure.
type DispatchResult struct {
	Payload  json.RawMessage
	Kind     FailureKind
	Detail   string
	Attempts int
}

// Success builds a successful result.
func Success(payload json.RawMessage) DispatchResult {
	return DispatchResult{Payload: payload}
}

// Failure builds a failed result.
func Failure(kind FailureKind, detail string) DispatchResult {
	return DispatchResult{Kind: kind, Detail: detail}
}

// Failuref builds a failed result with a formatted detail.
func Failuref(kind FailureKind, format string, a ...interface{}) DispatchResult {
	return Failure(kind, fmt.Sprintf(format, a...))
}

// OK reports whether the result carries a payload.
func (r DispatchResult) OK() bool { return r.Kind == "" }

func (r DispatchResult) String() string {
	if r.OK() {
		return fmt.Sprintf("Success(%d bytes)", len(r.Payload))
	}
	return fmt.Sprintf("Failure(%s, %s)", r.Kind, r.Detail)
}
