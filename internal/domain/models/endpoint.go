package models

import "time"

// RateLimit describes a token bucket: Capacity tokens, refilled at RefillPerSec.
type RateLimit struct {
	Capacity     float64 `json:"capacity"`
	RefillPerSec float64 `json:"refillPerSec"`
}

// ServiceEndpoint is the static description of one downstream analysis service.
type ServiceEndpoint struct {
	Name             string        `json:"name"`
	URL              string        `json:"url"`
	Timeout          time.Duration `json:"timeout"`
	RetryCount       int           `json:"retryCount"`
	FailureThreshold int           `json:"failureThreshold"`
	OpenTimeout      time.Duration `json:"openTimeout"`
	RateLimit        RateLimit     `json:"rateLimit"`
}

// BreakerState is the circuit breaker state of an endpoint.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// EndpointStatus is a point-in-time view of an endpoint's shared guards.
type EndpointStatus struct {
	Endpoint            ServiceEndpoint `json:"endpoint"`
	BreakerState        BreakerState    `json:"breakerState"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	LastFailureTime     time.Time       `json:"lastFailureTime"`
	TrialInFlight       bool            `json:"trialInFlight"`
	Tokens              float64         `json:"tokens"` // -1 when unlimited
}
