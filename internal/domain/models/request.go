package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// AnalysisRequest is the inbound request for one cascade run.
type AnalysisRequest struct {
	RequestID       string        `json:"requestId" query:"requestId"`
	Symbols         []string      `json:"symbols" validate:"required,min=1,max=50,dive,required"`
	RequestDeadline Duration      `json:"requestDeadline"`
	FailurePolicy   FailurePolicy `json:"failurePolicy" validate:"omitempty,oneof=fail-fast degrade"`
}

// AnalysisResponse is returned for every cascade run, complete or partial.
type AnalysisResponse struct {
	RequestID       string          `json:"requestId"`
	Symbols         []string        `json:"symbols"`
	Macro           json.RawMessage `json:"macro"`
	Sector          json.RawMessage `json:"sector"`
	Asset           json.RawMessage `json:"asset"`
	Timing          json.RawMessage `json:"timing"`
	PartialFailures []StageFailure  `json:"partialFailures"`
	Degraded        []Stage         `json:"degraded,omitempty"`
	Partial         bool            `json:"partial"`
	Policy          FailurePolicy   `json:"failurePolicy"`
	StartedAt       time.Time       `json:"startedAt"`
	DurationMs      int64           `json:"durationMs"`
}

// UnmarshalJSON maps JSON null stage outputs back to nil, so a decoded
// response reads like the one the orchestrator built.
func (r *AnalysisResponse) UnmarshalJSON(b []byte) error {
	type plain AnalysisResponse
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	for _, f := range []*json.RawMessage{&p.Macro, &p.Sector, &p.Asset, &p.Timing} {
		if bytes.Equal(bytes.TrimSpace(*f), []byte("null")) {
			*f = nil
		}
	}
	*r = AnalysisResponse(p)
	return nil
}

// NewAnalysisResponse flattens a finished context into a response.
func NewAnalysisResponse(req AnalysisRequest, ac *AnalysisContext, started time.Time, took time.Duration) *AnalysisResponse {
	failures := ac.PartialFailures
	if failures == nil {
		failures = []StageFailure{}
	}
	return &AnalysisResponse{
		RequestID:       req.RequestID,
		Symbols:         req.Symbols,
		Macro:           ac.Macro,
		Sector:          ac.Sector,
		Asset:           ac.Asset,
		Timing:          ac.Timing,
		PartialFailures: failures,
		Degraded:        ac.Degraded,
		Partial:         ac.Partial(),
		Policy:          req.FailurePolicy,
		StartedAt:       started,
		DurationMs:      took.Milliseconds(),
	}
}

// StageRequest is the body posted to a stage service.
type StageRequest struct {
	RequestID string                    `json:"requestId"`
	Stage     Stage                     `json:"stage"`
	Symbols   []string                  `json:"symbols"`
	Context   map[Stage]json.RawMessage `json:"context"`
}

// Duration accepts either a Go duration string ("5s") or integer milliseconds in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var ms int64
	if err := json.Unmarshal(b, &ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
