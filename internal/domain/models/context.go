package models

import "encoding/json"

// FailurePolicy decides whether the cascade keeps going after a stage fails.
type FailurePolicy string

const (
	PolicyFailFast FailurePolicy = "fail-fast"
	PolicyDegrade  FailurePolicy = "degrade"
)

// IsValidPolicy reports whether p is a known policy.
func IsValidPolicy(p FailurePolicy) bool {
	return p == PolicyFailFast || p == PolicyDegrade
}

// StageFailure records why a stage did not produce fresh output.
type StageFailure struct {
	Stage  Stage       `json:"stage"`
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

// AnalysisContext accumulates stage outputs in cascade order.
// A nil field means the stage was not computed.
type AnalysisContext struct {
	Macro           json.RawMessage `json:"macro"`
	Sector          json.RawMessage `json:"sector"`
	Asset           json.RawMessage `json:"asset"`
	Timing          json.RawMessage `json:"timing"`
	PartialFailures []StageFailure  `json:"partialFailures"`
	Degraded        []Stage         `json:"degraded,omitempty"`
}

// NewAnalysisContext returns an empty context.
func NewAnalysisContext() *AnalysisContext {
	return &AnalysisContext{PartialFailures: []StageFailure{}}
}

// Get returns the payload stored for stage s.
func (c *AnalysisContext) Get(s Stage) json.RawMessage {
	switch s {
	case StageMacro:
		return c.Macro
	case StageSector:
		return c.Sector
	case StageAsset:
		return c.Asset
	case StageTiming:
		return c.Timing
	}
	return nil
}

// Set stores payload for stage s. It returns false when an earlier stage is
// still empty, which would break cascade ordering.
func (c *AnalysisContext) Set(s Stage, payload json.RawMessage) bool {
	idx := s.Index()
	if idx < 0 {
		return false
	}
	for _, prev := range CascadeStages[:idx] {
		if c.Get(prev) == nil {
			return false
		}
	}
	switch s {
	case StageMacro:
		c.Macro = payload
	case StageSector:
		c.Sector = payload
	case StageAsset:
		c.Asset = payload
	case StageTiming:
		c.Timing = payload
	}
	return true
}

// Upstream returns the populated outputs of all stages before s, keyed by stage name.
func (c *AnalysisContext) Upstream(s Stage) map[Stage]json.RawMessage {
	out := make(map[Stage]json.RawMessage)
	idx := s.Index()
	if idx < 0 {
		idx = len(CascadeStages)
	}
	for _, prev := range CascadeStages[:idx] {
		if p := c.Get(prev); p != nil {
			out[prev] = p
		}
	}
	return out
}

// RecordFailure appends a failure entry.
func (c *AnalysisContext) RecordFailure(s Stage, kind FailureKind, detail string) {
	c.PartialFailures = append(c.PartialFailures, StageFailure{Stage: s, Kind: kind, Detail: detail})
}

// Partial reports whether any stage failed or is missing.
func (c *AnalysisContext) Partial() bool {
	if len(c.PartialFailures) > 0 {
		return true
	}
	for _, s := range CascadeStages {
		if c.Get(s) == nil {
			return true
		}
	}
	return false
}
