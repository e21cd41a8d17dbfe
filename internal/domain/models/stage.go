package models

import "fmt"

// Stage identifies one step of the analysis cascade.
type Stage string

const (
	StageMacro  Stage = "macro"
	StageSector Stage = "sector"
	StageAsset  Stage = "asset"
	StageTiming Stage = "timing"
	StageDone   Stage = "done"
)

// CascadeStages lists the analysis stages in execution order.
var CascadeStages = []Stage{StageMacro, StageSector, StageAsset, StageTiming}

// Next returns the stage that follows s. Timing and Done both lead to Done.
func (s Stage) Next() Stage {
	switch s {
	case StageMacro:
		return StageSector
	case StageSector:
		return StageAsset
	case StageAsset:
		return StageTiming
	default:
		return StageDone
	}
}

// Index returns the zero-based position of s in the cascade, or -1.
func (s Stage) Index() int {
	for i, st := range CascadeStages {
		if st == s {
			return i
		}
	}
	return -1
}

// IsValidStage reports whether s is one of the four analysis stages.
func IsValidStage(s Stage) bool { return s.Index() >= 0 }

// ParseStage converts a raw name into a Stage.
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if !IsValidStage(s) {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}
