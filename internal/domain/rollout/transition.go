package rollout

import (
	"fmt"
	"time"
)

// Phase is a human facing lifecycle step of a stage.
type Phase string

const (
	PhaseDeploying  Phase = "deploying"
	PhaseFailed     Phase = "failed"
	PhaseMonitoring Phase = "monitoring"
	PhaseCompleted  Phase = "completed"
)

// Transition is a lifecycle change surfaced to users.
type Transition struct {
	// Environment is the stage or environment the transition is about.
	Environment string `json:"environment"`
	Phase       Phase  `json:"phase"`
	// DisplayName overrides Environment in rendered messages.
	DisplayName string `json:"display_name,omitempty"`
	// Terminal marks transitions of the last stage of the chain.
	Terminal bool `json:"terminal,omitempty"`
	// Duration is how long the triggering deployment took, nil when unknown.
	Duration *time.Duration `json:"duration,omitempty"`
}

// Name returns the label to render for the transition.
func (t Transition) Name() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.Environment
}

// Took renders the duration clause, or "" when the duration is unknown.
func (t Transition) Took() string {
	if t.Duration == nil {
		return ""
	}
	return FormatDuration(*t.Duration)
}

// FormatDuration renders d as "took Xm Ys" with whole minutes and the
// remaining seconds. Negative durations from skewed clocks render as zero.
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("took %dm %ds", secs/60, secs%60)
}
