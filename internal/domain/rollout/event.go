package rollout

import (
	"time"

	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Outcome is the result reported by a deployment event.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeFailed    Outcome = "failed"
	OutcomeSucceeded Outcome = "succeeded"
)

// IsValid returns true for a known outcome.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeStarted, OutcomeFailed, OutcomeSucceeded:
		return true
	default:
		return false
	}
}

// DeploymentEvent reports a deployment of a release tag to one environment.
// Delivery is at least once and may be reordered.
type DeploymentEvent struct {
	Project     string    `json:"project"`
	Tag         string    `json:"tag"`
	Environment string    `json:"environment"`
	Outcome     Outcome   `json:"outcome"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Key returns the key of the release the event belongs to.
func (e DeploymentEvent) Key() Key {
	return Key{Project: e.Project, Tag: e.Tag}
}

// Validate checks the event carries what the tracker needs.
func (e DeploymentEvent) Validate() error {
	const op = "rollout.DeploymentEvent.Validate"
	if !e.Key().Valid() {
		return rerrors.Validation(op, "event requires project and tag")
	}
	if e.Environment == "" {
		return rerrors.Validation(op, "event requires an environment")
	}
	if !e.Outcome.IsValid() {
		return rerrors.Policy(op, "unrecognized deployment outcome "+string(e.Outcome))
	}
	return nil
}
