package rollout

import "time"

// Deriver turns a deployment history into surfaced transitions.
// Release policies implement it.
type Deriver interface {
	// DeriveTransitions inspects the full history. A nil event asks for the
	// completion state of the history as it stands.
	DeriveTransitions(history History, event *DeploymentEvent) ([]Transition, error)
}

// Fold applies event to history and derives the transitions it causes.
//
// The update is a set union keyed by environment: an environment already
// present in the event's collection keeps its first timestamp. A success
// clears an earlier failure of the same environment, and a failure older
// than a recorded success is stale and dropped. The policy is consulted only
// when the event inserted a new entry, so a redelivered event returns an
// equal history and no transitions. Inputs are never mutated.
func Fold(history History, event DeploymentEvent, deriver Deriver) (History, []Transition, error) {
	if err := event.Validate(); err != nil {
		return history.Clone(), nil, err
	}

	next := history.Clone()
	env := event.Environment
	inserted := false

	switch event.Outcome {
	case OutcomeStarted:
		inserted = insert(next.Started, env, event)
	case OutcomeFailed:
		if succeededAt, ok := next.Succeeded[env]; ok && !event.OccurredAt.After(succeededAt) {
			break
		}
		inserted = insert(next.Failed, env, event)
	case OutcomeSucceeded:
		inserted = insert(next.Succeeded, env, event)
		if failedAt, ok := next.Failed[env]; ok && !failedAt.After(event.OccurredAt) {
			delete(next.Failed, env)
		}
	}

	if !inserted {
		return next, nil, nil
	}

	transitions, err := deriver.DeriveTransitions(next, &event)
	if err != nil {
		return next, nil, err
	}
	return next, transitions, nil
}

func insert(collection map[string]time.Time, env string, event DeploymentEvent) bool {
	if _, ok := collection[env]; ok {
		return false
	}
	collection[env] = event.OccurredAt
	return true
}
