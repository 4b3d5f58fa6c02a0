package rollout

import (
	"sort"
	"time"
)

// History accumulates deployment outcomes per environment. Each collection
// holds at most one timestamp per environment.
type History struct {
	Started   map[string]time.Time `json:"started"`
	Failed    map[string]time.Time `json:"failed"`
	Succeeded map[string]time.Time `json:"succeeded"`
}

// NewHistory returns an empty history.
func NewHistory() History {
	return History{
		Started:   map[string]time.Time{},
		Failed:    map[string]time.Time{},
		Succeeded: map[string]time.Time{},
	}
}

// Clone returns a deep copy. Nil collections come back empty.
func (h History) Clone() History {
	return History{
		Started:   cloneTimes(h.Started),
		Failed:    cloneTimes(h.Failed),
		Succeeded: cloneTimes(h.Succeeded),
	}
}

func cloneTimes(in map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Collection returns the collection recording the outcome.
func (h History) Collection(o Outcome) map[string]time.Time {
	switch o {
	case OutcomeStarted:
		return h.Started
	case OutcomeFailed:
		return h.Failed
	case OutcomeSucceeded:
		return h.Succeeded
	default:
		return nil
	}
}

// Touched reports whether any outcome was recorded for env.
func (h History) Touched(env string) bool {
	_, s := h.Started[env]
	_, f := h.Failed[env]
	_, ok := h.Succeeded[env]
	return s || f || ok
}

// Elapsed returns the time between start and success of env.
// The second result is false when either timestamp is missing.
func (h History) Elapsed(env string) (time.Duration, bool) {
	started, ok := h.Started[env]
	if !ok {
		return 0, false
	}
	succeeded, ok := h.Succeeded[env]
	if !ok {
		return 0, false
	}
	return succeeded.Sub(started), true
}

// Environments returns every environment present in the history, sorted.
func (h History) Environments() []string {
	seen := map[string]struct{}{}
	for _, m := range []map[string]time.Time{h.Started, h.Failed, h.Succeeded} {
		for env := range m {
			seen[env] = struct{}{}
		}
	}
	envs := make([]string, 0, len(seen))
	for env := range seen {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	return envs
}

// Equal reports whether both histories hold the same entries.
func (h History) Equal(other History) bool {
	return timesEqual(h.Started, other.Started) &&
		timesEqual(h.Failed, other.Failed) &&
		timesEqual(h.Succeeded, other.Succeeded)
}

func timesEqual(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}
