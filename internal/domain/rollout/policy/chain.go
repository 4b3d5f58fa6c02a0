package policy

import (
	"fmt"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// stage is a resolved chain step: its member environments and how many of
// them must succeed before the stage is monitored.
type stage struct {
	name     string
	members  []string
	required int
	manual   bool
}

// chain is an ordered list of stages shared by the simple and federated
// policies.
type chain struct {
	stages []stage
	index  map[string]int
}

// labeler names transitions after an environment or a stage. A nil labeler
// leaves the environment or stage name as the label.
type labeler func(name string, event *rollout.DeploymentEvent) string

// displayName labels name, or returns "" when the label adds nothing.
func (l labeler) displayName(name string, event *rollout.DeploymentEvent) string {
	if l == nil {
		return ""
	}
	if label := l(name, event); label != name {
		return label
	}
	return ""
}

func newChain(stages []stage) (*chain, error) {
	const op = "policy.newChain"
	if len(stages) == 0 {
		return nil, rerrors.Config(op, "at least one stage is required")
	}
	c := &chain{stages: stages, index: map[string]int{}}
	for i, st := range stages {
		if st.name == "" {
			return nil, rerrors.Config(op, fmt.Sprintf("stage %d has no name", i))
		}
		if len(st.members) == 0 {
			return nil, rerrors.Config(op, fmt.Sprintf("stage %q has no environments", st.name))
		}
		if st.required < 1 || st.required > len(st.members) {
			return nil, rerrors.Config(op, fmt.Sprintf("stage %q requires %d of %d successes", st.name, st.required, len(st.members)))
		}
		for _, m := range st.members {
			if _, dup := c.index[m]; dup {
				return nil, rerrors.Config(op, fmt.Sprintf("environment %q appears in more than one stage", m))
			}
			c.index[m] = i
		}
	}
	return c, nil
}

func (c *chain) terminal(i int) bool {
	return i == len(c.stages)-1
}

// successes counts the members of st that succeeded.
func (c *chain) successes(h rollout.History, st stage) int {
	n := 0
	for _, m := range st.members {
		if _, ok := h.Succeeded[m]; ok {
			n++
		}
	}
	return n
}

func (c *chain) reached(h rollout.History, st stage) bool {
	return c.successes(h, st) >= st.required
}

// firstTouch reports whether env starting is the first activity of its stage.
func (c *chain) firstTouch(h rollout.History, st stage, env string) bool {
	for _, m := range st.members {
		if m == env {
			_, failed := h.Failed[m]
			_, succeeded := h.Succeeded[m]
			if failed || succeeded {
				return false
			}
			continue
		}
		if h.Touched(m) {
			return false
		}
	}
	return true
}

// derive surfaces the transitions caused by event on history h, which
// already contains event. With perMember set, deploying is announced per
// environment instead of once per stage.
func (c *chain) derive(h rollout.History, event *rollout.DeploymentEvent, perMember bool, label labeler) ([]rollout.Transition, error) {
	const op = "policy.DeriveTransitions"
	if event == nil {
		return c.completion(h), nil
	}

	env := event.Environment
	i, ok := c.index[env]
	if !ok {
		return nil, rerrors.Policy(op, fmt.Sprintf("unknown environment %q", env))
	}
	st := c.stages[i]
	terminal := c.terminal(i)
	name := label.displayName(env, event)

	var out []rollout.Transition
	switch event.Outcome {
	case rollout.OutcomeStarted:
		if c.firstTouch(h, st, env) {
			if i > 0 && c.reached(h, c.stages[i-1]) {
				prev := c.stages[i-1].name
				out = append(out, rollout.Transition{Environment: prev, Phase: rollout.PhaseCompleted, DisplayName: label.displayName(prev, event)})
			}
			if !perMember {
				out = append(out, rollout.Transition{Environment: st.name, Phase: rollout.PhaseDeploying, DisplayName: label.displayName(st.name, event), Terminal: terminal})
			}
		}
		if perMember {
			out = append(out, rollout.Transition{Environment: env, Phase: rollout.PhaseDeploying, DisplayName: name, Terminal: terminal})
		}
	case rollout.OutcomeFailed:
		out = append(out, rollout.Transition{Environment: env, Phase: rollout.PhaseFailed, DisplayName: name, Terminal: terminal})
	case rollout.OutcomeSucceeded:
		// The event was just inserted, so reaching the count exactly means
		// this success crossed it.
		if c.successes(h, st) != st.required {
			break
		}
		stageName := label.displayName(st.name, event)
		monitoring := rollout.Transition{Environment: st.name, Phase: rollout.PhaseMonitoring, DisplayName: stageName, Terminal: terminal}
		if d, ok := h.Elapsed(env); ok {
			monitoring.Duration = &d
		}
		out = append(out, monitoring)
		if terminal && !st.manual {
			out = append(out, rollout.Transition{Environment: st.name, Phase: rollout.PhaseCompleted, DisplayName: stageName, Terminal: true})
		}
	default:
		return nil, rerrors.Policy(op, fmt.Sprintf("unrecognized outcome %q for %q", event.Outcome, env))
	}
	return out, nil
}

// completion reports the completion state of the furthest stage reached by
// the history.
func (c *chain) completion(h rollout.History) []rollout.Transition {
	for i := len(c.stages) - 1; i >= 0; i-- {
		st := c.stages[i]
		touched := false
		for _, m := range st.members {
			if h.Touched(m) {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		if !c.reached(h, st) {
			return nil
		}
		return []rollout.Transition{{Environment: st.name, Phase: rollout.PhaseCompleted, Terminal: c.terminal(i)}}
	}
	return nil
}
