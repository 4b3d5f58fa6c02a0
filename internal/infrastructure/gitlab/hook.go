package gitlab

import (
	"net/http"
	"time"

	gl "gitlab.com/gitlab-org/api/client-go"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// TokenHeader carries the secret token configured on a GitLab webhook.
const TokenHeader = "X-Gitlab-Token"

// statusChangedLayout is how deployment hooks format status_changed_at.
const statusChangedLayout = "2006-01-02 15:04:05 -0700"

// ParseDeploymentHook translates a GitLab deployment hook into a deployment
// event. The boolean is false for hooks that carry nothing to track: other
// event types, and deployment statuses such as created or canceled.
func ParseDeploymentHook(r *http.Request, body []byte, now time.Time) (rollout.DeploymentEvent, bool, error) {
	const op = "gitlab.ParseDeploymentHook"

	eventType := gl.HookEventType(r)
	if eventType != gl.EventTypeDeployment {
		return rollout.DeploymentEvent{}, false, nil
	}
	parsed, err := gl.ParseHook(eventType, body)
	if err != nil {
		return rollout.DeploymentEvent{}, false, rerrors.Wrap(err, rerrors.KindValidation, op, "malformed deployment hook")
	}
	hook, ok := parsed.(*gl.DeploymentEvent)
	if !ok {
		return rollout.DeploymentEvent{}, false, nil
	}

	outcome, ok := deploymentOutcome(hook.Status)
	if !ok {
		return rollout.DeploymentEvent{}, false, nil
	}

	occurred := now
	if t, err := time.Parse(statusChangedLayout, hook.StatusChangedAt); err == nil {
		occurred = t
	}

	event := rollout.DeploymentEvent{
		Project:     hook.Project.PathWithNamespace,
		Tag:         hook.Ref,
		Environment: hook.Environment,
		Outcome:     outcome,
		OccurredAt:  occurred.UTC(),
	}
	return event, true, nil
}

func deploymentOutcome(status string) (rollout.Outcome, bool) {
	switch status {
	case "running":
		return rollout.OutcomeStarted, true
	case "success":
		return rollout.OutcomeSucceeded, true
	case "failed":
		return rollout.OutcomeFailed, true
	default:
		return "", false
	}
}
