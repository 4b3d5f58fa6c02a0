package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
	"github.com/relicta-tech/rollout/internal/infrastructure/gitlab"
	"github.com/relicta-tech/rollout/internal/infrastructure/notify"
)

const (
	// SourceGitLab labels events received from GitLab deployment hooks.
	SourceGitLab = "gitlab"
	// SourceAPI labels events posted to the generic deployment endpoint.
	SourceAPI = "api"
)

type hookResponse struct {
	Status string `json:"status"`
}

// GitLabHook receives GitLab deployment hooks. Authenticated hooks are
// always acknowledged so GitLab does not disable the webhook over
// failures on our side.
func (c *Context) GitLabHook(w http.ResponseWriter, r *http.Request) {
	if c.HookToken != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(gitlab.TokenHeader)), []byte(c.HookToken)) != 1 {
		respondError(w, http.StatusUnauthorized, "invalid hook token", rerrors.KindValidation.String())
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		c.logger.Warn("unreadable gitlab hook", "error", err)
		respondJSON(w, http.StatusOK, hookResponse{Status: "ignored"})
		return
	}

	event, ok, err := gitlab.ParseDeploymentHook(r, body, c.Now())
	if err != nil {
		c.logger.Warn("malformed gitlab hook", "error", err)
	}
	if !ok {
		respondJSON(w, http.StatusOK, hookResponse{Status: "ignored"})
		return
	}

	c.Events.DeploymentEventReceived(SourceGitLab, event.Outcome)
	if err := c.handleEvent(r, event); err != nil {
		c.logger.Error("failed to handle deployment hook",
			"project", event.Project, "tag", event.Tag, "environment", event.Environment, "error", err)
	}
	respondJSON(w, http.StatusAccepted, hookResponse{Status: "accepted"})
}

// Deployment receives a deployment event from any CI system. When an
// event secret is configured the body must carry a valid signature.
func (c *Context) Deployment(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.Deployment"

	body, err := readBody(w, r)
	if err != nil {
		c.respondFailure(w, r, err)
		return
	}
	if c.EventSecret != "" && !notify.VerifySignature(body, r.Header.Get(notify.SignatureHeader), c.EventSecret) {
		respondError(w, http.StatusUnauthorized, "invalid event signature", rerrors.KindValidation.String())
		return
	}

	var event rollout.DeploymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.respondFailure(w, r, rerrors.Wrap(err, rerrors.KindValidation, op, "invalid JSON body"))
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = c.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		c.respondFailure(w, r, err)
		return
	}

	c.Events.DeploymentEventReceived(SourceAPI, event.Outcome)
	if err := c.handleEvent(r, event); err != nil {
		c.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, hookResponse{Status: "accepted"})
}

func (c *Context) handleEvent(r *http.Request, event rollout.DeploymentEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if err := c.Releases.HandleDeploymentEvent(r.Context(), event); err != nil {
		return err
	}
	c.Feed.Publish("deployment", event)
	return nil
}
