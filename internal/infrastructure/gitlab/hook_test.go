package gitlab

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

func deploymentHook(status string) string {
	return `{
		"object_kind": "deployment",
		"status": "` + status + `",
		"status_changed_at": "2024-05-02 12:30:00 +0200",
		"deployment_id": 15,
		"environment": "production",
		"project": {"id": 7, "path_with_namespace": "shop/web"},
		"ref": "v1.4.0",
		"short_sha": "abc123"
	}`
}

func hookRequest(eventType string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/hooks/gitlab", nil)
	r.Header.Set("X-Gitlab-Event", eventType)
	return r
}

func TestParseDeploymentHook(t *testing.T) {
	now := time.Date(2024, 5, 2, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		status  string
		want    rollout.Outcome
		tracked bool
	}{
		{"running", rollout.OutcomeStarted, true},
		{"success", rollout.OutcomeSucceeded, true},
		{"failed", rollout.OutcomeFailed, true},
		{"created", "", false},
		{"canceled", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			event, ok, err := ParseDeploymentHook(hookRequest("Deployment Hook"), []byte(deploymentHook(tt.status)), now)
			require.NoError(t, err)
			assert.Equal(t, tt.tracked, ok)
			if !tt.tracked {
				return
			}
			assert.Equal(t, rollout.DeploymentEvent{
				Project:     "shop/web",
				Tag:         "v1.4.0",
				Environment: "production",
				Outcome:     tt.want,
				OccurredAt:  time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC),
			}, event)
		})
	}
}

func TestParseDeploymentHook_FallsBackToNow(t *testing.T) {
	now := time.Date(2024, 5, 2, 11, 0, 0, 0, time.UTC)
	body := strings.Replace(deploymentHook("success"), "2024-05-02 12:30:00 +0200", "yesterday", 1)

	event, ok, err := ParseDeploymentHook(hookRequest("Deployment Hook"), []byte(body), now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now, event.OccurredAt)
}

func TestParseDeploymentHook_IgnoresOtherEvents(t *testing.T) {
	_, ok, err := ParseDeploymentHook(hookRequest("Push Hook"), []byte(`{"object_kind":"push"}`), time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseDeploymentHook_Malformed(t *testing.T) {
	_, ok, err := ParseDeploymentHook(hookRequest("Deployment Hook"), []byte(`{"status":`), time.Now())
	assert.False(t, ok)
	assert.True(t, rerrors.IsKind(err, rerrors.KindValidation))
}
