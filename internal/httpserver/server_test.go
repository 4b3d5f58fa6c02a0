package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/rollout/internal/config"
	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/app"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
	"github.com/relicta-tech/rollout/internal/httpserver/dto"
	"github.com/relicta-tech/rollout/internal/infrastructure/notify"
	"github.com/relicta-tech/rollout/internal/observability"
)

// fakeReleases records what the API asked of the controller.
type fakeReleases struct {
	mu        sync.Mutex
	records   []*rollout.Record
	created   []app.CreateInput
	canceled  []rollout.Key
	ended     []rollout.Key
	events    []rollout.DeploymentEvent
	createErr error
	cancelErr error
	endErr    error
	eventErr  error
	listed    []string
}

func (f *fakeReleases) Create(_ context.Context, in app.CreateInput) (*rollout.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, in)
	return &rollout.Record{
		Project:   in.Project,
		Tag:       in.Tag,
		State:     rollout.StateNotYetReady,
		Author:    rollout.Author{ID: "U1", Username: in.Actor},
		CreatedAt: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeReleases) Cancel(_ context.Context, key rollout.Key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, key)
	return f.cancelErr
}

func (f *fakeReleases) End(_ context.Context, key rollout.Key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, key)
	return f.endErr
}

func (f *fakeReleases) List(_ context.Context, project string) ([]*rollout.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, project)
	return f.records, nil
}

func (f *fakeReleases) HandleDeploymentEvent(_ context.Context, event rollout.DeploymentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.eventErr
}

func newTestServer(t *testing.T, cfg config.ServerConfig, releases *fakeReleases) (*Server, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics("test")
	s := NewServer(ServerDeps{
		Config:         cfg,
		Releases:       releases,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
		MetricsPath:    "/metrics",
		Version:        "1.2.3",
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, metrics
}

func serve(s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

const deploymentHook = `{
	"object_kind": "deployment",
	"status": "success",
	"status_changed_at": "2024-05-02 12:30:00 +0200",
	"environment": "production",
	"project": {"id": 7, "path_with_namespace": "shop/web"},
	"ref": "v1.4.0"
}`

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{Address: ":0", APIToken: "secret"}, &fakeReleases{})

	rec := serve(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "1.2.3", resp["version"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAPIAuthentication(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{Address: ":0", APIToken: "api-token"}, &fakeReleases{})

	tests := []struct {
		name   string
		header http.Header
		path   string
		want   int
	}{
		{"missing token", nil, "/api/v1/releases", http.StatusUnauthorized},
		{"wrong token", http.Header{"Authorization": {"Bearer nope"}}, "/api/v1/releases", http.StatusUnauthorized},
		{"bearer token", http.Header{"Authorization": {"Bearer api-token"}}, "/api/v1/releases", http.StatusOK},
		{"query token", nil, "/api/v1/releases?access_token=api-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(s, http.MethodGet, tt.path, "", tt.header)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestListReleases(t *testing.T) {
	releases := &fakeReleases{records: []*rollout.Record{{
		Project: "shop/web",
		Tag:     "v1.4.0",
		State:   rollout.StateCreated,
		History: rollout.History{
			Started: map[string]time.Time{
				"staging":    time.Date(2024, 5, 2, 10, 5, 0, 0, time.UTC),
				"production": time.Date(2024, 5, 2, 10, 1, 0, 0, time.UTC),
			},
		},
	}}}
	s, _ := newTestServer(t, config.ServerConfig{Address: ":0"}, releases)

	rec := serve(s, http.MethodGet, "/api/v1/releases?project=shop/web", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[dto.ListResponse](t, rec)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "created", resp.Data[0].State)
	require.Len(t, resp.Data[0].Started, 2)
	assert.Equal(t, "production", resp.Data[0].Started[0].Environment)
	assert.Equal(t, []string{"shop/web"}, releases.listed)
}

func TestGitLabHook(t *testing.T) {
	cfg := config.ServerConfig{Address: ":0", HookToken: "hook-token", APIToken: "api-token"}
	valid := http.Header{"X-Gitlab-Token": {"hook-token"}, "X-Gitlab-Event": {"Deployment Hook"}}

	t.Run("rejects wrong token", func(t *testing.T) {
		releases := &fakeReleases{}
		s, _ := newTestServer(t, cfg, releases)

		rec := serve(s, http.MethodPost, "/hooks/gitlab", deploymentHook,
			http.Header{"X-Gitlab-Token": {"nope"}, "X-Gitlab-Event": {"Deployment Hook"}})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, releases.events)
	})

	t.Run("folds deployment", func(t *testing.T) {
		releases := &fakeReleases{}
		s, _ := newTestServer(t, cfg, releases)

		rec := serve(s, http.MethodPost, "/hooks/gitlab", deploymentHook, valid)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, releases.events, 1)
		assert.Equal(t, rollout.DeploymentEvent{
			Project:     "shop/web",
			Tag:         "v1.4.0",
			Environment: "production",
			Outcome:     rollout.OutcomeSucceeded,
			OccurredAt:  time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC),
		}, releases.events[0])
	})

	t.Run("acknowledges failures", func(t *testing.T) {
		releases := &fakeReleases{eventErr: rerrors.Policy("policy.Derive", "unknown environment")}
		s, _ := newTestServer(t, cfg, releases)

		rec := serve(s, http.MethodPost, "/hooks/gitlab", deploymentHook, valid)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("ignores other hooks", func(t *testing.T) {
		releases := &fakeReleases{}
		s, _ := newTestServer(t, cfg, releases)

		rec := serve(s, http.MethodPost, "/hooks/gitlab", `{"object_kind":"push"}`,
			http.Header{"X-Gitlab-Token": {"hook-token"}, "X-Gitlab-Event": {"Push Hook"}})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, releases.events)
	})

	t.Run("ignores malformed hooks", func(t *testing.T) {
		releases := &fakeReleases{}
		s, _ := newTestServer(t, cfg, releases)

		rec := serve(s, http.MethodPost, "/hooks/gitlab", `{"status":`, valid)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, releases.events)
	})
}

func TestDeploymentEndpoint_Signed(t *testing.T) {
	cfg := config.ServerConfig{Address: ":0", EventSecret: "event-secret", APIToken: "api-token"}
	body := `{"project":"shop/web","tag":"v1.4.0","environment":"staging","outcome":"started"}`

	tests := []struct {
		name      string
		body      string
		signature string
		want      int
	}{
		{"valid signature", body, notify.Sign([]byte(body), "event-secret"), http.StatusAccepted},
		{"bad signature", body, notify.Sign([]byte(body), "other"), http.StatusUnauthorized},
		{"missing signature", body, "", http.StatusUnauthorized},
		{
			"unknown outcome",
			`{"project":"shop/web","tag":"v1.4.0","environment":"staging","outcome":"paused"}`,
			notify.Sign([]byte(`{"project":"shop/web","tag":"v1.4.0","environment":"staging","outcome":"paused"}`), "event-secret"),
			http.StatusUnprocessableEntity,
		},
		{
			"missing environment",
			`{"project":"shop/web","tag":"v1.4.0","outcome":"started"}`,
			notify.Sign([]byte(`{"project":"shop/web","tag":"v1.4.0","outcome":"started"}`), "event-secret"),
			http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			releases := &fakeReleases{}
			s, _ := newTestServer(t, cfg, releases)

			rec := serve(s, http.MethodPost, "/api/v1/deployments", tt.body,
				http.Header{notify.SignatureHeader: {tt.signature}})
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusAccepted {
				require.Len(t, releases.events, 1)
				assert.False(t, releases.events[0].OccurredAt.IsZero())
			}
		})
	}
}

func TestDeploymentEndpoint_BearerWithoutSecret(t *testing.T) {
	releases := &fakeReleases{}
	s, _ := newTestServer(t, config.ServerConfig{Address: ":0", APIToken: "api-token"}, releases)
	body := `{"project":"shop/web","tag":"v1.4.0","environment":"staging","outcome":"failed"}`

	rec := serve(s, http.MethodPost, "/api/v1/deployments", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(s, http.MethodPost, "/api/v1/deployments", body, http.Header{"Authorization": {"Bearer api-token"}})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, releases.events, 1)
	assert.Equal(t, rollout.OutcomeFailed, releases.events[0].Outcome)
}

func TestCreateCommand(t *testing.T) {
	t.Run("creates", func(t *testing.T) {
		releases := &fakeReleases{}
		s, _ := newTestServer(t, config.ServerConfig{Address: ":0"}, releases)

		rec := serve(s, http.MethodPost, "/api/v1/commands/create",
			`{"project":"shop/web","tag":"v1.4.0","previous_tag":"v1.3.0","actor":"alex","channel":"C1"}`, nil)
		require.Equal(t, http.StatusCreated, rec.Code)

		resp := decodeBody[dto.ReleaseDTO](t, rec)
		assert.Equal(t, "not_yet_ready", resp.State)
		assert.Equal(t, "alex", resp.Author.Username)
		assert.Equal(t, []app.CreateInput{{
			Project: "shop/web", Tag: "v1.4.0", PreviousTag: "v1.3.0", Actor: "alex", Channel: "C1",
		}}, releases.created)
	})

	t.Run("requires actor", func(t *testing.T) {
		s, _ := newTestServer(t, config.ServerConfig{Address: ":0"}, &fakeReleases{})
		rec := serve(s, http.MethodPost, "/api/v1/commands/create", `{"project":"shop/web","tag":"v1.4.0"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		s, _ := newTestServer(t, config.ServerConfig{Address: ":0"}, &fakeReleases{})
		rec := serve(s, http.MethodPost, "/api/v1/commands/create", `{`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps conflict", func(t *testing.T) {
		releases := &fakeReleases{createErr: rerrors.Conflict("controller.Create", "release shop/web@v1.4.0 is already tracked")}
		s, _ := newTestServer(t, config.ServerConfig{Address: ":0"}, releases)

		rec := serve(s, http.MethodPost, "/api/v1/commands/create", `{"project":"shop/web","tag":"v1.4.0","actor":"alex"}`, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		resp := decodeBody[dto.ErrorResponse](t, rec)
		assert.Equal(t, "concurrency_conflict", resp.Code)
		assert.Contains(t, resp.Error, "already tracked")
	})

	t.Run("hides internal causes", func(t *testing.T) {
		releases := &fakeReleases{createErr: rerrors.StoreWrap(errors.New("dial postgres://u:p@db"), "controller.Create", "failed to save release")}
		s, _ := newTestServer(t, config.ServerConfig{Address: ":0"}, releases)

		rec := serve(s, http.MethodPost, "/api/v1/commands/create", `{"project":"shop/web","tag":"v1.4.0","actor":"alex"}`, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		assert.NotContains(t, string(body), "postgres")
	})
}

func TestCancelAndEndCommands(t *testing.T) {
	key := rollout.Key{Project: "shop/web", Tag: "v1.4.0"}
	body := `{"project":"shop/web","tag":"v1.4.0","actor":"alex"}`

	tests := []struct {
		name     string
		path     string
		releases *fakeReleases
		want     int
		status   string
	}{
		{"cancel", "/api/v1/commands/cancel", &fakeReleases{}, http.StatusOK, "canceled"},
		{"cancel too late", "/api/v1/commands/cancel", &fakeReleases{cancelErr: rerrors.TooLate("controller.Cancel", "monitoring")}, http.StatusConflict, ""},
		{"end", "/api/v1/commands/end", &fakeReleases{}, http.StatusOK, "ended"},
		{"end unknown", "/api/v1/commands/end", &fakeReleases{endErr: rerrors.NotFound("store.Get", "release not found")}, http.StatusNotFound, ""},
		{"end not monitored", "/api/v1/commands/end", &fakeReleases{endErr: rerrors.State("controller.End", "created")}, http.StatusConflict, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, config.ServerConfig{Address: ":0"}, tt.releases)

			rec := serve(s, http.MethodPost, tt.path, body, nil)
			assert.Equal(t, tt.want, rec.Code)
			if tt.status != "" {
				resp := decodeBody[dto.CommandResponse](t, rec)
				assert.Equal(t, tt.status, resp.Status)
			}
			assert.Equal(t, []rollout.Key{key}, append(tt.releases.canceled, tt.releases.ended...))
		})
	}
}

func TestCommands_RequireKeyAndActor(t *testing.T) {
	releases := &fakeReleases{}
	s, _ := newTestServer(t, config.ServerConfig{Address: ":0"}, releases)

	rec := serve(s, http.MethodPost, "/api/v1/commands/cancel", `{"project":"shop/web","actor":"alex"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, releases.canceled)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{Address: ":0"}, &fakeReleases{})

	serve(s, http.MethodPost, "/hooks/gitlab", deploymentHook, http.Header{"X-Gitlab-Event": {"Deployment Hook"}})

	rec := serve(s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, `rollout_deployment_events_total{outcome="succeeded",source="gitlab"} 1`)
	assert.Contains(t, text, `rollout_http_requests_total{method="POST",route="/hooks/gitlab",status="202"} 1`)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{Address: ":0", RateLimitRPM: 5}, &fakeReleases{})

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/v1/releases", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(s, http.MethodGet, "/api/v1/releases", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health", "", nil).Code)
}

func TestReleaseSnapshot(t *testing.T) {
	releases := &fakeReleases{records: []*rollout.Record{{Project: "shop/web", Tag: "v1.4.0", State: rollout.StateMonitoring}}}

	msg, err := ReleaseSnapshot(releases)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "snapshot", msg.Type)
	payload, ok := msg.Payload.([]dto.ReleaseDTO)
	require.True(t, ok)
	require.Len(t, payload, 1)
	assert.Equal(t, "monitoring", payload[0].State)
}

func TestServerStartAndShutdown(t *testing.T) {
	s, _ := newTestServer(t, config.ServerConfig{Address: "127.0.0.1:0"}, &fakeReleases{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		return s.Address() != "127.0.0.1:0"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Address() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Equal(t, 0, s.Hub().ClientCount())
}
