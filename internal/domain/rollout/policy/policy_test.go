package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// fakePipelines serves jobs and bridges from maps keyed by pipeline ID.
type fakePipelines struct {
	jobs    map[int][]ports.Job
	bridges map[int][]ports.Bridge
	err     error
	// projects records the project of each ListPipelineJobs call.
	projects []string
}

func (f *fakePipelines) GetMainBranchPipeline(context.Context, string) (ports.Pipeline, error) {
	return ports.Pipeline{}, nil
}

func (f *fakePipelines) ListPipelineJobs(_ context.Context, project string, id int) ([]ports.Job, error) {
	f.projects = append(f.projects, project)
	return f.jobs[id], f.err
}

func (f *fakePipelines) ListPipelineBridges(_ context.Context, _ string, id int) ([]ports.Bridge, error) {
	return f.bridges[id], f.err
}

func (f *fakePipelines) ListPipelinesForRef(context.Context, string, string) ([]ports.Pipeline, error) {
	return nil, nil
}

func (f *fakePipelines) CancelPipeline(context.Context, string, int) error { return nil }

func (f *fakePipelines) CreateRelease(context.Context, string, string, string, string) (ports.Release, error) {
	return ports.Release{}, nil
}

func (f *fakePipelines) RenameRelease(context.Context, string, string, string) error { return nil }

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func ev(tag, env string, outcome rollout.Outcome, at time.Time) rollout.DeploymentEvent {
	return rollout.DeploymentEvent{Project: "web", Tag: tag, Environment: env, Outcome: outcome, OccurredAt: at}
}

func phases(ts []rollout.Transition) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, string(t.Phase)+"("+t.Name()+")")
	}
	return out
}

func newStagingProduction(t *testing.T) *Simple {
	t.Helper()
	p, err := NewSimple(Settings{
		Project: "web",
		Kind:    KindSimple,
		Stages: []Stage{
			{Name: "staging", Environments: []string{"staging"}},
			{Name: "production", Environments: []string{"production"}},
		},
	}, &fakePipelines{})
	require.NoError(t, err)
	return p
}

func TestSimple_ScenarioChain(t *testing.T) {
	p := newStagingProduction(t)

	steps := []struct {
		event rollout.DeploymentEvent
		want  []string
	}{
		{ev("v1", "staging", rollout.OutcomeStarted, t0), []string{"deploying(staging)"}},
		{ev("v1", "staging", rollout.OutcomeSucceeded, t0.Add(2*time.Minute+5*time.Second)), []string{"monitoring(staging)"}},
		{ev("v1", "production", rollout.OutcomeStarted, t0.Add(10*time.Minute)), []string{"completed(staging)", "deploying(production)"}},
		{ev("v1", "production", rollout.OutcomeSucceeded, t0.Add(15*time.Minute)), []string{"monitoring(production)", "completed(production)"}},
	}

	h := rollout.NewHistory()
	var all []rollout.Transition
	for _, step := range steps {
		var ts []rollout.Transition
		var err error
		h, ts, err = rollout.Fold(h, step.event, p)
		require.NoError(t, err)
		assert.Equal(t, step.want, phases(ts), "after %s/%s", step.event.Environment, step.event.Outcome)
		all = append(all, ts...)
	}

	require.Len(t, all, 6)
	assert.Equal(t, "took 2m 5s", all[1].Took())
	assert.False(t, all[1].Terminal)
	assert.True(t, all[4].Terminal)
	assert.True(t, all[5].Terminal)
}

func TestSimple_FoldIsIdempotent(t *testing.T) {
	p := newStagingProduction(t)
	events := []rollout.DeploymentEvent{
		ev("v1", "staging", rollout.OutcomeStarted, t0),
		ev("v1", "staging", rollout.OutcomeFailed, t0.Add(time.Minute)),
		ev("v1", "staging", rollout.OutcomeSucceeded, t0.Add(2*time.Minute)),
		ev("v1", "production", rollout.OutcomeStarted, t0.Add(3*time.Minute)),
		ev("v1", "production", rollout.OutcomeSucceeded, t0.Add(4*time.Minute)),
	}

	h := rollout.NewHistory()
	for _, e := range events {
		next, _, err := rollout.Fold(h, e, p)
		require.NoError(t, err)
		again, ts, err := rollout.Fold(next, e, p)
		require.NoError(t, err)
		assert.Empty(t, ts)
		assert.True(t, next.Equal(again))
		h = next
	}
}

func TestSimple_OutOfOrderSuccessOmitsDuration(t *testing.T) {
	p := newStagingProduction(t)
	h, ts, err := rollout.Fold(rollout.NewHistory(), ev("v1", "staging", rollout.OutcomeSucceeded, t0), p)
	require.NoError(t, err)
	require.Equal(t, []string{"monitoring(staging)"}, phases(ts))
	assert.Nil(t, ts[0].Duration)

	// The late start neither re-announces the stage nor a duration.
	_, ts, err = rollout.Fold(h, ev("v1", "staging", rollout.OutcomeStarted, t0.Add(-time.Minute)), p)
	require.NoError(t, err)
	assert.Empty(t, ts)
}

func TestSimple_FailedSurfacesOncePerEnvironment(t *testing.T) {
	p := newStagingProduction(t)
	h, ts, err := rollout.Fold(rollout.NewHistory(), ev("v1", "staging", rollout.OutcomeFailed, t0), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"failed(staging)"}, phases(ts))

	_, ts, err = rollout.Fold(h, ev("v1", "staging", rollout.OutcomeFailed, t0.Add(time.Minute)), p)
	require.NoError(t, err)
	assert.Empty(t, ts)
}

func TestSimple_RequiredSuccesses(t *testing.T) {
	p, err := NewSimple(Settings{
		Project: "web",
		Stages: []Stage{
			{Name: "integration", Environments: []string{"int-eu", "int-us"}},
			{Name: "production", Environments: []string{"prod-eu", "prod-us", "prod-ap"}, RequiredSuccesses: 2, ManualCompletion: true},
		},
	}, &fakePipelines{})
	require.NoError(t, err)

	h := rollout.NewHistory()
	fold := func(e rollout.DeploymentEvent) []string {
		var ts []rollout.Transition
		h, ts, err = rollout.Fold(h, e, p)
		require.NoError(t, err)
		return phases(ts)
	}

	assert.Equal(t, []string{"deploying(integration)"}, fold(ev("v1", "int-eu", rollout.OutcomeStarted, t0)))
	assert.Empty(t, fold(ev("v1", "int-us", rollout.OutcomeStarted, t0)))
	assert.Empty(t, fold(ev("v1", "int-eu", rollout.OutcomeSucceeded, t0.Add(time.Minute))))
	assert.Equal(t, []string{"monitoring(integration)"}, fold(ev("v1", "int-us", rollout.OutcomeSucceeded, t0.Add(time.Minute))))
	assert.Equal(t, []string{"completed(integration)", "deploying(production)"}, fold(ev("v1", "prod-eu", rollout.OutcomeStarted, t0.Add(2*time.Minute))))
	assert.Empty(t, fold(ev("v1", "prod-eu", rollout.OutcomeSucceeded, t0.Add(3*time.Minute))))
	assert.Equal(t, []string{"monitoring(production)"}, fold(ev("v1", "prod-us", rollout.OutcomeSucceeded, t0.Add(3*time.Minute))))
	assert.Empty(t, fold(ev("v1", "prod-ap", rollout.OutcomeSucceeded, t0.Add(4*time.Minute))))

	final, err := p.DeriveTransitions(h, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"completed(production)"}, phases(final))
	assert.True(t, final[0].Terminal)
}

func TestSimple_CompletionWithoutEvent(t *testing.T) {
	p := newStagingProduction(t)

	ts, err := p.DeriveTransitions(rollout.NewHistory(), nil)
	require.NoError(t, err)
	assert.Empty(t, ts)

	h := rollout.NewHistory()
	h.Succeeded["staging"] = t0
	h.Started["production"] = t0.Add(time.Minute)
	ts, err = p.DeriveTransitions(h, nil)
	require.NoError(t, err)
	assert.Empty(t, ts, "production has not succeeded")

	h.Started = map[string]time.Time{"staging": t0}
	ts, err = p.DeriveTransitions(h, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"completed(staging)"}, phases(ts))
	assert.False(t, ts[0].Terminal)
}

func TestSimple_UnknownEnvironmentIsPolicyError(t *testing.T) {
	p := newStagingProduction(t)
	_, ts, err := rollout.Fold(rollout.NewHistory(), ev("v1", "qa", rollout.OutcomeStarted, t0), p)
	require.Error(t, err)
	assert.True(t, rerrors.IsKind(err, rerrors.KindPolicy))
	assert.Empty(t, ts)
}

func TestNewSimple_InvalidStages(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
	}{
		{"no stages", nil},
		{"no environments", []Stage{{Name: "staging"}}},
		{"duplicate environment", []Stage{{Name: "a", Environments: []string{"x"}}, {Name: "b", Environments: []string{"x"}}}},
		{"too many successes", []Stage{{Name: "a", Environments: []string{"x"}, RequiredSuccesses: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSimple(Settings{Project: "web", Stages: tt.stages}, &fakePipelines{})
			require.Error(t, err)
			assert.True(t, rerrors.IsKind(err, rerrors.KindConfig))
		})
	}
}

func TestSimple_IsReadyToRelease(t *testing.T) {
	tests := []struct {
		name      string
		buildJobs []string
		jobs      []ports.Job
		want      bool
	}{
		{"no jobs", nil, nil, false},
		{"all settled", nil, []ports.Job{{ID: 1, Name: "build", Status: "success"}, {ID: 2, Name: "deploy", Status: "manual"}}, true},
		{"still running", nil, []ports.Job{{ID: 1, Name: "build", Status: "success"}, {ID: 2, Name: "test", Status: "running"}}, false},
		{"required ok", []string{"build", "test"}, []ports.Job{{ID: 1, Name: "build", Status: "success"}, {ID: 2, Name: "test", Status: "success"}, {ID: 3, Name: "lint", Status: "failed"}}, true},
		{"required missing", []string{"build", "test"}, []ports.Job{{ID: 1, Name: "build", Status: "success"}}, false},
		{"retried job", []string{"build"}, []ports.Job{{ID: 1, Name: "build", Status: "failed"}, {ID: 4, Name: "build", Status: "success"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewSimple(Settings{
				Project:   "web",
				Stages:    []Stage{{Name: "production", Environments: []string{"production"}}},
				BuildJobs: tt.buildJobs,
			}, &fakePipelines{jobs: map[int][]ports.Job{7: tt.jobs}})
			require.NoError(t, err)

			ready, err := p.IsReadyToRelease(context.Background(), &rollout.Record{Project: "web", Tag: "v1"}, 7)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ready)
		})
	}
}

func TestLibrary(t *testing.T) {
	src := &fakePipelines{jobs: map[int][]ports.Job{
		1: {{ID: 1, Name: "build", Status: "success"}},
		2: {{ID: 2, Name: "build", Status: "failed"}},
		3: {{ID: 3, Name: "test", Status: "success"}},
	}}
	p := NewLibrary(Settings{Project: "lib"}, src)
	rec := &rollout.Record{Project: "lib", Tag: "v2.0.0"}

	for id, want := range map[int]bool{1: true, 2: false, 3: false} {
		ready, err := p.IsReadyToRelease(context.Background(), rec, id)
		require.NoError(t, err)
		assert.Equal(t, want, ready, "pipeline %d", id)
	}

	assert.False(t, p.Tracked())
	_, ts, err := rollout.Fold(rollout.NewHistory(), ev("v2.0.0", "anything", rollout.OutcomeStarted, t0), p)
	require.NoError(t, err)
	assert.Empty(t, ts)

	src.err = errors.New("gitlab down")
	_, err = p.IsReadyToRelease(context.Background(), rec, 1)
	assert.Error(t, err)
}

func newFederated(t *testing.T, src *fakePipelines, quorum int) *Federated {
	t.Helper()
	p, err := NewFederated(Settings{
		Project:     "platform",
		Kind:        KindFederated,
		Stages:      []Stage{{Name: "staging"}, {Name: "production"}},
		Bridges:     []string{"trigger-eu", "trigger-us"},
		Downstreams: []string{"eu", "us"},
		Quorum:      quorum,
	}, src)
	require.NoError(t, err)
	return p
}

func TestFederated_QuorumAndLabels(t *testing.T) {
	p := newFederated(t, &fakePipelines{}, 0)
	tag := "checkout@1.4.0"

	h := rollout.NewHistory()
	fold := func(e rollout.DeploymentEvent) []string {
		var ts []rollout.Transition
		var err error
		h, ts, err = rollout.Fold(h, e, p)
		require.NoError(t, err)
		return phases(ts)
	}

	assert.Equal(t, []string{"deploying(eu→checkout)"}, fold(ev(tag, "staging:eu", rollout.OutcomeStarted, t0)))
	assert.Equal(t, []string{"deploying(us→checkout)"}, fold(ev(tag, "staging:us", rollout.OutcomeStarted, t0)))
	assert.Empty(t, fold(ev(tag, "staging:eu", rollout.OutcomeSucceeded, t0.Add(time.Minute))))
	assert.Equal(t, []string{"failed(us→checkout)"}, fold(ev(tag, "staging:us", rollout.OutcomeFailed, t0.Add(time.Minute))))
	assert.Equal(t, []string{"monitoring(staging→checkout)"}, fold(ev(tag, "staging:us", rollout.OutcomeSucceeded, t0.Add(2*time.Minute))))
	assert.Equal(t, []string{"completed(staging→checkout)", "deploying(eu→checkout)"}, fold(ev(tag, "production:eu", rollout.OutcomeStarted, t0.Add(3*time.Minute))))

	_, _, err := rollout.Fold(h, ev(tag, "production:apac", rollout.OutcomeStarted, t0), p)
	assert.True(t, rerrors.IsKind(err, rerrors.KindPolicy))
}

func TestFederated_PartialQuorum(t *testing.T) {
	p := newFederated(t, &fakePipelines{}, 1)
	_, ts, err := rollout.Fold(rollout.NewHistory(), ev("checkout@1.0.0", "production:us", rollout.OutcomeSucceeded, t0), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"monitoring(production→checkout)", "completed(production→checkout)"}, phases(ts))
}

func TestFederated_StageLabels(t *testing.T) {
	p := newFederated(t, &fakePipelines{}, 1)
	tests := []struct {
		tag  string
		want []string
	}{
		{"checkout@1.0.0", []string{"monitoring(staging→checkout)"}},
		{"search@2.0.0", []string{"monitoring(staging→search)"}},
		{"v1.0.0", []string{"monitoring(staging)"}},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			_, ts, err := rollout.Fold(rollout.NewHistory(), ev(tt.tag, "staging:eu", rollout.OutcomeSucceeded, t0), p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, phases(ts))
			require.NotEmpty(t, ts)
			assert.Equal(t, "staging", ts[0].Environment)
		})
	}
}

func TestFederated_IsReadyToRelease(t *testing.T) {
	ok := []ports.Job{{ID: 1, Name: "build", Status: "success"}}
	tests := []struct {
		name    string
		bridges []ports.Bridge
		want    bool
	}{
		{"missing bridge", []ports.Bridge{{Name: "trigger-eu", Downstream: &ports.Pipeline{ID: 100, Project: "eu"}}}, false},
		{"downstream not created", []ports.Bridge{
			{Name: "trigger-eu", Downstream: &ports.Pipeline{ID: 100, Project: "eu"}},
			{Name: "trigger-us"},
		}, false},
		{"downstream build failed", []ports.Bridge{
			{Name: "trigger-eu", Downstream: &ports.Pipeline{ID: 100, Project: "eu"}},
			{Name: "trigger-us", Downstream: &ports.Pipeline{ID: 300, Project: "us"}},
		}, false},
		{"all built", []ports.Bridge{
			{Name: "trigger-eu", Downstream: &ports.Pipeline{ID: 100, Project: "eu"}},
			{Name: "trigger-us", Downstream: &ports.Pipeline{ID: 200}},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakePipelines{
				bridges: map[int][]ports.Bridge{9: tt.bridges},
				jobs: map[int][]ports.Job{
					100: ok,
					200: ok,
					300: {{ID: 3, Name: "build", Status: "failed"}},
				},
			}
			p := newFederated(t, src, 0)
			ready, err := p.IsReadyToRelease(context.Background(), &rollout.Record{Project: "platform", Tag: "checkout@1.0.0"}, 9)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ready)
			if tt.want {
				assert.Equal(t, []string{"eu", "platform"}, src.projects)
			}
		})
	}
}

func TestFederated_Filters(t *testing.T) {
	p := newFederated(t, &fakePipelines{}, 0)

	assert.True(t, p.FilterChangelog(ports.Commit{Title: "feat(checkout): pay later"}, "checkout@1.0.0"))
	assert.True(t, p.FilterChangelog(ports.Commit{Title: "fix: rounding", Message: "fix: rounding\n\n[Checkout]"}, "checkout@1.0.0"))
	assert.False(t, p.FilterChangelog(ports.Commit{Title: "feat(search): facets"}, "checkout@1.0.0"))
	assert.True(t, p.FilterChangelog(ports.Commit{Title: "feat(search): facets"}, "v1.0.0"))

	first := p.scopePattern("checkout")
	assert.Same(t, first, p.scopePattern("checkout"), "scope pattern compiled once")
	assert.NotSame(t, first, p.scopePattern("search"))

	release := &rollout.Record{Project: "platform", Tag: "checkout@1.1.0"}
	candidates := []*rollout.Record{
		{Project: "platform", Tag: "checkout@1.0.0"},
		{Project: "platform", Tag: "search@3.0.0"},
		{Project: "platform", Tag: "checkout@1.1.0"},
		{Project: "other", Tag: "checkout@0.9.0"},
	}
	stale := p.FilterStaleReleases(release, candidates)
	require.Len(t, stale, 1)
	assert.Equal(t, "checkout@1.0.0", stale[0].Tag)

	simple := newStagingProduction(t)
	assert.Len(t, simple.FilterStaleReleases(release, candidates), 2)
}

func TestSubApplication(t *testing.T) {
	assert.Equal(t, "checkout", SubApplication("checkout@1.2.3"))
	assert.Equal(t, "@scope/pkg", SubApplication("@scope/pkg@1.0.0"))
	assert.Equal(t, "", SubApplication("v1.2.3"))
	assert.Equal(t, "", SubApplication("@1.2.3"))
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry([]Settings{
		{Project: "web", Kind: KindSimple, Stages: []Stage{{Name: "production", Environments: []string{"production"}}}},
		{Project: "lib", Kind: KindLibrary},
	}, &fakePipelines{})
	require.NoError(t, err)

	p, err := r.Lookup("lib")
	require.NoError(t, err)
	assert.Equal(t, KindLibrary, p.Kind())
	assert.Equal(t, []string{"lib", "web"}, r.Projects())

	_, err = r.Lookup("unknown")
	assert.True(t, rerrors.IsKind(err, rerrors.KindConfig))

	_, err = NewRegistry([]Settings{{Project: "x", Kind: "canary"}}, &fakePipelines{})
	assert.True(t, rerrors.IsKind(err, rerrors.KindConfig))

	_, err = NewRegistry([]Settings{{Project: "x", Kind: KindLibrary}, {Project: "x", Kind: KindLibrary}}, &fakePipelines{})
	assert.Error(t, err)
}
