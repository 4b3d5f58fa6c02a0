package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/rollout/internal/config"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// fakeCommits serves a linear history without merge commits.
type fakeCommits struct {
	commits []ports.Commit
	tags    map[string]ports.Tag
}

func (f *fakeCommits) DefaultBranch(context.Context, string) (string, error) { return "main", nil }

func (f *fakeCommits) ListCommits(_ context.Context, _ string, since *time.Time) ([]ports.Commit, error) {
	var out []ports.Commit
	for _, c := range f.commits {
		if since == nil || !c.CreatedAt.Before(*since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCommits) GetCommit(context.Context, string, string) (ports.Commit, error) {
	return ports.Commit{}, rerrors.NotFound("fake", "commit")
}

func (f *fakeCommits) GetMergeRequest(context.Context, string, int) (ports.MergeRequest, error) {
	return ports.MergeRequest{}, rerrors.NotFound("fake", "merge request")
}

func (f *fakeCommits) ListMergeRequestCommits(context.Context, string, int) ([]ports.Commit, error) {
	return nil, nil
}

func (f *fakeCommits) GetTag(_ context.Context, _ string, name string) (ports.Tag, error) {
	tag, ok := f.tags[name]
	if !ok {
		return ports.Tag{}, rerrors.NotFound("fake", name)
	}
	return tag, nil
}

func (f *fakeCommits) ListTags(context.Context, string) ([]string, error) {
	names := make([]string, 0, len(f.tags))
	for name := range f.tags {
		names = append(names, name)
	}
	return names, nil
}

func withCommitSource(t *testing.T, source ports.CommitSource) {
	t.Helper()
	prev := openCommitSource
	t.Cleanup(func() {
		openCommitSource = prev
		changelogPrevious, changelogTag = "", ""
	})
	openCommitSource = func(*config.Config) (ports.CommitSource, func(), error) {
		return source, func() {}, nil
	}
}

func history() *fakeCommits {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return &fakeCommits{
		commits: []ports.Commit{
			{ID: "c3", Title: "feat(billing): PAY-12 invoices", CreatedAt: base.Add(3 * time.Hour)},
			{ID: "c2", Title: "feat(search): faster lookup", CreatedAt: base.Add(2 * time.Hour)},
			{ID: "c1", Title: "chore: bootstrap", CreatedAt: base},
		},
		tags: map[string]ports.Tag{
			"v1.0.0":         {Name: "v1.0.0", CommitID: "c1", CommitCreatedAt: base},
			"billing@v1.0.0": {Name: "billing@v1.0.0", CommitID: "c1", CommitCreatedAt: base},
		},
	}
}

func TestChangelog_SincePreviousTag(t *testing.T) {
	withConfig(t)
	withCommitSource(t, history())
	changelogPrevious = "v1.0.0"

	cmd, out := newTestCommand()
	require.NoError(t, runChangelog(cmd, []string{"shop/web"}))

	assert.Contains(t, out.String(), "Changes in shop/web since v1.0.0")
	assert.Contains(t, out.String(), "- feat(search): faster lookup")
	assert.Contains(t, out.String(), "[PAY-12]")
	assert.NotContains(t, out.String(), "bootstrap")
}

func TestChangelog_FindsPreviousTagAndScopesSubApplication(t *testing.T) {
	c := withConfig(t)
	c.Projects = []config.ProjectConfig{{Name: "shop/platform", Policy: "federated"}}
	c.Output.Format = "json"
	withCommitSource(t, history())
	changelogTag = "billing@v1.1.0"

	cmd, out := newTestCommand()
	require.NoError(t, runChangelog(cmd, []string{"shop/platform"}))

	var got changelogOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "billing@v1.0.0", got.PreviousTag)
	assert.Contains(t, got.Changelog, "invoices")
	assert.NotContains(t, got.Changelog, "search")
}

func TestChangelog_NoChanges(t *testing.T) {
	withConfig(t)
	withCommitSource(t, &fakeCommits{})

	cmd, out := newTestCommand()
	require.NoError(t, runChangelog(cmd, []string{"shop/web"}))
	assert.Contains(t, out.String(), "No changes found")
}

func TestChangelog_UnknownPreviousTag(t *testing.T) {
	withConfig(t)
	withCommitSource(t, history())
	changelogPrevious = "v0.0.1"

	cmd, _ := newTestCommand()
	err := runChangelog(cmd, []string{"shop/web"})
	assert.True(t, rerrors.IsKind(err, rerrors.KindNotFound))
}

func TestChangelogFilter(t *testing.T) {
	c := config.DefaultConfig()
	c.Projects = []config.ProjectConfig{
		{Name: "shop/web", Policy: "simple"},
		{Name: "shop/platform", Policy: "federated"},
	}

	assert.Nil(t, changelogFilter(c, "shop/web", "v1.0.0"))
	assert.Nil(t, changelogFilter(c, "shop/platform", ""))
	assert.Nil(t, changelogFilter(c, "unknown", "billing@v1.0.0"))

	filter := changelogFilter(c, "shop/platform", "billing@v1.0.0")
	require.NotNil(t, filter)
	assert.True(t, filter(ports.Commit{Title: "fix(billing): rounding"}))
	assert.False(t, filter(ports.Commit{Title: "fix(search): typo"}))
}
