package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Federated rolls one sub-application out through many downstream
// applications. Each stage advances once a quorum of downstreams succeeded.
//
// Environments are named "<stage>:<downstream>" and tags "<subapp>@<version>".
type Federated struct {
	chain     *chain
	bridges   []string
	buildJob  string
	pipelines ports.PipelineSource
	// scopes caches changelog scope patterns by sub-application.
	scopes sync.Map
}

// NewFederated creates a federated policy.
func NewFederated(settings Settings, pipelines ports.PipelineSource) (*Federated, error) {
	const op = "policy.NewFederated"
	if len(settings.Downstreams) == 0 {
		return nil, rerrors.Config(op, fmt.Sprintf("project %q: federated policy needs downstreams", settings.Project))
	}
	quorum := settings.Quorum
	if quorum == 0 {
		quorum = len(settings.Downstreams)
	}

	stages := make([]stage, 0, len(settings.Stages))
	for _, s := range settings.Stages {
		members := make([]string, 0, len(settings.Downstreams))
		for _, d := range settings.Downstreams {
			members = append(members, FederatedEnvironment(s.Name, d))
		}
		stages = append(stages, stage{name: s.Name, members: members, required: quorum, manual: s.ManualCompletion})
	}
	c, err := newChain(stages)
	if err != nil {
		return nil, rerrors.ConfigWrap(err, op, fmt.Sprintf("project %q", settings.Project))
	}

	job := settings.BuildJob
	if job == "" {
		job = DefaultBuildJob
	}
	return &Federated{
		chain:     c,
		bridges:   append([]string(nil), settings.Bridges...),
		buildJob:  job,
		pipelines: pipelines,
	}, nil
}

// FederatedEnvironment names the environment of downstream in stage.
func FederatedEnvironment(stage, downstream string) string {
	return stage + ":" + downstream
}

// SubApplication returns the sub-application of a "<subapp>@<version>" tag,
// or "" for plain tags.
func SubApplication(tag string) string {
	i := strings.LastIndex(tag, "@")
	if i <= 0 {
		return ""
	}
	return tag[:i]
}

// Kind returns KindFederated.
func (p *Federated) Kind() Kind { return KindFederated }

// Tracked returns true.
func (p *Federated) Tracked() bool { return true }

// IsReadyToRelease requires every declared bridge to have triggered a
// downstream pipeline whose build job succeeded.
func (p *Federated) IsReadyToRelease(ctx context.Context, record *rollout.Record, pipelineID int) (bool, error) {
	bridges, err := p.pipelines.ListPipelineBridges(ctx, record.Project, pipelineID)
	if err != nil {
		return false, err
	}
	byName := make(map[string]ports.Bridge, len(bridges))
	for _, b := range bridges {
		byName[b.Name] = b
	}

	for _, name := range p.bridges {
		b, ok := byName[name]
		if !ok || b.Downstream == nil {
			return false, nil
		}
		project := b.Downstream.Project
		if project == "" {
			project = record.Project
		}
		jobs, err := p.pipelines.ListPipelineJobs(ctx, project, b.Downstream.ID)
		if err != nil {
			return false, err
		}
		if !jobsSucceeded(jobs, []string{p.buildJob}) {
			return false, nil
		}
	}
	return true, nil
}

// DeriveTransitions announces each downstream deployment as
// "downstream→subapp" and advances a stage once the quorum succeeded. Stage
// transitions read "stage→subapp".
func (p *Federated) DeriveTransitions(history rollout.History, event *rollout.DeploymentEvent) ([]rollout.Transition, error) {
	return p.chain.derive(history, event, true, func(name string, ev *rollout.DeploymentEvent) string {
		if _, downstream, ok := strings.Cut(name, ":"); ok {
			name = downstream
		}
		if sub := SubApplication(ev.Tag); sub != "" {
			return name + "→" + sub
		}
		return name
	})
}

// FilterChangelog keeps commits scoped to the tag's sub-application, either
// through a conventional commit scope or a "[subapp]" marker. Plain tags keep
// every commit.
func (p *Federated) FilterChangelog(commit ports.Commit, tag string) bool {
	sub := SubApplication(tag)
	if sub == "" {
		return true
	}
	scoped := p.scopePattern(sub)
	return scoped.MatchString(strings.ToLower(commit.Message)) || scoped.MatchString(strings.ToLower(commit.Title))
}

// scopePattern returns the compiled scope matcher of sub, compiling it once.
func (p *Federated) scopePattern(sub string) *regexp.Regexp {
	if re, ok := p.scopes.Load(sub); ok {
		return re.(*regexp.Regexp)
	}
	quoted := regexp.QuoteMeta(strings.ToLower(sub))
	re, _ := p.scopes.LoadOrStore(sub, regexp.MustCompile(`^[a-z]+\(`+quoted+`\)!?:|\[`+quoted+`\]`))
	return re.(*regexp.Regexp)
}

// FilterStaleReleases returns other releases of the same sub-application.
func (p *Federated) FilterStaleReleases(release *rollout.Record, candidates []*rollout.Record) []*rollout.Record {
	sub := SubApplication(release.Tag)
	var stale []*rollout.Record
	for _, c := range candidates {
		if c.Project == release.Project && c.Tag != release.Tag && SubApplication(c.Tag) == sub {
			stale = append(stale, c)
		}
	}
	return stale
}
