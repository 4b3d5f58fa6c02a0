// Package policy implements the per-project release strategies: when a
// release may start and which lifecycle transitions its deployments surface.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Kind names a policy variant in configuration.
type Kind string

const (
	KindSimple    Kind = "simple"
	KindLibrary   Kind = "library"
	KindFederated Kind = "federated"
)

// DefaultBuildJob is the job a library or downstream pipeline must pass.
const DefaultBuildJob = "build"

// Policy is the release strategy of a project.
type Policy interface {
	rollout.Deriver

	// Kind returns the variant.
	Kind() Kind

	// IsReadyToRelease inspects the main branch pipeline and reports whether
	// the release may start.
	IsReadyToRelease(ctx context.Context, record *rollout.Record, pipelineID int) (bool, error)

	// Tracked reports whether releases follow deployments. Untracked releases
	// complete as soon as they are announced.
	Tracked() bool

	// FilterChangelog reports whether commit belongs in the changelog of tag.
	FilterChangelog(commit ports.Commit, tag string) bool

	// FilterStaleReleases returns the candidates made obsolete by release.
	FilterStaleReleases(release *rollout.Record, candidates []*rollout.Record) []*rollout.Record
}

// Stage is a step of the environment chain.
type Stage struct {
	Name         string
	Environments []string
	// RequiredSuccesses defaults to every environment of the stage.
	RequiredSuccesses int
	// ManualCompletion keeps a terminal stage in monitoring until ended.
	ManualCompletion bool
}

// Settings configures a policy for one project.
type Settings struct {
	Project string
	Kind    Kind
	Stages  []Stage
	// BuildJobs must all succeed on the main branch for simple projects.
	BuildJobs []string
	// BuildJob is the job library and downstream pipelines must pass.
	BuildJob string
	// Bridges are the trigger jobs a federated main pipeline must carry.
	Bridges []string
	// Downstreams are the applications a federated stage deploys to.
	Downstreams []string
	// Quorum is the number of downstreams that must succeed per stage.
	Quorum int
}

// New builds the policy described by settings.
func New(settings Settings, pipelines ports.PipelineSource) (Policy, error) {
	const op = "policy.New"
	if pipelines == nil {
		return nil, rerrors.Config(op, "pipeline source is required")
	}
	switch settings.Kind {
	case KindSimple:
		return NewSimple(settings, pipelines)
	case KindLibrary:
		return NewLibrary(settings, pipelines), nil
	case KindFederated:
		return NewFederated(settings, pipelines)
	default:
		return nil, rerrors.Config(op, fmt.Sprintf("project %q: unknown policy %q", settings.Project, settings.Kind))
	}
}

// base provides the default filters.
type base struct{}

// FilterChangelog keeps every commit.
func (base) FilterChangelog(ports.Commit, string) bool {
	return true
}

// FilterStaleReleases returns every other release of the project.
func (base) FilterStaleReleases(release *rollout.Record, candidates []*rollout.Record) []*rollout.Record {
	var stale []*rollout.Record
	for _, c := range candidates {
		if c.Project == release.Project && c.Tag != release.Tag {
			stale = append(stale, c)
		}
	}
	return stale
}

// jobsSucceeded reports whether every named job exists and succeeded.
// When the same job ran more than once the last run counts.
func jobsSucceeded(jobs []ports.Job, names []string) bool {
	status := make(map[string]string, len(jobs))
	latest := make(map[string]int, len(jobs))
	for _, j := range jobs {
		if id, ok := latest[j.Name]; ok && id > j.ID {
			continue
		}
		latest[j.Name] = j.ID
		status[j.Name] = j.Status
	}
	for _, name := range names {
		if status[name] != "success" {
			return false
		}
	}
	return true
}

// pipelineSettled reports whether no job is pending, running or failed.
func pipelineSettled(jobs []ports.Job) bool {
	if len(jobs) == 0 {
		return false
	}
	for _, j := range jobs {
		switch strings.ToLower(j.Status) {
		case "success", "skipped", "manual":
		default:
			return false
		}
	}
	return true
}
