package policy

import (
	"context"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
)

// Library releases artifacts that are not deployed. A release starts once the
// build job passes and is complete as soon as it is announced.
type Library struct {
	base
	buildJob  string
	pipelines ports.PipelineSource
}

// NewLibrary creates a library policy.
func NewLibrary(settings Settings, pipelines ports.PipelineSource) *Library {
	job := settings.BuildJob
	if job == "" {
		job = DefaultBuildJob
	}
	return &Library{buildJob: job, pipelines: pipelines}
}

// Kind returns KindLibrary.
func (p *Library) Kind() Kind { return KindLibrary }

// Tracked returns false.
func (p *Library) Tracked() bool { return false }

// IsReadyToRelease requires the build job to exist and have succeeded.
func (p *Library) IsReadyToRelease(ctx context.Context, record *rollout.Record, pipelineID int) (bool, error) {
	jobs, err := p.pipelines.ListPipelineJobs(ctx, record.Project, pipelineID)
	if err != nil {
		return false, err
	}
	return jobsSucceeded(jobs, []string{p.buildJob}), nil
}

// DeriveTransitions never surfaces anything.
func (p *Library) DeriveTransitions(rollout.History, *rollout.DeploymentEvent) ([]rollout.Transition, error) {
	return nil, nil
}
