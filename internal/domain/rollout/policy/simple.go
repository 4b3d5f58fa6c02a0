package policy

import (
	"context"
	"fmt"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Simple rolls a release through a linear chain of environments such as
// integration, staging, production.
type Simple struct {
	base
	chain     *chain
	buildJobs []string
	pipelines ports.PipelineSource
}

// NewSimple creates a simple policy.
func NewSimple(settings Settings, pipelines ports.PipelineSource) (*Simple, error) {
	stages := make([]stage, 0, len(settings.Stages))
	for _, s := range settings.Stages {
		required := s.RequiredSuccesses
		if required == 0 {
			required = len(s.Environments)
		}
		stages = append(stages, stage{
			name:     s.Name,
			members:  append([]string(nil), s.Environments...),
			required: required,
			manual:   s.ManualCompletion,
		})
	}
	c, err := newChain(stages)
	if err != nil {
		return nil, rerrors.ConfigWrap(err, "policy.NewSimple", fmt.Sprintf("project %q", settings.Project))
	}
	return &Simple{
		chain:     c,
		buildJobs: append([]string(nil), settings.BuildJobs...),
		pipelines: pipelines,
	}, nil
}

// Kind returns KindSimple.
func (p *Simple) Kind() Kind { return KindSimple }

// Tracked returns true.
func (p *Simple) Tracked() bool { return true }

// IsReadyToRelease requires the configured build jobs to have succeeded, or
// every job of the pipeline to have settled when none are configured.
func (p *Simple) IsReadyToRelease(ctx context.Context, record *rollout.Record, pipelineID int) (bool, error) {
	jobs, err := p.pipelines.ListPipelineJobs(ctx, record.Project, pipelineID)
	if err != nil {
		return false, err
	}
	if len(p.buildJobs) == 0 {
		return pipelineSettled(jobs), nil
	}
	return jobsSucceeded(jobs, p.buildJobs), nil
}

// DeriveTransitions announces each stage once: deploying on its first
// start, monitoring when its successes reach the required count, and
// completed when the next stage starts or, for the last stage, right after
// monitoring unless completion is manual.
func (p *Simple) DeriveTransitions(history rollout.History, event *rollout.DeploymentEvent) ([]rollout.Transition, error) {
	return p.chain.derive(history, event, false, nil)
}
