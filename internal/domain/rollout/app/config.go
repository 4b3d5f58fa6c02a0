// Package app provides the release lifecycle use cases: creating releases,
// waiting for them to become ready, following their deployments and ending
// or canceling them.
package app

import (
	"context"
	"time"

	"github.com/relicta-tech/rollout/internal/domain/changelog"
	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/policy"
)

// Defaults for readiness polling.
const (
	DefaultInterval            = 30 * time.Second
	DefaultTimeout             = 45 * time.Minute
	DefaultTagPipelineTimeout  = 30 * time.Second
	DefaultTagPipelineInterval = 3 * time.Second
)

// Channels routes the messages of a project.
type Channels struct {
	// Release receives the release announcement.
	Release string
	// Notifications receive every surfaced transition.
	Notifications []string
}

// Config tunes the lifecycle use cases.
type Config struct {
	Interval            time.Duration
	Timeout             time.Duration
	TagPipelineTimeout  time.Duration
	TagPipelineInterval time.Duration
	// AutoPreviousTag derives the previous tag from semver tags when a
	// release is created without one.
	AutoPreviousTag bool
	// Projects maps project to its channels.
	Projects map[string]Channels
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TagPipelineTimeout <= 0 {
		c.TagPipelineTimeout = DefaultTagPipelineTimeout
	}
	if c.TagPipelineInterval <= 0 {
		c.TagPipelineInterval = DefaultTagPipelineInterval
	}
	return c
}

func (c Config) channels(project string) Channels {
	return c.Projects[project]
}

// PolicyLookup resolves the policy of a project.
type PolicyLookup interface {
	Lookup(project string) (policy.Policy, error)
}

// ChangelogGenerator renders the changes of a release.
type ChangelogGenerator interface {
	Generate(ctx context.Context, project, previousTag string, filter changelog.Filter) (string, error)
}

// Metrics records lifecycle observations.
type Metrics interface {
	ReleaseCreated(project string, kind policy.Kind)
	ReadinessResolved(project string, outcome string)
	TransitionSurfaced(project string, phase rollout.Phase)
	ReleaseRemoved(project string, reason Reason)
}

type noopMetrics struct{}

func (noopMetrics) ReleaseCreated(string, policy.Kind)       {}
func (noopMetrics) ReadinessResolved(string, string)         {}
func (noopMetrics) TransitionSurfaced(string, rollout.Phase) {}
func (noopMetrics) ReleaseRemoved(string, Reason)            {}
