package container

import (
	"context"
	"fmt"

	"github.com/relicta-tech/rollout/internal/config"
	"github.com/relicta-tech/rollout/internal/domain/changelog"
	"github.com/relicta-tech/rollout/internal/domain/rollout/app"
	"github.com/relicta-tech/rollout/internal/domain/rollout/policy"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	"github.com/relicta-tech/rollout/internal/errors"
	"github.com/relicta-tech/rollout/internal/infrastructure/gitlab"
	"github.com/relicta-tech/rollout/internal/infrastructure/persistence"
	"github.com/relicta-tech/rollout/internal/infrastructure/resilience"
)

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// OpenStore connects the release store selected by cfg. The returned
// Closeable is nil for stores without connections.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (ports.Store, Closeable, error) {
	const op = "container.OpenStore"

	switch cfg.Driver {
	case config.StoreMemory:
		return persistence.NewMemoryStore(), nil, nil
	case config.StoreFile, "":
		store, err := persistence.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case config.StorePostgres:
		pool, err := persistence.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return persistence.NewPostgresStore(pool), closerFunc(pool.Close), nil
	case config.StoreRedis:
		client, err := persistence.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return persistence.NewRedisStore(client, cfg.RedisPrefix), client, nil
	default:
		return nil, nil, errors.Config(op, fmt.Sprintf("unknown store driver %q", cfg.Driver))
	}
}

// NewGitLab creates the GitLab client.
func NewGitLab(cfg config.GitLabConfig) (*gitlab.Client, error) {
	return gitlab.New(gitlab.Config{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		Timeout:    cfg.Timeout,
		Resilience: upstreamResilience("gitlab", cfg.RateLimitRPM, cfg.RetryAttempts),
	})
}

// upstreamResilience overrides the defaults with the configured limits.
func upstreamResilience(name string, rpm, attempts int) resilience.Config {
	cfg := resilience.DefaultConfig(name)
	if rpm > 0 {
		cfg.RateLimitRPM = rpm
	}
	if attempts > 0 {
		cfg.RetryAttempts = attempts
	}
	return cfg
}

// NewChangelog creates the changelog resolver over source.
func NewChangelog(source ports.CommitSource, cfg config.ChangelogConfig) *changelog.Resolver {
	opts := []changelog.Option{changelog.WithTicketLinker(changelog.TemplateLinker(cfg.TicketURL))}
	if cfg.MaxDepth > 0 {
		opts = append(opts, changelog.WithMaxDepth(cfg.MaxDepth))
	}
	return changelog.NewResolver(source, opts...)
}

// PolicySettings converts project declarations to policy settings.
func PolicySettings(projects []config.ProjectConfig) []policy.Settings {
	out := make([]policy.Settings, 0, len(projects))
	for _, p := range projects {
		stages := make([]policy.Stage, 0, len(p.Stages))
		for _, s := range p.Stages {
			stages = append(stages, policy.Stage{
				Name:              s.Name,
				Environments:      s.Environments,
				RequiredSuccesses: s.RequiredSuccesses,
				ManualCompletion:  s.ManualCompletion,
			})
		}
		out = append(out, policy.Settings{
			Project:     p.Name,
			Kind:        policy.Kind(p.Policy),
			Stages:      stages,
			BuildJobs:   p.BuildJobs,
			BuildJob:    p.BuildJob,
			Bridges:     p.Bridges,
			Downstreams: p.Downstreams,
			Quorum:      p.Quorum,
		})
	}
	return out
}

// ControllerConfig derives the lifecycle settings from cfg.
func ControllerConfig(cfg *config.Config) app.Config {
	projects := make(map[string]app.Channels, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects[p.Name] = app.Channels{
			Release:       p.Channels.Release,
			Notifications: p.Channels.Notifications,
		}
	}
	return app.Config{
		Interval:            cfg.Readiness.Interval,
		Timeout:             cfg.Readiness.Timeout,
		TagPipelineTimeout:  cfg.Readiness.TagPipelineTimeout,
		TagPipelineInterval: cfg.Readiness.TagPipelineInterval,
		AutoPreviousTag:     cfg.Changelog.AutoPreviousTag,
		Projects:            projects,
	}
}
