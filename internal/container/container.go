// Package container wires rollout's services from configuration.
package container

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/relicta-tech/rollout/internal/config"
	"github.com/relicta-tech/rollout/internal/domain/changelog"
	"github.com/relicta-tech/rollout/internal/domain/rollout/app"
	"github.com/relicta-tech/rollout/internal/domain/rollout/policy"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	"github.com/relicta-tech/rollout/internal/errors"
	"github.com/relicta-tech/rollout/internal/httpserver"
	httpws "github.com/relicta-tech/rollout/internal/httpserver/websocket"
	"github.com/relicta-tech/rollout/internal/infrastructure/gitlab"
	"github.com/relicta-tech/rollout/internal/infrastructure/notify"
	"github.com/relicta-tech/rollout/internal/observability"
)

// defaultShutdownTimeout is the default timeout for graceful shutdown of components.
const defaultShutdownTimeout = 10 * time.Second

// Closeable represents a component that can be closed/shutdown.
type Closeable interface {
	Close() error
}

// Container owns the long-lived services of a rollout server.
type Container struct {
	config  *config.Config
	version string
	logger  *slog.Logger
	mu      sync.RWMutex
	closed  bool

	store      ports.Store
	gitlab     *gitlab.Client
	policies   *policy.Registry
	changelog  *changelog.Resolver
	notifier   *notify.Router
	identity   ports.IdentityResolver
	hub        *httpws.Hub
	metrics    *observability.Metrics
	controller *app.Controller

	// Cleanup tracking
	closeables []Closeable
}

// New creates a container and connects every service cfg enables.
func New(ctx context.Context, cfg *config.Config, version string) (*Container, error) {
	if cfg == nil {
		return nil, errors.Config("container.New", "configuration is required")
	}
	c := &Container{
		config:  cfg,
		version: version,
		logger:  slog.Default().With("component", "container"),
	}
	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// registerCloseable registers a component for cleanup during shutdown.
func (c *Container) registerCloseable(closeable Closeable) {
	if closeable != nil {
		c.closeables = append(c.closeables, closeable)
	}
}

func (c *Container) initialize(ctx context.Context) error {
	c.metrics = observability.NewMetrics(c.version)

	store, closer, err := OpenStore(ctx, c.config.Store)
	if err != nil {
		return err
	}
	c.store = store
	c.registerCloseable(closer)

	c.gitlab, err = NewGitLab(c.config.GitLab)
	if err != nil {
		return err
	}
	c.registerCloseable(c.gitlab)

	c.policies, err = policy.NewRegistry(PolicySettings(c.config.Projects), c.gitlab)
	if err != nil {
		return err
	}
	c.changelog = NewChangelog(c.gitlab, c.config.Changelog)

	// The snapshot reads through the controller, which needs the notifier
	// the hub backs, so it resolves the controller lazily.
	c.hub = httpws.NewHub(c.config.Server.AllowedOrigins, func(ctx context.Context) (httpws.Message, error) {
		return httpserver.ReleaseSnapshot(c.Controller())(ctx)
	})

	if err := c.initNotifications(); err != nil {
		return err
	}

	c.controller = app.NewController(app.Dependencies{
		Store:     c.store,
		Policies:  c.policies,
		Commits:   c.gitlab,
		Pipelines: c.gitlab,
		Changelog: c.changelog,
		Notifier:  c.notifier,
		Renderer:  notify.NewTextRenderer(),
		Identity:  c.identity,
		Metrics:   c.metrics,
	}, ControllerConfig(c.config))

	c.logger.Debug("container initialized",
		"store", c.config.Store.Driver,
		"projects", c.policies.Projects(),
		"notifiers", c.notifier.Schemes())
	return nil
}

// initNotifications registers a backend per enabled notification channel.
func (c *Container) initNotifications() error {
	fallback := ""
	if c.config.Slack.Enabled {
		fallback = notify.SchemeSlack
	}
	c.notifier = notify.NewRouter(fallback, c.metrics)
	c.identity = notify.HandleIdentity{}

	if c.config.Slack.Enabled {
		slack, err := notify.NewSlack(notify.SlackConfig{
			Token:      c.config.Slack.Token,
			APIURL:     c.config.Slack.APIURL,
			Resilience: upstreamResilience("slack", 0, 0),
		})
		if err != nil {
			return err
		}
		c.registerCloseable(slack)
		c.notifier.Register(notify.SchemeSlack, slack)
		c.identity = slack
	}

	if len(c.config.Webhooks) > 0 {
		endpoints := make([]notify.WebhookEndpoint, 0, len(c.config.Webhooks))
		for _, w := range c.config.Webhooks {
			endpoints = append(endpoints, notify.WebhookEndpoint{
				Name:       w.Name,
				URL:        w.URL,
				Secret:     w.Secret,
				Headers:    w.Headers,
				Timeout:    w.Timeout,
				RetryCount: w.RetryCount,
				RetryDelay: w.RetryDelay,
			})
		}
		c.notifier.Register(notify.SchemeWebhook, notify.NewWebhook(endpoints, &http.Client{}))
	}

	if c.config.Dashboard.Enabled {
		c.notifier.Register(notify.SchemeDashboard, notify.NewDashboard(c.hub))
	}
	return nil
}

// Controller returns the release controller.
func (c *Container) Controller() *app.Controller {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controller
}

// Metrics returns the metrics registry of the container.
func (c *Container) Metrics() *observability.Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// Hub returns the dashboard feed.
func (c *Container) Hub() *httpws.Hub {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hub
}

// Store returns the release store.
func (c *Container) Store() ports.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

// Config returns the configuration.
func (c *Container) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Server builds the HTTP server for the container's controller.
func (c *Container) Server() *httpserver.Server {
	deps := httpserver.ServerDeps{
		Config:   c.config.Server,
		Releases: c.Controller(),
		Hub:      c.Hub(),
		Metrics:  c.metrics,
		Version:  c.version,
	}
	if c.config.Metrics.Enabled {
		deps.MetricsHandler = c.metrics.Handler()
		deps.MetricsPath = c.config.Metrics.Path
	}
	return httpserver.NewServer(deps)
}

// Resume restarts the readiness waits of releases persisted by a previous
// process and publishes the number of tracked releases.
func (c *Container) Resume(ctx context.Context) (int, error) {
	resumed, err := c.Controller().Resume(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.RefreshActiveReleases(ctx); err != nil {
		c.logger.Warn("failed to count tracked releases", "error", err)
	}
	return resumed, nil
}

// RefreshActiveReleases sets the active release gauge from the store.
func (c *Container) RefreshActiveReleases(ctx context.Context) error {
	records, err := c.Store().List(ctx, nil)
	if err != nil {
		return err
	}
	c.metrics.SetActiveReleases(len(records))
	return nil
}

// Close gracefully shuts down the container and all its components.
func (c *Container) Close() error {
	return c.CloseWithTimeout(defaultShutdownTimeout)
}

// CloseWithTimeout stops the controller's waiters, then closes every
// registered component in reverse order.
func (c *Container) CloseWithTimeout(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Debug("initiating container shutdown", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if c.controller != nil {
		if err := c.controller.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.hub != nil {
		c.hub.Close()
	}
	for i := len(c.closeables) - 1; i >= 0; i-- {
		if err := c.closeWithContext(ctx, c.closeables[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		c.logger.Warn("some components failed to close cleanly", "error_count", len(errs))
		return errs[0]
	}
	c.logger.Debug("container shutdown completed successfully")
	return nil
}

// closeWithContext closes a component with context cancellation support.
func (c *Container) closeWithContext(ctx context.Context, closeable Closeable) error {
	done := make(chan error, 1)
	go func() {
		done <- closeable.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.logger.Warn("component close timed out", "error", ctx.Err())
		return ctx.Err()
	}
}
