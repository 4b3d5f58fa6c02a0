package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relicta-tech/rollout/internal/domain/changelog"
	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/policy"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// CreateInput contains the input for creating a release.
type CreateInput struct {
	Project string
	Tag     string
	// PreviousTag bounds the changelog. Empty means the whole history, or
	// the previous semver tag when AutoPreviousTag is set.
	PreviousTag string
	// Actor is the chat handle of the requesting user.
	Actor string
	// Channel is where the command was issued.
	Channel string
}

// Dependencies groups the collaborators of the Controller.
type Dependencies struct {
	Store     ports.Store
	Policies  PolicyLookup
	Commits   ports.CommitSource
	Pipelines ports.PipelineSource
	Changelog ChangelogGenerator
	Notifier  ports.Notifier
	Renderer  ports.Renderer
	Identity  ports.IdentityResolver
	Clock     ports.Clock
	Metrics   Metrics
}

// Controller drives release lifecycles: it creates releases, folds their
// deployment events and finalizes them.
type Controller struct {
	deps    Dependencies
	cfg     Config
	waiter  *Waiter
	remover remover
	locks   *keyLocks
	logger  *slog.Logger

	// lifetime bounds the readiness waiters started by Create and Resume.
	lifetime context.Context
	stop     context.CancelFunc
	waiters  sync.WaitGroup
}

// NewController creates a Controller.
func NewController(deps Dependencies, cfg Config) *Controller {
	if deps.Clock == nil {
		deps.Clock = ports.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	cfg = cfg.withDefaults()
	lifetime, stop := context.WithCancel(context.Background())
	waiter := NewWaiter(deps.Store, deps.Policies, deps.Pipelines, deps.Notifier, deps.Renderer, deps.Clock, cfg, deps.Metrics)
	return &Controller{
		deps:     deps,
		cfg:      cfg,
		waiter:   waiter,
		remover:  newRemover(deps.Store, deps.Metrics),
		locks:    waiter.locks,
		logger:   slog.Default().With("component", "release_controller"),
		lifetime: lifetime,
		stop:     stop,
	}
}

// Create tracks a new release and starts waiting for it to become ready.
func (c *Controller) Create(ctx context.Context, in CreateInput) (*rollout.Record, error) {
	const op = "controller.Create"
	key := rollout.Key{Project: in.Project, Tag: in.Tag}
	if !key.Valid() {
		return nil, rerrors.Validation(op, "project and tag are required")
	}

	pol, err := c.deps.Policies.Lookup(in.Project)
	if err != nil {
		return nil, err
	}

	if _, err := c.deps.Store.Get(ctx, key); err == nil {
		return nil, rerrors.Conflict(op, fmt.Sprintf("release %s is already tracked", key))
	} else if !rerrors.IsKind(err, rerrors.KindNotFound) {
		return nil, err
	}

	previous := in.PreviousTag
	if previous == "" && c.cfg.AutoPreviousTag {
		tags, err := c.deps.Commits.ListTags(ctx, in.Project)
		if err != nil {
			return nil, err
		}
		previous = changelog.PreviousTag(tags, in.Tag)
	}

	description, err := c.deps.Changelog.Generate(ctx, in.Project, previous, func(commit ports.Commit) bool {
		return pol.FilterChangelog(commit, in.Tag)
	})
	if err != nil {
		return nil, err
	}

	author, err := c.deps.Identity.Resolve(ctx, in.Actor)
	if err != nil {
		c.logger.Warn("failed to resolve author, using handle", "actor", in.Actor, "error", err)
		author = rollout.Author{ID: in.Actor, Username: in.Actor}
	}

	record, err := rollout.NewRecord(key, author, description, c.deps.Clock.Now())
	if err != nil {
		return nil, err
	}
	record.Channel = in.Channel

	if err := c.removeStale(ctx, pol, record, in.Actor); err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(key)
	if _, err := c.deps.Store.Get(ctx, key); err == nil {
		unlock()
		return nil, rerrors.Conflict(op, fmt.Sprintf("release %s is already tracked", key))
	} else if !rerrors.IsKind(err, rerrors.KindNotFound) {
		unlock()
		return nil, err
	}
	err = c.deps.Store.Put(ctx, record)
	unlock()
	if err != nil {
		return nil, rerrors.StoreWrap(err, op, "failed to save release")
	}
	c.deps.Metrics.ReleaseCreated(in.Project, pol.Kind())
	c.logger.Info("release created", "project", in.Project, "tag", in.Tag, "previous", previous, "policy", pol.Kind())

	c.startWaiter(key)
	return record.Clone(), nil
}

func (c *Controller) removeStale(ctx context.Context, pol policy.Policy, record *rollout.Record, actor string) error {
	candidates, err := c.deps.Store.List(ctx, ports.ByProject(record.Project))
	if err != nil {
		return err
	}
	for _, stale := range pol.FilterStaleReleases(record, candidates) {
		if err := c.supersede(ctx, stale.Key(), actor); err != nil {
			return err
		}
	}
	return nil
}

// supersede removes a stale release, re-reading it under its lock so a
// concurrent writer cannot bring it back.
func (c *Controller) supersede(ctx context.Context, key rollout.Key, actor string) error {
	unlock := c.locks.Lock(key)
	defer unlock()

	stale, err := c.deps.Store.Get(ctx, key)
	if rerrors.IsKind(err, rerrors.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := stale.Apply(rollout.EventSupersede); err != nil {
		return err
	}
	return c.remover.remove(ctx, stale, ReasonSuperseded, actor)
}

// Resume restarts waiters for releases that were still waiting when the
// process stopped and returns how many were resumed.
func (c *Controller) Resume(ctx context.Context) (int, error) {
	waiting, err := c.deps.Store.List(ctx, ports.ByState(rollout.StateNotYetReady))
	if err != nil {
		return 0, err
	}
	for _, r := range waiting {
		c.logger.Info("resuming readiness wait", "project", r.Project, "tag", r.Tag, "created_at", r.CreatedAt)
		c.startWaiter(r.Key())
	}
	return len(waiting), nil
}

func (c *Controller) startWaiter(key rollout.Key) {
	c.waiters.Add(1)
	go func() {
		defer c.waiters.Done()
		err := c.waiter.WaitAndStart(c.lifetime, key)
		logger := c.logger.With("project", key.Project, "tag", key.Tag)
		switch {
		case err == nil:
		case rerrors.IsKind(err, rerrors.KindConflict):
			logger.Warn("release changed while starting, abandoned", "error", err)
		case rerrors.IsKind(err, rerrors.KindTimeout):
			logger.Info("release abandoned", "error", err)
		case c.lifetime.Err() != nil:
			logger.Debug("readiness wait interrupted", "error", err)
		default:
			logger.Error("readiness wait failed", "error", err)
		}
	}()
}

// Shutdown stops the readiness waiters and waits for them to return.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.stop()
	done := make(chan struct{})
	go func() {
		c.waiters.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every running waiter returned.
func (c *Controller) Wait() {
	c.waiters.Wait()
}

// HandleDeploymentEvent folds a deployment event into its release and
// surfaces the resulting transitions. Events for untracked releases are
// ignored. Events of one release are handled one at a time, in arrival order.
func (c *Controller) HandleDeploymentEvent(ctx context.Context, event rollout.DeploymentEvent) error {
	const op = "controller.HandleDeploymentEvent"
	unlock := c.locks.Lock(event.Key())
	defer unlock()

	logger := c.logger.With("project", event.Project, "tag", event.Tag, "environment", event.Environment, "outcome", event.Outcome)

	record, err := c.deps.Store.Get(ctx, event.Key())
	if rerrors.IsKind(err, rerrors.KindNotFound) {
		logger.Debug("no release tracked for deployment")
		return nil
	}
	if err != nil {
		return err
	}

	pol, err := c.deps.Policies.Lookup(event.Project)
	if err != nil {
		return err
	}

	history, transitions, err := rollout.Fold(record.History, event, pol)
	if err != nil {
		return err
	}
	if history.Equal(record.History) {
		logger.Debug("duplicate deployment event")
		return nil
	}

	record.History = history
	if err := c.deps.Store.Put(ctx, record); err != nil {
		return rerrors.StoreWrap(err, op, "failed to save deployment history")
	}

	channels := c.cfg.channels(event.Project)
	for _, t := range transitions {
		c.deps.Metrics.TransitionSurfaced(event.Project, t.Phase)
		logger.Info("transition", "phase", t.Phase, "stage", t.Environment, "terminal", t.Terminal, "took", t.Took())
		c.fanOut(ctx, channels.Notifications, c.deps.Renderer.Transition(record, t))
	}

	if record.MessageRef != "" && len(transitions) > 0 {
		if err := c.deps.Notifier.Update(ctx, record.MessageRef, c.deps.Renderer.Release(record)); err != nil {
			logger.Warn("failed to refresh release message", "error", err)
		}
	}

	for _, t := range transitions {
		if !t.Terminal {
			continue
		}
		switch t.Phase {
		case rollout.PhaseMonitoring:
			if _, err := record.Apply(rollout.EventMonitor); err != nil {
				logger.Warn("cannot start monitoring", "error", err)
				continue
			}
			if err := c.deps.Store.Put(ctx, record); err != nil {
				return rerrors.StoreWrap(err, op, "failed to save monitoring state")
			}
		case rollout.PhaseCompleted:
			if _, err := record.Apply(rollout.EventComplete); err != nil {
				logger.Warn("cannot complete release", "error", err)
				continue
			}
			return c.remover.remove(ctx, record, ReasonCompleted, "")
		}
	}
	return nil
}

// fanOut posts msg to every channel concurrently and returns once all
// deliveries were attempted.
func (c *Controller) fanOut(ctx context.Context, channels []string, msg ports.Message) {
	var g errgroup.Group
	for _, ch := range channels {
		g.Go(func() error {
			if _, err := c.deps.Notifier.Announce(ctx, ch, msg); err != nil {
				return fmt.Errorf("channel %s: %w", ch, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("notification delivery failed", "error", err)
	}
}

// Cancel stops a release that is not yet monitored.
func (c *Controller) Cancel(ctx context.Context, key rollout.Key, actor string) error {
	const op = "controller.Cancel"
	unlock := c.locks.Lock(key)
	defer unlock()

	record, err := c.deps.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !record.State.Cancelable() {
		return rerrors.TooLate(op, fmt.Sprintf("release %s is %s, too late to cancel", key, record.State))
	}

	state := record.State
	if _, err := record.Apply(rollout.EventCancel); err != nil {
		return err
	}
	if state == rollout.StateNotYetReady {
		return c.remover.remove(ctx, record, ReasonCanceled, actor)
	}

	author := c.resolve(ctx, actor)
	logger := c.logger.With("project", key.Project, "tag", key.Tag)

	var g errgroup.Group
	g.Go(func() error {
		if err := c.deps.Pipelines.RenameRelease(ctx, key.Project, key.Tag, UndeployedName(key.Tag)); err != nil {
			logger.Warn("failed to rename canceled release", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if record.TagPipelineID == 0 {
			return nil
		}
		if err := c.deps.Pipelines.CancelPipeline(ctx, key.Project, record.TagPipelineID); err != nil {
			logger.Warn("failed to cancel tag pipeline", "pipeline", record.TagPipelineID, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return c.remover.remove(ctx, record, ReasonCanceled, actor)
	})
	g.Go(func() error {
		c.announce(ctx, record, c.deps.Renderer.Canceled(record, author))
		return nil
	})
	return g.Wait()
}

// UndeployedName is the name a canceled release is renamed to.
func UndeployedName(tag string) string {
	return tag + " (undeployed)"
}

// End finishes a monitored release. The record is removed even when the
// final derivation fails.
func (c *Controller) End(ctx context.Context, key rollout.Key, actor string) error {
	const op = "controller.End"
	unlock := c.locks.Lock(key)
	defer unlock()

	record, err := c.deps.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	if record.State != rollout.StateMonitoring {
		return rerrors.State(op, fmt.Sprintf("release %s is %s, only monitored releases can be ended", key, record.State))
	}

	var transitions []rollout.Transition
	if pol, err := c.deps.Policies.Lookup(key.Project); err != nil {
		c.logger.Warn("no policy to derive final state", "project", key.Project, "error", err)
	} else if transitions, err = pol.DeriveTransitions(record.History, nil); err != nil {
		c.logger.Warn("failed to derive final state", "project", key.Project, "tag", key.Tag, "error", err)
	}

	c.announce(ctx, record, c.deps.Renderer.Ended(record, c.resolve(ctx, actor), transitions))

	if _, err := record.Apply(rollout.EventEnd); err != nil {
		return err
	}
	return c.remover.remove(ctx, record, ReasonEnded, actor)
}

// announce updates the release message, or posts to the release channel
// when the release was never announced.
func (c *Controller) announce(ctx context.Context, record *rollout.Record, msg ports.Message) {
	var err error
	if record.MessageRef != "" {
		err = c.deps.Notifier.Update(ctx, record.MessageRef, msg)
	} else {
		_, err = c.deps.Notifier.Announce(ctx, c.cfg.channels(record.Project).Release, msg)
	}
	if err != nil {
		c.logger.Warn("failed to announce", "project", record.Project, "tag", record.Tag, "error", err)
	}
}

func (c *Controller) resolve(ctx context.Context, actor string) rollout.Author {
	author, err := c.deps.Identity.Resolve(ctx, actor)
	if err != nil {
		return rollout.Author{ID: actor, Username: actor}
	}
	return author
}

// Get returns a tracked release.
func (c *Controller) Get(ctx context.Context, key rollout.Key) (*rollout.Record, error) {
	return c.deps.Store.Get(ctx, key)
}

// List returns the tracked releases of project, or all when project is empty.
func (c *Controller) List(ctx context.Context, project string) ([]*rollout.Record, error) {
	if project == "" {
		return c.deps.Store.List(ctx, nil)
	}
	return c.deps.Store.List(ctx, ports.ByProject(project))
}
