package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// Readiness outcomes reported to metrics.
const (
	ReadinessStarted  = "started"
	ReadinessTimeout  = "timeout"
	ReadinessConflict = "conflict"
	ReadinessGone     = "gone"
)

// Waiter polls the main branch pipeline of a release until its policy
// reports it ready, then creates and announces the remote release.
//
// A release removed from the store stops its waiter on the next poll; there
// is no other cancellation signal. The deadline is measured from the record's
// creation, so a resumed waiter keeps the original deadline.
type Waiter struct {
	store     ports.Store
	policies  PolicyLookup
	pipelines ports.PipelineSource
	notifier  ports.Notifier
	renderer  ports.Renderer
	clock     ports.Clock
	cfg       Config
	remover   remover
	metrics   Metrics
	locks     *keyLocks
	logger    *slog.Logger
}

// NewWaiter creates a Waiter.
func NewWaiter(
	store ports.Store,
	policies PolicyLookup,
	pipelines ports.PipelineSource,
	notifier ports.Notifier,
	renderer ports.Renderer,
	clock ports.Clock,
	cfg Config,
	metrics Metrics,
) *Waiter {
	if clock == nil {
		clock = ports.RealClock{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Waiter{
		store:     store,
		policies:  policies,
		pipelines: pipelines,
		notifier:  notifier,
		renderer:  renderer,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		remover:   newRemover(store, metrics),
		metrics:   metrics,
		locks:     newKeyLocks(),
		logger:    slog.Default().With("component", "readiness_waiter"),
	}
}

// WaitAndStart polls until the release starts, disappears or times out.
// It returns a timeout error when the deadline passed and a conflict error
// when another writer changed the record while it was being started.
func (w *Waiter) WaitAndStart(ctx context.Context, key rollout.Key) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		done, err := w.poll(ctx, key)
		if done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll runs one iteration and reports whether waiting is over.
func (w *Waiter) poll(ctx context.Context, key rollout.Key) (bool, error) {
	const op = "waiter.WaitAndStart"
	logger := w.logger.With("project", key.Project, "tag", key.Tag)

	record, err := w.store.Get(ctx, key)
	if rerrors.IsKind(err, rerrors.KindNotFound) {
		logger.Debug("release no longer tracked, stop waiting")
		w.metrics.ReadinessResolved(key.Project, ReadinessGone)
		return true, nil
	}
	if err != nil {
		logger.Warn("failed to read release", "error", err)
		return false, nil
	}
	if record.State != rollout.StateNotYetReady {
		logger.Debug("release already started", "state", record.State)
		return true, nil
	}

	if elapsed := w.clock.Now().Sub(record.CreatedAt); elapsed >= w.cfg.Timeout {
		return true, w.expire(ctx, key, rerrors.Timeout(op, fmt.Sprintf("release %s was not ready after %s", key, w.cfg.Timeout)))
	}

	pol, err := w.policies.Lookup(key.Project)
	if err != nil {
		return true, err
	}

	pipeline, err := w.pipelines.GetMainBranchPipeline(ctx, key.Project)
	if err != nil {
		logger.Warn("failed to fetch main branch pipeline", "error", err)
		return false, nil
	}
	ready, err := pol.IsReadyToRelease(ctx, record, pipeline.ID)
	if err != nil {
		logger.Warn("readiness check failed", "pipeline", pipeline.ID, "error", err)
		return false, nil
	}
	if !ready {
		logger.Debug("release not ready yet", "pipeline", pipeline.ID)
		return false, nil
	}

	// Never start from the copy read before the readiness check.
	current, err := w.confirmNotYetReady(ctx, key)
	if err != nil {
		return true, err
	}

	release, err := w.pipelines.CreateRelease(ctx, key.Project, key.Tag, pipeline.SHA, current.Description)
	if err != nil {
		logger.Error("failed to create release, retrying", "error", err)
		return false, nil
	}
	logger.Info("release created", "sha", pipeline.SHA, "url", release.WebURL)

	tagPipeline, err := w.awaitTagPipeline(ctx, key)
	if err != nil {
		if rerrors.IsKind(err, rerrors.KindTimeout) {
			return true, w.expire(ctx, key, err)
		}
		return true, err
	}

	channels := w.cfg.channels(key.Project)
	ref, err := w.notifier.Announce(ctx, channels.Release, w.renderer.Release(current))
	if err != nil {
		logger.Warn("failed to announce release", "channel", channels.Release, "error", err)
	}

	return true, w.markCreated(ctx, key, pol.Tracked(), ref, tagPipeline.ID)
}

// markCreated records the announcement on the latest copy of the release.
// Untracked releases complete right away.
func (w *Waiter) markCreated(ctx context.Context, key rollout.Key, tracked bool, ref string, tagPipelineID int) error {
	const op = "waiter.WaitAndStart"
	unlock := w.locks.Lock(key)
	defer unlock()

	latest, err := w.confirmNotYetReady(ctx, key)
	if err != nil {
		return err
	}
	latest.MessageRef = ref
	latest.TagPipelineID = tagPipelineID
	if _, err := latest.Apply(rollout.EventAnnounce); err != nil {
		return err
	}
	if err := w.store.Put(ctx, latest); err != nil {
		return rerrors.StoreWrap(err, op, "failed to mark release created")
	}
	w.metrics.ReadinessResolved(key.Project, ReadinessStarted)
	w.logger.Info("release started", "project", key.Project, "tag", key.Tag, "tag_pipeline", tagPipelineID, "message_ref", ref)

	if tracked {
		return nil
	}
	if _, err := latest.Apply(rollout.EventComplete); err != nil {
		return err
	}
	return w.remover.remove(ctx, latest, ReasonCompleted, "")
}

// expire abandons a release that is still waiting and returns reason.
func (w *Waiter) expire(ctx context.Context, key rollout.Key, reason error) error {
	unlock := w.locks.Lock(key)
	defer unlock()

	record, err := w.confirmNotYetReady(ctx, key)
	if err != nil {
		return err
	}
	w.abandon(ctx, record, rollout.EventTimeout, reason)
	return reason
}

// confirmNotYetReady re-reads the record and fails with a conflict unless it
// still waits to be started.
func (w *Waiter) confirmNotYetReady(ctx context.Context, key rollout.Key) (*rollout.Record, error) {
	const op = "waiter.confirm"
	current, err := w.store.Get(ctx, key)
	switch {
	case rerrors.IsKind(err, rerrors.KindNotFound):
		w.metrics.ReadinessResolved(key.Project, ReadinessConflict)
		return nil, rerrors.Conflict(op, fmt.Sprintf("release %s was removed while starting", key))
	case err != nil:
		return nil, rerrors.StoreWrap(err, op, "failed to re-read release")
	case current.State != rollout.StateNotYetReady:
		w.metrics.ReadinessResolved(key.Project, ReadinessConflict)
		return nil, rerrors.Conflict(op, fmt.Sprintf("release %s moved to %s while starting", key, current.State))
	}
	return current, nil
}

// awaitTagPipeline waits for CI to register a pipeline for the new tag.
func (w *Waiter) awaitTagPipeline(parent context.Context, key rollout.Key) (ports.Pipeline, error) {
	ctx, cancel := context.WithTimeout(parent, w.cfg.TagPipelineTimeout)
	defer cancel()

	ticker := time.NewTicker(w.cfg.TagPipelineInterval)
	defer ticker.Stop()
	for {
		pipelines, err := w.pipelines.ListPipelinesForRef(ctx, key.Project, key.Tag)
		if err == nil && len(pipelines) > 0 {
			return pipelines[0], nil
		}
		if err != nil {
			w.logger.Debug("tag pipeline lookup failed", "project", key.Project, "tag", key.Tag, "error", err)
		}
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return ports.Pipeline{}, parent.Err()
			}
			return ports.Pipeline{}, rerrors.Timeout("waiter.awaitTagPipeline",
				fmt.Sprintf("no pipeline registered for %s within %s", key, w.cfg.TagPipelineTimeout))
		case <-ticker.C:
		}
	}
}

// abandon removes a release that cannot start and tells its author why.
func (w *Waiter) abandon(ctx context.Context, record *rollout.Record, event rollout.LifecycleEvent, reason error) {
	logger := w.logger.With("project", record.Project, "tag", record.Tag)
	if _, err := record.Apply(event); err != nil {
		logger.Error("cannot abandon release", "error", err)
		return
	}
	if err := w.remover.remove(ctx, record, ReasonTimeout, ""); err != nil {
		logger.Error("failed to remove abandoned release", "error", err)
		return
	}
	w.metrics.ReadinessResolved(record.Project, ReadinessTimeout)

	channel := record.Channel
	if channel == "" {
		channel = w.cfg.channels(record.Project).Release
	}
	if err := w.notifier.Whisper(ctx, channel, record.Author, w.renderer.Abandoned(record, reason)); err != nil {
		logger.Warn("failed to notify release author", "error", err)
	}
}
