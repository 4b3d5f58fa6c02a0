package app

import (
	"context"
	"log/slog"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
)

// Reason explains why a release record was removed.
type Reason string

const (
	ReasonCanceled   Reason = "canceled"
	ReasonCompleted  Reason = "completed"
	ReasonEnded      Reason = "ended"
	ReasonTimeout    Reason = "timeout"
	ReasonSuperseded Reason = "superseded"
)

// remover deletes records. Deletion is the terminal transition of a release
// and the record cannot keep its own history, so every removal is written to
// the audit log.
type remover struct {
	store   ports.Store
	audit   *slog.Logger
	metrics Metrics
}

func newRemover(store ports.Store, metrics Metrics) remover {
	return remover{
		store:   store,
		audit:   slog.Default().With("component", "audit"),
		metrics: metrics,
	}
}

func (r remover) remove(ctx context.Context, record *rollout.Record, reason Reason, actor string) error {
	if err := r.store.Delete(ctx, record.Key()); err != nil {
		return err
	}
	r.audit.Info("release removed",
		"project", record.Project,
		"tag", record.Tag,
		"state", record.State,
		"reason", reason,
		"actor", actor,
		"environments", record.History.Environments(),
	)
	r.metrics.ReleaseRemoved(record.Project, reason)
	return nil
}
