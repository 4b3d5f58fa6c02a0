// Package ports defines the interfaces the rollout core consumes.
package ports

import (
	"context"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
)

// Store persists release records. It is the single source of truth for
// release state; callers re-read a record before any state-defining write.
type Store interface {
	// Get returns the record for key or rollout.ErrReleaseNotFound.
	Get(ctx context.Context, key rollout.Key) (*rollout.Record, error)

	// Put inserts or replaces a record.
	Put(ctx context.Context, record *rollout.Record) error

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, key rollout.Key) error

	// List returns records accepted by filter, or all records when filter is nil.
	List(ctx context.Context, filter func(*rollout.Record) bool) ([]*rollout.Record, error)
}

// ByProject selects the records of one project.
func ByProject(project string) func(*rollout.Record) bool {
	return func(r *rollout.Record) bool { return r.Project == project }
}

// ByState selects records in one lifecycle state.
func ByState(state rollout.State) func(*rollout.Record) bool {
	return func(r *rollout.Record) bool { return r.State == state }
}
