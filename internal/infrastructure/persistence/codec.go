// Package persistence provides the release stores: in memory, JSON files,
// PostgreSQL and Redis.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
)

// schemaVersion is bumped when the persisted layout changes incompatibly.
const schemaVersion = 1

// envelope is the persisted form of a record shared by every backend.
type envelope struct {
	Version int             `json:"version"`
	Record  *rollout.Record `json:"record"`
}

func encode(r *rollout.Record) ([]byte, error) {
	data, err := json.Marshal(envelope{Version: schemaVersion, Record: r})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal release %s: %w", r.Key(), err)
	}
	return data, nil
}

func decode(data []byte) (*rollout.Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal release: %w", err)
	}
	if env.Version != schemaVersion {
		return nil, fmt.Errorf("unsupported release schema version %d", env.Version)
	}
	r := env.Record
	if r == nil || !r.Key().Valid() {
		return nil, fmt.Errorf("release payload has no key")
	}
	if !r.State.IsValid() {
		return nil, fmt.Errorf("release %s has invalid state %q", r.Key(), r.State)
	}
	r.History = r.History.Clone()
	return r, nil
}

// checkContext returns the context error if ctx is done.
func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func filtered(records []*rollout.Record, filter func(*rollout.Record) bool) []*rollout.Record {
	if filter == nil {
		return records
	}
	out := records[:0]
	for _, r := range records {
		if filter(r) {
			out = append(out, r)
		}
	}
	return out
}
