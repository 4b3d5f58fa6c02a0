package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
)

// MemoryStore keeps releases in process memory. Releases do not survive a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[rollout.Key]*rollout.Record
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[rollout.Key]*rollout.Record)}
}

// Get returns a copy of the stored release.
func (s *MemoryStore) Get(ctx context.Context, key rollout.Key) (*rollout.Record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	if !ok {
		return nil, rollout.ErrReleaseNotFound
	}
	return r.Clone(), nil
}

// Put stores a copy of r.
func (s *MemoryStore) Put(ctx context.Context, r *rollout.Record) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Key()] = r.Clone()
	return nil
}

// Delete removes a release.
func (s *MemoryStore) Delete(ctx context.Context, key rollout.Key) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// List returns copies of the releases accepted by filter, oldest first.
func (s *MemoryStore) List(ctx context.Context, filter func(*rollout.Record) bool) ([]*rollout.Record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*rollout.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sortRecords(out)
	return filtered(out, filter), nil
}

func sortRecords(records []*rollout.Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].Key().String() < records[j].Key().String()
	})
}
