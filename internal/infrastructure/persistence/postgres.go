package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// PostgresStore keeps releases in the releases table. The record itself is
// stored as JSONB next to the columns used for lookups.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ ports.Store = (*PostgresStore)(nil)

// NewPostgresStore wraps a connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	const op = "persistence.OpenPostgres"
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, rerrors.WrapSafe(err, rerrors.KindConfig, op, "invalid database url")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, rerrors.WrapSafe(err, rerrors.KindStore, op, "database unreachable")
	}
	return pool, nil
}

// Get fetches a release.
func (s *PostgresStore) Get(ctx context.Context, key rollout.Key) (*rollout.Record, error) {
	const query = `SELECT payload FROM releases WHERE project = $1 AND tag = $2`
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, key.Project, key.Tag).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rollout.ErrReleaseNotFound
		}
		return nil, rerrors.StoreWrap(err, "persistence.PostgresStore.Get", "query failed")
	}
	r, err := decode(payload)
	if err != nil {
		return nil, rerrors.StoreWrap(err, "persistence.PostgresStore.Get", "corrupt release row")
	}
	return r, nil
}

// Put upserts a release.
func (s *PostgresStore) Put(ctx context.Context, r *rollout.Record) error {
	const query = `INSERT INTO releases (project, tag, state, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (project, tag) DO UPDATE
		SET state = EXCLUDED.state, payload = EXCLUDED.payload, updated_at = now()`
	payload, err := encode(r)
	if err != nil {
		return rerrors.StoreWrap(err, "persistence.PostgresStore.Put", "failed to encode release")
	}
	if _, err := s.pool.Exec(ctx, query, r.Project, r.Tag, string(r.State), payload, r.CreatedAt); err != nil {
		return rerrors.StoreWrap(err, "persistence.PostgresStore.Put", "upsert failed")
	}
	return nil
}

// Delete removes a release.
func (s *PostgresStore) Delete(ctx context.Context, key rollout.Key) error {
	const query = `DELETE FROM releases WHERE project = $1 AND tag = $2`
	if _, err := s.pool.Exec(ctx, query, key.Project, key.Tag); err != nil {
		return rerrors.StoreWrap(err, "persistence.PostgresStore.Delete", "delete failed")
	}
	return nil
}

// List returns the releases accepted by filter, oldest first.
func (s *PostgresStore) List(ctx context.Context, filter func(*rollout.Record) bool) ([]*rollout.Record, error) {
	const query = `SELECT payload FROM releases ORDER BY created_at, project, tag`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, rerrors.StoreWrap(err, "persistence.PostgresStore.List", "query failed")
	}
	defer rows.Close()

	out := make([]*rollout.Record, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, rerrors.StoreWrap(err, "persistence.PostgresStore.List", "scan failed")
		}
		r, err := decode(payload)
		if err != nil {
			return nil, rerrors.StoreWrap(err, "persistence.PostgresStore.List", "corrupt release row")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.StoreWrap(err, "persistence.PostgresStore.List", "iteration failed")
	}
	return filtered(out, filter), nil
}
