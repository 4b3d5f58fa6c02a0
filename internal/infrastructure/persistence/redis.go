package persistence

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// DefaultRedisPrefix namespaces the keys written by RedisStore.
const DefaultRedisPrefix = "rollout:"

// RedisStore keeps each release under its own key and tracks all keys in
// a set for listing.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ ports.Store = (*RedisStore)(nil)

// NewRedisStore wraps client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis connects to the server at url and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	const op = "persistence.OpenRedis"
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, rerrors.WrapSafe(err, rerrors.KindConfig, op, "invalid redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, rerrors.WrapSafe(err, rerrors.KindStore, op, "redis unreachable")
	}
	return client, nil
}

func (s *RedisStore) key(k rollout.Key) string {
	return s.prefix + "release:" + k.String()
}

func (s *RedisStore) index() string {
	return s.prefix + "releases"
}

// Get fetches a release.
func (s *RedisStore) Get(ctx context.Context, key rollout.Key) (*rollout.Record, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, rollout.ErrReleaseNotFound
	}
	if err != nil {
		return nil, rerrors.StoreWrap(err, "persistence.RedisStore.Get", "get failed")
	}
	r, err := decode(data)
	if err != nil {
		return nil, rerrors.StoreWrap(err, "persistence.RedisStore.Get", "corrupt release value")
	}
	return r, nil
}

// Put writes a release and indexes it in one transaction.
func (s *RedisStore) Put(ctx context.Context, r *rollout.Record) error {
	data, err := encode(r)
	if err != nil {
		return rerrors.StoreWrap(err, "persistence.RedisStore.Put", "failed to encode release")
	}
	key := s.key(r.Key())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.SAdd(ctx, s.index(), key)
		return nil
	})
	if err != nil {
		return rerrors.StoreWrap(err, "persistence.RedisStore.Put", "write failed")
	}
	return nil
}

// Delete removes a release and its index entry.
func (s *RedisStore) Delete(ctx context.Context, key rollout.Key) error {
	k := s.key(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.SRem(ctx, s.index(), k)
		return nil
	})
	if err != nil {
		return rerrors.StoreWrap(err, "persistence.RedisStore.Delete", "delete failed")
	}
	return nil
}

// List returns the indexed releases accepted by filter, oldest first.
// Index entries whose value vanished are pruned.
func (s *RedisStore) List(ctx context.Context, filter func(*rollout.Record) bool) ([]*rollout.Record, error) {
	const op = "persistence.RedisStore.List"
	keys, err := s.client.SMembers(ctx, s.index()).Result()
	if err != nil {
		return nil, rerrors.StoreWrap(err, op, "index read failed")
	}
	if len(keys) == 0 {
		return []*rollout.Record{}, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, rerrors.StoreWrap(err, op, "read failed")
	}

	out := make([]*rollout.Record, 0, len(values))
	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		r, err := decode([]byte(str))
		if err != nil {
			return nil, rerrors.StoreWrap(err, op, "corrupt release value")
		}
		out = append(out, r)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.index(), stale...).Err(); err != nil {
			return nil, rerrors.StoreWrap(err, op, "index prune failed")
		}
	}
	sortRecords(out)
	return filtered(out, filter), nil
}
