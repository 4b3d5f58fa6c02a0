package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/domain/rollout/ports"
	rerrors "github.com/relicta-tech/rollout/internal/errors"
)

// MaxRecordFileSize bounds a release file; changelogs dominate its size.
const MaxRecordFileSize = 2 << 20

// maxScanWorkers limits concurrent file reads while listing.
const maxScanWorkers = 4

// FileStore keeps one JSON file per release in a directory.
type FileStore struct {
	dir    string
	mu     sync.RWMutex
	logger *slog.Logger
}

var _ ports.Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	// 0700: releases carry author identities and chat references.
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, rerrors.StoreWrap(err, "persistence.NewFileStore", "failed to create store directory")
	}
	return &FileStore{dir: dir, logger: slog.Default().With("component", "file_store")}, nil
}

func (s *FileStore) path(key rollout.Key) string {
	return filepath.Join(s.dir, url.PathEscape(key.String())+".json")
}

// Get reads a release.
func (s *FileStore) Get(ctx context.Context, key rollout.Key) (*rollout.Record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := readLimited(s.path(key), MaxRecordFileSize)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, rollout.ErrReleaseNotFound
	}
	if err != nil {
		return nil, rerrors.StoreWrap(err, "persistence.FileStore.Get", "failed to read release file")
	}
	r, err := decode(data)
	if err != nil {
		return nil, rerrors.StoreWrap(err, "persistence.FileStore.Get", "corrupt release file")
	}
	return r, nil
}

// Put writes a release atomically.
func (s *FileStore) Put(ctx context.Context, r *rollout.Record) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	data, err := encode(r)
	if err != nil {
		return rerrors.StoreWrap(err, "persistence.FileStore.Put", "failed to encode release")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicWriteFile(s.path(r.Key()), data, 0o600); err != nil {
		return rerrors.StoreWrap(err, "persistence.FileStore.Put", "failed to write release file")
	}
	return nil
}

// Delete removes a release file. Missing files are not an error.
func (s *FileStore) Delete(ctx context.Context, key rollout.Key) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return rerrors.StoreWrap(err, "persistence.FileStore.Delete", "failed to remove release file")
	}
	return nil
}

// List reads every release file. Unreadable files are logged and skipped.
func (s *FileStore) List(ctx context.Context, filter func(*rollout.Record) bool) ([]*rollout.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, rerrors.StoreWrap(err, "persistence.FileStore.List", "failed to read store directory")
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}

	records := make([]*rollout.Record, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxScanWorkers)
	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := readLimited(file, MaxRecordFileSize)
			if err == nil {
				records[i], err = decode(data)
			}
			if err != nil {
				s.logger.Warn("skipping unreadable release file", "file", file, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*rollout.Record, 0, len(records))
	for _, r := range records {
		if r != nil {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return filtered(out, filter), nil
}

func readLimited(path string, maxSize int64) ([]byte, error) {
	f, err := os.Open(path) // #nosec G304 -- path built from an escaped key
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("file %s exceeds %d bytes", path, maxSize)
	}
	return data, nil
}

// atomicWriteFile writes to a temp file in the same directory, syncs it
// and renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
