// Package fs stores cache entries as files in a local directory.
package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/duckmesh/spice/internal/cache"
)

const entrySuffix = ".entry"

// Store keeps one <key>.entry file per entry: the JSON metadata line, a
// newline, then the parquet payload. The file is written under a temporary
// name and committed with a single rename, so readers see either the old
// entry or the new one and the last writer wins.
type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "spice-cache")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Load(ctx context.Context, key cache.Key) (cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return cache.Entry{}, err
	}
	path, err := s.path(key)
	if err != nil {
		return cache.Entry{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cache.Entry{}, cache.ErrNotFound
		}
		return cache.Entry{}, fmt.Errorf("read cache entry: %w", err)
	}
	meta, payload, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return cache.Entry{}, fmt.Errorf("%w: entry file has no payload section", cache.ErrCorrupt)
	}
	return cache.DecodeEntry(meta, payload)
}

func (s *Store) Save(ctx context.Context, entry cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(entry.Key)
	if err != nil {
		return err
	}
	meta, payload, err := cache.EncodeEntry(entry)
	if err != nil {
		return err
	}
	data := make([]byte, 0, len(meta)+1+len(payload))
	data = append(data, meta...)
	data = append(data, '\n')
	data = append(data, payload...)
	return writeAtomic(ctx, s.dir, path, data)
}

func (s *Store) path(key cache.Key) (string, error) {
	if _, err := cache.ParseKey(key.String()); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key.String()+entrySuffix), nil
}

func writeAtomic(ctx context.Context, dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := ctx.Err(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
