// Package objectstore keeps cache entries in an S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/duckmesh/spice/internal/cache"
	"github.com/duckmesh/spice/internal/storage"
)

// Store writes the parquet payload before the metadata object; an entry
// becomes visible only once its metadata exists.
type Store struct {
	objects storage.ObjectStore
}

func New(objects storage.ObjectStore) (*Store, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Store{objects: objects}, nil
}

func (s *Store) Load(ctx context.Context, key cache.Key) (cache.Entry, error) {
	metaKey, payloadKey, err := objectKeys(key)
	if err != nil {
		return cache.Entry{}, err
	}
	meta, err := s.objects.Get(ctx, metaKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return cache.Entry{}, cache.ErrNotFound
		}
		return cache.Entry{}, err
	}
	payload, err := s.objects.Get(ctx, payloadKey)
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return cache.Entry{}, err
	}
	return cache.DecodeEntry(meta, payload)
}

func (s *Store) Save(ctx context.Context, entry cache.Entry) error {
	metaKey, payloadKey, err := objectKeys(entry.Key)
	if err != nil {
		return err
	}
	meta, payload, err := cache.EncodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.objects.Put(ctx, payloadKey, payload, "application/vnd.apache.parquet"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = s.objects.Delete(context.WithoutCancel(ctx), payloadKey)
		return err
	}
	return s.objects.Put(ctx, metaKey, meta, "application/json")
}

func objectKeys(key cache.Key) (string, string, error) {
	parsed, err := cache.ParseKey(key.String())
	if err != nil {
		return "", "", err
	}
	return storage.BuildResultObjectPaths(parsed.QueryID(), parsed.String())
}
