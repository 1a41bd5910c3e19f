// Package postgres keeps cache entries in the result_cache table created by
// the embedded migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/duckmesh/spice/internal/cache"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Load(ctx context.Context, key cache.Key) (cache.Entry, error) {
	var meta, payload []byte
	err := s.db.QueryRowContext(ctx, `
SELECT metadata, payload
FROM result_cache
WHERE cache_key = $1`, key.String()).Scan(&meta, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cache.Entry{}, cache.ErrNotFound
		}
		return cache.Entry{}, fmt.Errorf("load cache entry: %w", err)
	}
	return cache.DecodeEntry(meta, payload)
}

// Save upserts the entry; concurrent writers of one key resolve to the last
// committed row.
func (s *Store) Save(ctx context.Context, entry cache.Entry) error {
	meta, payload, err := cache.EncodeEntry(entry)
	if err != nil {
		return err
	}
	var startedAt any
	if entry.ExecutionStartedAt != nil {
		startedAt = entry.ExecutionStartedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO result_cache (cache_key, query_id, metadata, payload, execution_id, execution_started_at, stored_at)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
ON CONFLICT (cache_key)
DO UPDATE SET
	query_id = EXCLUDED.query_id,
	metadata = EXCLUDED.metadata,
	payload = EXCLUDED.payload,
	execution_id = EXCLUDED.execution_id,
	execution_started_at = EXCLUDED.execution_started_at,
	stored_at = EXCLUDED.stored_at`,
		entry.Key.String(),
		entry.QueryID,
		string(meta),
		payload,
		entry.ExecutionID,
		startedAt,
		entry.StoredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}
