// Package cache stores typed query results under a content fingerprint so
// repeated requests are answered without a new remote execution.
package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/duckmesh/spice/internal/observability"
	"github.com/duckmesh/spice/internal/table"
)

var (
	ErrNotFound = errors.New("cache entry not found")
	ErrCorrupt  = errors.New("cache entry corrupt")
)

// Entry is one cached result. Entries are never mutated, only replaced.
type Entry struct {
	Key                Key
	QueryID            int64
	Table              table.Table
	ExecutionID        string
	ExecutionStartedAt *time.Time
	StoredAt           time.Time
}

// Age is measured from the execution start when known, otherwise from the
// moment the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	if e.ExecutionStartedAt != nil {
		return now.Sub(*e.ExecutionStartedAt)
	}
	return now.Sub(e.StoredAt)
}

// Store is a backend for cache entries. Load returns ErrNotFound for an
// absent key. Implementations must tolerate concurrent use; concurrent
// saves of one key may race and the last write wins.
type Store interface {
	Load(ctx context.Context, key Key) (Entry, error)
	Save(ctx context.Context, entry Entry) error
}

// Lookup is the outcome of ResultCache.Lookup. On a miss Entry may still
// carry the execution handle recorded with an unusable entry.
type Lookup struct {
	Entry Entry
	Hit   bool
}

// ResultCache wraps a Store with freshness checks and best-effort writes.
type ResultCache struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewResultCache(store Store, logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ResultCache{store: store, logger: logger, now: time.Now}
}

// Lookup reads key and reports a hit only when the entry is usable and no
// older than maxAge. maxAge <= 0 accepts any age. Read failures are misses.
func (c *ResultCache) Lookup(ctx context.Context, key Key, maxAge time.Duration) Lookup {
	entry, err := c.store.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		observability.IncrementCacheLookup("miss")
		return Lookup{}
	case errors.Is(err, ErrCorrupt):
		observability.IncrementCacheLookup("error")
		c.logger.WarnContext(ctx, "cache_entry_unusable", slog.String("key", key.String()), slog.String("error", err.Error()))
		return Lookup{Entry: Entry{Key: key, ExecutionID: entry.ExecutionID, ExecutionStartedAt: entry.ExecutionStartedAt}}
	case err != nil:
		observability.IncrementCacheLookup("error")
		c.logger.WarnContext(ctx, "cache_read_failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		return Lookup{}
	}

	if maxAge > 0 && entry.Age(c.now()) > maxAge {
		observability.IncrementCacheLookup("stale")
		return Lookup{}
	}
	observability.IncrementCacheLookup("hit")
	return Lookup{Entry: entry, Hit: true}
}

// Get returns the entry stored under key regardless of age.
func (c *ResultCache) Get(ctx context.Context, key Key) (Entry, error) {
	return c.store.Load(ctx, key)
}

// Save stores entry and swallows any failure after logging it. It reports
// whether the write happened.
func (c *ResultCache) Save(ctx context.Context, entry Entry) bool {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.now().UTC()
	}
	if err := c.store.Save(ctx, entry); err != nil {
		observability.IncrementCacheWriteFailure()
		c.logger.WarnContext(ctx, "cache_write_failed",
			slog.String("key", entry.Key.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	c.logger.DebugContext(ctx, "cache_write", slog.String("key", entry.Key.String()), slog.Int("rows", entry.Table.NumRows()))
	return true
}
