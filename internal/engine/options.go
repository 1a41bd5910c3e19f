package engine

import (
	"time"

	"github.com/duckmesh/spice/internal/cache"
	"github.com/duckmesh/spice/internal/remote"
	"github.com/duckmesh/spice/internal/table"
)

// Options are the per-call settings of Query. The zero value polls with the
// engine defaults and uses the engine's cache.
type Options struct {
	Parameters  map[string]string
	APIKey      string
	Performance string

	// Refresh forces a new execution even when a cached or latest result
	// exists.
	Refresh bool
	// MaxAge bounds the age of a reused result. Zero means no bound.
	MaxAge time.Duration

	NoPoll       bool
	PollInterval time.Duration
	Timeout      time.Duration

	IncludeExecution bool

	NoCache     bool
	NoCacheLoad bool
	NoCacheSave bool
	// CacheDir selects a filesystem cache for this call instead of the
	// engine's configured store.
	CacheDir string

	Retrieval Retrieval
}

// Retrieval shapes the fetched result. Every field is part of the cache
// fingerprint.
type Retrieval struct {
	Limit       int
	Offset      int
	SampleCount int
	SortBy      string
	Columns     []string
	Extras      map[string]string
	Types       table.Overrides
	StrictTypes bool
}

func (r Retrieval) decodeOptions() table.Options {
	return table.Options{Types: r.Types, Strict: r.StrictTypes}
}

func (r Retrieval) request(target remote.ResultTarget, parameters map[string]string, apiKey string) remote.ResultRequest {
	return remote.ResultRequest{
		Target:      target,
		Parameters:  parameters,
		Limit:       r.Limit,
		Offset:      r.Offset,
		SampleCount: r.SampleCount,
		SortBy:      r.SortBy,
		Columns:     r.Columns,
		Extras:      r.Extras,
		APIKey:      apiKey,
	}
}

func (r Retrieval) fingerprint(queryID int64, parameters map[string]string) cache.Fingerprint {
	return cache.Fingerprint{
		QueryID:     queryID,
		Parameters:  parameters,
		Limit:       r.Limit,
		Offset:      r.Offset,
		SampleCount: r.SampleCount,
		SortBy:      r.SortBy,
		Columns:     r.Columns,
		Extras:      r.Extras,
		Types:       r.Types,
		StrictTypes: r.StrictTypes,
	}
}

// Result is what Query returns. Exactly one of Table and Execution is set
// unless the caller asked for both with IncludeExecution.
type Result struct {
	Table     *table.Table
	Execution *Execution
	FromCache bool
	CacheKey  cache.Key
}
