// Package engine turns a query reference into a typed result by driving the
// remote service through resolve, cache lookup, trigger, poll and fetch.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/duckmesh/spice/internal/cache"
	cachefs "github.com/duckmesh/spice/internal/cache/fs"
	"github.com/duckmesh/spice/internal/remote"
	"github.com/duckmesh/spice/internal/table"
)

const DefaultPerformance = "medium"

type Config struct {
	// RawSQLQueryID is the template query that executes raw SQL passed in
	// its "query" parameter. Zero disables raw SQL references.
	RawSQLQueryID int64
	Performance   string
	PollInterval  time.Duration
	PollTimeout   time.Duration
	// CacheMaxAge applies when a call sets no MaxAge of its own.
	CacheMaxAge time.Duration
	APIKey      string
}

// Engine is safe for concurrent use. Calls share nothing but the cache.
type Engine struct {
	controller *Controller
	cache      *cache.ResultCache
	cfg        Config
	logger     *slog.Logger
}

// New builds an Engine. results may be nil to disable caching unless a call
// names its own CacheDir.
func New(controller *Controller, results *cache.ResultCache, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Performance == "" {
		cfg.Performance = DefaultPerformance
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Engine{controller: controller, cache: results, cfg: cfg, logger: logger}
}

func (e *Engine) Controller() *Controller {
	return e.controller
}

func (e *Engine) Cache() *cache.ResultCache {
	return e.cache
}

// Query resolves ref and returns its result. With NoPoll set and a new
// execution needed, only the execution handle is returned.
func (e *Engine) Query(ctx context.Context, ref Reference, opts Options) (Result, error) {
	target, err := Resolve(ref, opts.Parameters, e.cfg.RawSQLQueryID)
	if err != nil {
		return Result{}, err
	}
	apiKey := firstNonEmpty(opts.APIKey, e.cfg.APIKey)
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = e.cfg.CacheMaxAge
	}

	q := &call{engine: e, target: target, opts: opts, apiKey: apiKey}
	if target.Execution == nil {
		q.results, err = e.resultCache(opts)
		if err != nil {
			return Result{}, err
		}
		if q.results != nil {
			q.key = opts.Retrieval.fingerprint(target.QueryID, target.Parameters).Key()
		}
	}
	return q.run(ctx, maxAge)
}

// Status reads an execution's state once.
func (e *Engine) Status(ctx context.Context, executionID, apiKey string) (remote.Status, error) {
	return e.controller.Status(ctx, executionID, firstNonEmpty(apiKey, e.cfg.APIKey))
}

// LatestAge reports the age of the newest execution of queryID.
func (e *Engine) LatestAge(ctx context.Context, queryID int64, apiKey string) (time.Duration, bool, error) {
	return e.controller.LatestAge(ctx, queryID, firstNonEmpty(apiKey, e.cfg.APIKey))
}

// CachedTable returns the table stored under key regardless of age.
func (e *Engine) CachedTable(ctx context.Context, key cache.Key) (table.Table, error) {
	if e.cache == nil {
		return table.Table{}, cache.ErrNotFound
	}
	entry, err := e.cache.Get(ctx, key)
	if err != nil {
		return table.Table{}, err
	}
	return entry.Table, nil
}

func (e *Engine) resultCache(opts Options) (*cache.ResultCache, error) {
	if opts.NoCache || (opts.NoCacheLoad && opts.NoCacheSave) {
		return nil, nil
	}
	if opts.CacheDir == "" {
		return e.cache, nil
	}
	store, err := cachefs.New(opts.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("open cache dir: %w", err)
	}
	return cache.NewResultCache(store, e.logger), nil
}

// call holds the state of one Query invocation.
type call struct {
	engine  *Engine
	target  Target
	opts    Options
	apiKey  string
	results *cache.ResultCache
	key     cache.Key
}

func (q *call) run(ctx context.Context, maxAge time.Duration) (Result, error) {
	c := q.engine.controller
	execution := q.target.Execution

	if execution == nil {
		refresh := q.opts.Refresh
		if q.results != nil && !q.opts.NoCacheLoad && !refresh {
			lookup := q.results.Lookup(ctx, q.key, maxAge)
			if lookup.Hit {
				return q.fromCache(ctx, lookup.Entry), nil
			}
			if lookup.Entry.ExecutionID != "" {
				execution = &Execution{ID: lookup.Entry.ExecutionID, StartedAt: lookup.Entry.ExecutionStartedAt}
			}
		}

		if maxAge > 0 && !refresh {
			age, known, err := c.LatestAge(ctx, q.target.QueryID, q.apiKey)
			if err != nil {
				return Result{}, err
			}
			if !known || age > maxAge {
				refresh = true
			}
		}

		if !refresh {
			request := q.opts.Retrieval.request(remote.ResultTarget{QueryID: q.target.QueryID}, q.target.Parameters, q.apiKey)
			typed, found, err := c.Fetch(ctx, request, q.opts.Retrieval.decodeOptions())
			if err != nil {
				return Result{}, err
			}
			if found {
				return q.finish(ctx, typed, execution)
			}
		}

		triggered, err := c.Trigger(ctx, remote.ExecuteRequest{
			QueryID:     q.target.QueryID,
			Parameters:  q.target.Parameters,
			Performance: firstNonEmpty(q.opts.Performance, q.engine.cfg.Performance),
			APIKey:      q.apiKey,
		})
		if err != nil {
			return Result{}, err
		}
		execution = &triggered
	}

	if q.opts.NoPoll {
		return Result{Execution: execution}, nil
	}

	interval := q.opts.PollInterval
	if interval <= 0 {
		interval = q.engine.cfg.PollInterval
	}
	timeout := q.opts.Timeout
	if timeout <= 0 {
		timeout = q.engine.cfg.PollTimeout
	}
	if err := c.Poll(ctx, execution, q.apiKey, interval, timeout); err != nil {
		return Result{}, err
	}

	request := q.opts.Retrieval.request(remote.ResultTarget{ExecutionID: execution.ID}, nil, q.apiKey)
	typed, found, err := c.Fetch(ctx, request, q.opts.Retrieval.decodeOptions())
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, &RemoteExecutionError{ExecutionID: execution.ID, State: remote.StateCompleted, Detail: "no result for finished execution"}
	}
	return q.finish(ctx, typed, execution)
}

func (q *call) fromCache(ctx context.Context, entry cache.Entry) Result {
	typed := entry.Table
	result := Result{Table: &typed, FromCache: true, CacheKey: q.key}
	if q.opts.IncludeExecution && entry.ExecutionID != "" {
		result.Execution = &Execution{ID: entry.ExecutionID, StartedAt: entry.ExecutionStartedAt}
	}
	q.engine.logger.DebugContext(ctx, "cache_hit",
		slog.String("key", q.key.String()),
		slog.Int("rows", typed.NumRows()),
	)
	return result
}

// finish stores the result when caching is on and attaches the execution
// handle when requested. A result fetched without a known execution takes
// the query's latest one.
func (q *call) finish(ctx context.Context, typed table.Table, execution *Execution) (Result, error) {
	c := q.engine.controller
	result := Result{Table: &typed}

	if q.results != nil && !q.opts.NoCacheSave && q.target.QueryID > 0 && ctx.Err() == nil {
		if execution == nil {
			latest, err := c.LatestExecution(ctx, q.target.QueryID, q.apiKey)
			if err != nil {
				q.engine.logger.WarnContext(ctx, "cache_save_skipped",
					slog.String("key", q.key.String()),
					slog.String("error", err.Error()),
				)
			}
			execution = latest
		}
		if execution != nil && ctx.Err() == nil {
			entry := cache.Entry{
				Key:                q.key,
				QueryID:            q.target.QueryID,
				Table:              typed,
				ExecutionID:        execution.ID,
				ExecutionStartedAt: execution.StartedAt,
			}
			if q.results.Save(ctx, entry) {
				result.CacheKey = q.key
			}
		}
	}

	if q.opts.IncludeExecution {
		if execution == nil && q.target.QueryID > 0 {
			latest, err := c.LatestExecution(ctx, q.target.QueryID, q.apiKey)
			if err != nil {
				return Result{}, err
			}
			execution = latest
		}
		if execution == nil {
			return Result{}, &RemoteExecutionError{Detail: "could not determine execution for result"}
		}
		result.Execution = execution
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
