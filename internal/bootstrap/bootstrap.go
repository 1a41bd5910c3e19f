// Package bootstrap assembles a query engine from configuration.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/duckmesh/spice/internal/cache"
	cachefs "github.com/duckmesh/spice/internal/cache/fs"
	cacheobjects "github.com/duckmesh/spice/internal/cache/objectstore"
	cachepostgres "github.com/duckmesh/spice/internal/cache/postgres"
	"github.com/duckmesh/spice/internal/config"
	"github.com/duckmesh/spice/internal/engine"
	"github.com/duckmesh/spice/internal/remote"
	s3store "github.com/duckmesh/spice/internal/storage/s3"
)

// Runtime owns the engine and whatever connections its cache backend holds.
type Runtime struct {
	Engine *engine.Engine
	// CacheDB is set only for the postgres cache backend.
	CacheDB *sql.DB

	closers []func() error
}

func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HealthCheck pings the cache database when there is one.
func (r *Runtime) HealthCheck(ctx context.Context) error {
	if r.CacheDB == nil {
		return nil
	}
	if err := r.CacheDB.PingContext(ctx); err != nil {
		return fmt.Errorf("cache db ping: %w", err)
	}
	return nil
}

type options struct {
	httpClient *http.Client
}

type Option func(*options)

// WithHTTPClient replaces the client used for remote calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	transport, err := remote.NewTransport(remote.Config{
		BaseURL:     cfg.Remote.BaseURL,
		APIKey:      cfg.Remote.APIKey,
		GetTimeout:  cfg.Remote.GetTimeout,
		PostTimeout: cfg.Remote.PostTimeout,
		RateLimit:   cfg.Remote.RateLimit,
		RateBurst:   cfg.Remote.RateBurst,
		HTTPClient:  o.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("remote transport: %w", err)
	}
	fetcher := remote.NewFetcher(transport, remote.WithLogger(logger))
	client := remote.NewClient(fetcher, transport.BaseURL(), logger)
	controller := engine.NewController(client, engine.WithLogger(logger))

	runtime := &Runtime{}
	store, err := openStore(ctx, cfg, runtime)
	if err != nil {
		_ = runtime.Close()
		return nil, err
	}
	var results *cache.ResultCache
	if store != nil {
		results = cache.NewResultCache(store, logger)
	}

	runtime.Engine = engine.New(controller, results, engine.Config{
		RawSQLQueryID: cfg.Remote.RawSQLQueryID,
		Performance:   cfg.Remote.Performance,
		PollInterval:  cfg.Poll.Interval,
		PollTimeout:   cfg.Poll.Timeout,
		CacheMaxAge:   cfg.Cache.MaxAge,
		APIKey:        cfg.Remote.APIKey,
	}, logger)

	logger.Info("query engine ready",
		slog.String("remote", transport.BaseURL()),
		slog.Bool("cache_enabled", store != nil),
		slog.String("cache_backend", cfg.Cache.Backend),
	)
	return runtime, nil
}

func openStore(ctx context.Context, cfg config.Config, runtime *Runtime) (cache.Store, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	switch cfg.Cache.Backend {
	case config.CacheBackendMemory:
		return cache.NewMemoryStore(), nil
	case config.CacheBackendFS:
		store, err := cachefs.New(cfg.Cache.Dir)
		if err != nil {
			return nil, fmt.Errorf("open cache dir: %w", err)
		}
		return store, nil
	case config.CacheBackendObjectStore:
		objects, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize object store: %w", err)
		}
		return cacheobjects.New(objects)
	case config.CacheBackendPostgres:
		db, err := cachepostgres.Open(ctx, cachepostgres.DBConfig{
			DSN:             cfg.Catalog.DSN,
			ApplicationName: cfg.Service.Name,
			MaxOpenConns:    cfg.Catalog.MaxOpenConns,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		runtime.CacheDB = db
		runtime.closers = append(runtime.closers, db.Close)
		return cachepostgres.NewStore(db), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
