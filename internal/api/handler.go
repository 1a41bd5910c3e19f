package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/spice/internal/auth"
	"github.com/duckmesh/spice/internal/cache"
	"github.com/duckmesh/spice/internal/config"
	"github.com/duckmesh/spice/internal/engine"
	"github.com/duckmesh/spice/internal/observability"
	"github.com/duckmesh/spice/internal/query"
	"github.com/duckmesh/spice/internal/remote"
	"github.com/duckmesh/spice/internal/table"
)

type ReadinessCheck func(ctx context.Context) error

// QueryRunner is the part of the engine the HTTP front-end drives.
type QueryRunner interface {
	Query(ctx context.Context, ref engine.Reference, opts engine.Options) (engine.Result, error)
	Status(ctx context.Context, executionID, apiKey string) (remote.Status, error)
	LatestAge(ctx context.Context, queryID int64, apiKey string) (time.Duration, bool, error)
	CachedTable(ctx context.Context, key cache.Key) (table.Table, error)
}

type Dependencies struct {
	Logger             *slog.Logger
	Readiness          ReadinessCheck
	AuthMiddleware     func(http.Handler) http.Handler
	DependencyTimeout  time.Duration
	Engine             QueryRunner
	LocalQuery         query.Engine
	LocalQueryRowLimit int
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]http.HandlerFunc{
		"POST /v1/execute": auth.RequireRole(auth.RoleQueryRunner, func(w http.ResponseWriter, r *http.Request) {
			handleExecute(deps, w, r)
		}),
		"GET /v1/executions/{id}/status": auth.RequireRole(auth.RoleStatusReader, func(w http.ResponseWriter, r *http.Request) {
			handleStatus(deps, w, r)
		}),
		"GET /v1/queries/{id}/age": auth.RequireRole(auth.RoleStatusReader, func(w http.ResponseWriter, r *http.Request) {
			handleLatestAge(deps, w, r)
		}),
		"POST /v1/results/query": auth.RequireRole(auth.RoleLocalQuery, func(w http.ResponseWriter, r *http.Request) {
			handleResultsQuery(deps, w, r)
		}),
	}

	protected := http.NewServeMux()
	for pattern, handler := range routes {
		protected.HandleFunc(pattern, handler)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckRemoteConfig fails while no credential for the remote service is
// configured; callers may still pass one per request.
func CheckRemoteConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if strings.TrimSpace(cfg.Remote.APIKey) == "" {
			return errors.New("remote api key is not configured")
		}
		return nil
	}
}

func CheckCacheConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.Cache.Enabled {
			return nil
		}
		switch cfg.Cache.Backend {
		case config.CacheBackendPostgres:
			if cfg.Catalog.DSN == "" {
				return errors.New("cache dsn is not configured")
			}
		case config.CacheBackendObjectStore:
			if cfg.ObjectStore.Endpoint == "" {
				return errors.New("object store endpoint is not configured")
			}
			if cfg.ObjectStore.Bucket == "" {
				return errors.New("object store bucket is not configured")
			}
		case config.CacheBackendFS:
			if cfg.Cache.Dir == "" {
				return errors.New("cache dir is not configured")
			}
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
