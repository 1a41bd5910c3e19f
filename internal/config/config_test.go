package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("spice-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Remote.BaseURL != "https://api.dune.com/api/v1" {
		t.Fatalf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.GetTimeout != 30*time.Second || cfg.Remote.PostTimeout != 30*time.Second {
		t.Fatalf("Remote timeouts = %s/%s", cfg.Remote.GetTimeout, cfg.Remote.PostTimeout)
	}
	if cfg.Remote.Performance != "medium" {
		t.Fatalf("Remote.Performance = %q", cfg.Remote.Performance)
	}
	if cfg.Remote.RawSQLQueryID != 0 {
		t.Fatalf("Remote.RawSQLQueryID = %d", cfg.Remote.RawSQLQueryID)
	}
	if cfg.Poll.Interval != time.Second || cfg.Poll.Timeout != 0 {
		t.Fatalf("Poll = %+v", cfg.Poll)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Backend != CacheBackendFS {
		t.Fatalf("Cache = %+v", cfg.Cache)
	}
	if cfg.Cache.Dir != filepath.Join(os.TempDir(), "spice-cache") {
		t.Fatalf("Cache.Dir = %q", cfg.Cache.Dir)
	}
	if cfg.Catalog.MaxOpenConns != 20 {
		t.Fatalf("Catalog.MaxOpenConns = %d", cfg.Catalog.MaxOpenConns)
	}
	if cfg.LocalQuery.RowLimit != 10000 {
		t.Fatalf("LocalQuery.RowLimit = %d", cfg.LocalQuery.RowLimit)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	lookup := mapLookup(map[string]string{"SPICE_PROFILE": "prod"})
	cfg, err := Load("spice-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
}

func TestLoadTestProfileUsesMemoryCache(t *testing.T) {
	cfg, err := Load("spice-api", mapLookup(map[string]string{"SPICE_PROFILE": "test"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cache.Backend != CacheBackendMemory {
		t.Fatalf("Cache.Backend = %q", cfg.Cache.Backend)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"SPICE_PROFILE":                        "test",
		"SPICE_SERVICE_NAME":                   "spice-custom",
		"SPICE_HTTP_ADDR":                      ":9999",
		"SPICE_HTTP_READ_TIMEOUT":              "2s",
		"SPICE_HTTP_WRITE_TIMEOUT":             "3s",
		"SPICE_LOG_LEVEL":                      "error",
		"SPICE_AUTH_REQUIRED":                  "true",
		"SPICE_AUTH_STATIC_KEYS":               "k1:team-a:query_reader",
		"SPICE_REMOTE_BASE_URL":                "https://remote.example.com/api/v1",
		"SPICE_REMOTE_API_KEY":                 "spice-key",
		"DUNE_API_KEY":                         "ignored",
		"SPICE_RAW_SQL_QUERY_ID":               "4060379",
		"SPICE_HTTP_TIMEOUT":                   "12s",
		"SPICE_POST_TIMEOUT":                   "45s",
		"SPICE_REMOTE_RATE_LIMIT":              "2.5",
		"SPICE_REMOTE_RATE_BURST":              "4",
		"SPICE_PERFORMANCE":                    "Large",
		"SPICE_POLL_INTERVAL":                  "250ms",
		"SPICE_POLL_TIMEOUT":                   "5m",
		"SPICE_CACHE_ENABLED":                  "false",
		"SPICE_CACHE_BACKEND":                  "objectstore",
		"SPICE_CACHE_DIR":                      "/var/cache/spice",
		"SPICE_CACHE_MAX_AGE":                  "1h",
		"SPICE_CATALOG_DSN":                    "postgres://example",
		"SPICE_CATALOG_MAX_OPEN_CONNS":         "42",
		"SPICE_OBJECTSTORE_ENDPOINT":           "s3.example.com",
		"SPICE_OBJECTSTORE_BUCKET":             "spice-prod",
		"SPICE_OBJECTSTORE_USE_SSL":            "true",
		"SPICE_OBJECTSTORE_AUTO_CREATE_BUCKET": "false",
		"SPICE_LOCAL_QUERY_ROW_LIMIT":          "50",
	})
	cfg, err := Load("spice-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "spice-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" || cfg.HTTP.ReadTimeout != 2*time.Second || cfg.HTTP.WriteTimeout != 3*time.Second {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:team-a:query_reader" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.Remote.BaseURL != "https://remote.example.com/api/v1" {
		t.Fatalf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.APIKey != "spice-key" {
		t.Fatalf("Remote.APIKey = %q", cfg.Remote.APIKey)
	}
	if cfg.Remote.RawSQLQueryID != 4060379 {
		t.Fatalf("Remote.RawSQLQueryID = %d", cfg.Remote.RawSQLQueryID)
	}
	if cfg.Remote.GetTimeout != 12*time.Second {
		t.Fatalf("Remote.GetTimeout = %s", cfg.Remote.GetTimeout)
	}
	if cfg.Remote.PostTimeout != 45*time.Second {
		t.Fatalf("Remote.PostTimeout = %s", cfg.Remote.PostTimeout)
	}
	if cfg.Remote.RateLimit != 2.5 || cfg.Remote.RateBurst != 4 {
		t.Fatalf("Remote rate = %f/%d", cfg.Remote.RateLimit, cfg.Remote.RateBurst)
	}
	if cfg.Remote.Performance != "large" {
		t.Fatalf("Remote.Performance = %q", cfg.Remote.Performance)
	}
	if cfg.Poll.Interval != 250*time.Millisecond || cfg.Poll.Timeout != 5*time.Minute {
		t.Fatalf("Poll = %+v", cfg.Poll)
	}
	if cfg.Cache.Enabled || cfg.Cache.Backend != CacheBackendObjectStore || cfg.Cache.Dir != "/var/cache/spice" || cfg.Cache.MaxAge != time.Hour {
		t.Fatalf("Cache = %+v", cfg.Cache)
	}
	if cfg.Catalog.DSN != "postgres://example" || cfg.Catalog.MaxOpenConns != 42 {
		t.Fatalf("Catalog = %+v", cfg.Catalog)
	}
	if cfg.ObjectStore.Endpoint != "s3.example.com" || cfg.ObjectStore.Bucket != "spice-prod" {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if !cfg.ObjectStore.UseSSL || cfg.ObjectStore.AutoCreateBucket {
		t.Fatalf("ObjectStore flags = %+v", cfg.ObjectStore)
	}
	if cfg.LocalQuery.RowLimit != 50 {
		t.Fatalf("LocalQuery.RowLimit = %d", cfg.LocalQuery.RowLimit)
	}
}

func TestLoadFallsBackToDuneAPIKey(t *testing.T) {
	cfg, err := Load("spice-api", mapLookup(map[string]string{"DUNE_API_KEY": " legacy "}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.APIKey != "legacy" {
		t.Fatalf("Remote.APIKey = %q", cfg.Remote.APIKey)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"SPICE_PROFILE": "oops"},
		{"SPICE_HTTP_READ_TIMEOUT": "NaN"},
		{"SPICE_CATALOG_MAX_OPEN_CONNS": "oops"},
		{"SPICE_RAW_SQL_QUERY_ID": "abc"},
		{"SPICE_RAW_SQL_QUERY_ID": "-4"},
		{"SPICE_REMOTE_RATE_LIMIT": "fast"},
		{"SPICE_PERFORMANCE": "turbo"},
		{"SPICE_CACHE_BACKEND": "redis"},
		{"SPICE_POLL_INTERVAL": "0s"},
		{"SPICE_AUTH_REQUIRED": "not-bool"},
		{"SPICE_LOG_LEVEL": "verbose"},
		{"SPICE_REMOTE_BASE_URL": " "},
	}
	for _, env := range tests {
		_, err := Load("spice-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func TestWithDotEnvLayersUnderLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"SPICE_RAW_SQL_QUERY_ID=4060379",
		"SPICE_REMOTE_API_KEY=from-file",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	lookup := WithDotEnv(mapLookup(map[string]string{"SPICE_REMOTE_API_KEY": "from-env"}), path)
	cfg, err := Load("spice-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.RawSQLQueryID != 4060379 {
		t.Fatalf("Remote.RawSQLQueryID = %d", cfg.Remote.RawSQLQueryID)
	}
	if cfg.Remote.APIKey != "from-env" {
		t.Fatalf("Remote.APIKey = %q, environment should win", cfg.Remote.APIKey)
	}
}

func TestWithDotEnvIgnoresMissingFile(t *testing.T) {
	lookup := WithDotEnv(mapLookup(map[string]string{"A": "1"}), filepath.Join(t.TempDir(), "missing.env"))
	if value, ok := lookup("A"); !ok || value != "1" {
		t.Fatalf("lookup(A) = %q, %v", value, ok)
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
