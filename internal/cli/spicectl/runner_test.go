package spicectl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const latestExecutionJSON = `{"execution_id":"01EX","state":"QUERY_STATE_COMPLETED","is_execution_finished":true,"execution_started_at":"2024-05-01T12:00:00Z"}`

type fakeRemote struct {
	server  *httptest.Server
	results atomic.Int32
	gotKey  atomic.Value
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.gotKey.Store(r.Header.Get("X-Dune-API-Key"))
		switch {
		case strings.HasSuffix(r.URL.Path, "/query/7/results/csv"):
			f.results.Add(1)
			_, _ = io.WriteString(w, "id,name,score\n1,alpha,1.5\n2,<nil>,2\n")
		case strings.HasSuffix(r.URL.Path, "/query/7/results"):
			_, _ = io.WriteString(w, latestExecutionJSON)
		case strings.HasSuffix(r.URL.Path, "/execution/01EX/status"):
			_, _ = io.WriteString(w, latestExecutionJSON)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRemote) options(stdout, stderr *bytes.Buffer) Options {
	env := map[string]string{
		"SPICE_PROFILE":         "test",
		"SPICE_REMOTE_BASE_URL": f.server.URL,
		"SPICE_REMOTE_API_KEY":  "env-key",
	}
	return Options{
		Lookup: func(key string) (string, bool) {
			value, ok := env[key]
			return value, ok
		},
		HTTPClient: f.server.Client(),
		Stdout:     stdout,
		Stderr:     stderr,
	}
}

func TestRunQueryPrintsCSV(t *testing.T) {
	remote := newFakeRemote(t)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"query", "7", "--type", "score=float"}, remote.options(&stdout, &stderr))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	want := "id,name,score\n1,alpha,1.5\n2,,2\n"
	if stdout.String() != want {
		t.Fatalf("stdout = %q, want %q", stdout.String(), want)
	}
	if got := remote.gotKey.Load(); got != "env-key" {
		t.Fatalf("api key = %v", got)
	}
}

func TestRunQueryPrintsJSON(t *testing.T) {
	remote := newFakeRemote(t)

	var stdout, stderr bytes.Buffer
	args := []string{"--api-key", "flag-key", "query", "https://dune.com/queries/7", "-o", "json", "--include-execution"}
	code := Run(context.Background(), args, remote.options(&stdout, &stderr))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}

	var body struct {
		Columns   []string `json:"columns"`
		Types     []string `json:"types"`
		Rows      [][]any  `json:"rows"`
		CacheKey  string   `json:"cache_key"`
		Execution struct {
			ID string `json:"execution_id"`
		} `json:"execution"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v (%s)", err, stdout.String())
	}
	if len(body.Rows) != 2 || body.Execution.ID != "01EX" {
		t.Fatalf("body = %+v", body)
	}
	if body.Types[0] != "integer" || body.Types[2] != "float" {
		t.Fatalf("types = %v", body.Types)
	}
	if !strings.HasPrefix(body.CacheKey, "7-") {
		t.Fatalf("cache_key = %q", body.CacheKey)
	}
	if got := remote.gotKey.Load(); got != "flag-key" {
		t.Fatalf("api key = %v", got)
	}
}

func TestRunStatusCommand(t *testing.T) {
	remote := newFakeRemote(t)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"status", "01EX"}, remote.options(&stdout, &stderr))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "QUERY_STATE_COMPLETED") {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunAgeCommand(t *testing.T) {
	remote := newFakeRemote(t)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"age", "7"}, remote.options(&stdout, &stderr))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) == "unknown" || stdout.Len() == 0 {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunReturnsErrorOnRemoteFailure(t *testing.T) {
	remote := newFakeRemote(t)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"status", "missing"}, remote.options(&stdout, &stderr))
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	cases := map[string][]string{
		"unknown command":     {"unknown"},
		"missing reference":   {"query"},
		"reference and id":    {"query", "7", "--execution-id", "01EX"},
		"bad flag":            {"query", "7", "--bogus"},
		"bad format":          {"query", "7", "-o", "xml"},
		"type and types":      {"query", "7", "--type", "a=int", "--types", "int"},
		"bad age id":          {"age", "abc"},
		"status without id":   {"status"},
		"malformed cache key": {"cached", "nope"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			var stderr bytes.Buffer
			code := Run(context.Background(), args, Options{
				Lookup: func(string) (string, bool) { return "", false },
				Stderr: &stderr,
			})
			if code != 2 {
				t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
			}
			if stderr.Len() == 0 {
				t.Fatal("expected usage output")
			}
		})
	}
}
