package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/duckmesh/spice/internal/delay"
	"github.com/duckmesh/spice/internal/observability"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	transport, err := NewTransport(Config{BaseURL: server.URL + "/api/v1", APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	var waits delay.Recorder
	fetcher := NewFetcher(transport, WithWait(waits.Wait))
	return NewClient(fetcher, server.URL+"/api/v1", nil), server
}

func TestTransportAttachesHeaders(t *testing.T) {
	var seen http.Header
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		_, _ = w.Write([]byte(`{"execution_id":"01H"}`))
	}))

	ctx := observability.ContextWithTraceID(context.Background(), "trace-7")
	if _, err := client.Execute(ctx, ExecuteRequest{QueryID: 1, Performance: "medium"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := seen.Get(DefaultAPIKeyHeader); got != "secret" {
		t.Fatalf("api key header = %q", got)
	}
	if got := seen.Get("User-Agent"); got != DefaultUserAgent {
		t.Fatalf("user agent = %q", got)
	}
	if got := seen.Get("X-Request-ID"); got != "trace-7" {
		t.Fatalf("request id = %q", got)
	}
}

func TestTransportPerRequestAPIKeyOverrides(t *testing.T) {
	var seen string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(DefaultAPIKeyHeader)
		_, _ = w.Write([]byte(`{"execution_id":"01H"}`))
	}))
	if _, err := client.Execute(context.Background(), ExecuteRequest{QueryID: 1, APIKey: "other"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if seen != "other" {
		t.Fatalf("api key header = %q", seen)
	}
}

func TestNewTransportRejectsRelativeBaseURL(t *testing.T) {
	if _, err := NewTransport(Config{BaseURL: "api/v1"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestExecuteSendsParametersAndPerformance(t *testing.T) {
	var body map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/query/4060379/execute" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"execution_id":"01HX","state":"QUERY_STATE_PENDING"}`))
	}))

	id, err := client.Execute(context.Background(), ExecuteRequest{
		QueryID:     4060379,
		Parameters:  map[string]string{"query": "SELECT 1 as test"},
		Performance: "large",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if id != "01HX" {
		t.Fatalf("execution id = %q", id)
	}
	params, _ := body["query_parameters"].(map[string]any)
	if params["query"] != "SELECT 1 as test" || body["performance"] != "large" {
		t.Fatalf("body = %v", body)
	}
}

func TestExecuteWithoutExecutionIDFails(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Query not found"}`))
	}))

	_, err := client.Execute(context.Background(), ExecuteRequest{QueryID: 9})
	if !errors.Is(err, ErrRemoteExecution) {
		t.Fatalf("Execute() error = %v, want ErrRemoteExecution", err)
	}
	if !strings.Contains(err.Error(), "Query not found") {
		t.Fatalf("error = %q", err.Error())
	}
}

func TestExecuteExhaustedRetriesIsTransportError(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"too many requests"}`))
	}))

	_, err := client.Execute(context.Background(), ExecuteRequest{QueryID: 9})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Execute() error = %v, want ErrTransport", err)
	}
	if errors.Is(err, ErrRemoteExecution) {
		t.Fatalf("exhausted retries must not read as a remote execution failure")
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("error = %#v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestExecuteUndecodableFailureIsTransportError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))

	_, err := client.Execute(context.Background(), ExecuteRequest{QueryID: 9})
	if !errors.Is(err, ErrTransport) || errors.Is(err, ErrRemoteExecution) {
		t.Fatalf("Execute() error = %v, want ErrTransport", err)
	}
}

func TestStatusRetriesBadGateway(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>bad gateway</html>"))
			return
		}
		_, _ = w.Write([]byte(`{"execution_id":"01HX","state":"QUERY_STATE_COMPLETED","is_execution_finished":true}`))
	}))

	status, err := client.Status(context.Background(), "01HX", "")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.IsFinished || calls != 2 {
		t.Fatalf("status = %+v calls = %d", status, calls)
	}
}

func TestStatusBadGatewayExhaustedIsTransportError(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Status(context.Background(), "01HX", "")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Status() error = %v, want ErrTransport", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestStatusParsesStartedAt(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/execution/01HX/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"execution_id":"01HX","state":"QUERY_STATE_COMPLETED","is_execution_finished":true,"execution_started_at":"2024-03-01T10:20:30.123456789Z"}`))
	}))

	status, err := client.Status(context.Background(), "01HX", "")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.IsFinished || status.State != StateCompleted {
		t.Fatalf("status = %+v", status)
	}
	want := time.Date(2024, 3, 1, 10, 20, 30, 123456789, time.UTC)
	if status.StartedAt == nil || !status.StartedAt.Equal(want) {
		t.Fatalf("started at = %v", status.StartedAt)
	}
}

func TestStatusReportsRateLimitWithoutRetry(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))

	status, err := client.Status(context.Background(), "01HX", "")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.RateLimited || status.IsFinished {
		t.Fatalf("status = %+v", status)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestStatusFailureCarriesErrorText(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"QUERY_STATE_FAILED","is_execution_finished":true,"error":{"type":"FAILED_TYPE_EXECUTION_FAILED","message":"line 1:8: Column 'x' cannot be resolved"}}`))
	}))
	status, err := client.Status(context.Background(), "01HX", "")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Error != "line 1:8: Column 'x' cannot be resolved" {
		t.Fatalf("error text = %q", status.Error)
	}
}

func TestLatestExecution(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query/7/results" || r.URL.Query().Get("limit") != "0" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"execution_id":"01HY","state":"QUERY_STATE_COMPLETED","is_execution_finished":true,"execution_started_at":"2024-03-01T10:20:30.5Z"}`))
	}))

	latest, found, err := client.LatestExecution(context.Background(), 7, "")
	if err != nil {
		t.Fatalf("LatestExecution() error = %v", err)
	}
	if !found || latest.ExecutionID != "01HY" || latest.StartedAt == nil {
		t.Fatalf("latest = %+v found=%v", latest, found)
	}
}

func TestLatestExecutionNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found: No execution found for the latest version of the given query"}`))
	}))
	_, found, err := client.LatestExecution(context.Background(), 7, "")
	if err != nil || found {
		t.Fatalf("LatestExecution() = %v, %v", found, err)
	}
}

func TestResultsPaginatesAndTruncatesToLimit(t *testing.T) {
	const pageRows = 100
	const totalPages = 4
	var serverURL string
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var b strings.Builder
		b.WriteString("n,label\n")
		for i := 0; i < pageRows; i++ {
			fmt.Fprintf(&b, "%d,row-%d\n", page*pageRows+i, page*pageRows+i)
		}
		if page+1 < totalPages {
			w.Header().Set("x-dune-next-uri", fmt.Sprintf("%s/api/v1/execution/01HX/results/csv?page=%d", serverURL, page+1))
		}
		_, _ = w.Write([]byte(b.String()))
	}))
	serverURL = server.URL

	limit := pageRows * 3 / 2
	raw, found, err := client.Results(context.Background(), ResultRequest{
		Target: ResultTarget{ExecutionID: "01HX"},
		Limit:  limit,
	})
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if !found {
		t.Fatal("expected result")
	}
	if raw.NumRows() != limit {
		t.Fatalf("rows = %d, want %d", raw.NumRows(), limit)
	}
	if raw.Rows[limit-1][0] != strconv.Itoa(limit-1) {
		t.Fatalf("last row = %v", raw.Rows[limit-1])
	}
}

func TestResultsNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, found, err := client.Results(context.Background(), ResultRequest{Target: ResultTarget{QueryID: 5}})
	if err != nil || found {
		t.Fatalf("Results() = %v, %v", found, err)
	}
}

func TestResultsURLEncodesShapingOptions(t *testing.T) {
	client := NewClient(NewFetcher(&scriptedDoer{}), "https://remote.test/api/v1/", nil)
	got, err := client.ResultsURL(ResultRequest{
		Target:      ResultTarget{QueryID: 12},
		Parameters:  map[string]string{"chain": "ethereum"},
		Limit:       10,
		Offset:      5,
		SampleCount: 3,
		SortBy:      "n desc",
		Columns:     []string{"a", "b"},
		Extras:      map[string]string{"ignore_max_datapoints_per_request": "true"},
	})
	if err != nil {
		t.Fatalf("ResultsURL() error = %v", err)
	}
	for _, want := range []string{
		"https://remote.test/api/v1/query/12/results/csv?",
		"limit=10", "offset=5", "sample_count=3", "sort_by=n+desc",
		"columns=a%2Cb", "params.chain=ethereum", "ignore_max_datapoints_per_request=true",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("URL %q missing %q", got, want)
		}
	}
	if _, err := client.ResultsURL(ResultRequest{}); err == nil {
		t.Fatal("expected error for empty target")
	}
}
