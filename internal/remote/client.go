package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/spice/internal/table"
)

// Remote-side execution states.
const (
	StateCompleted        = "QUERY_STATE_COMPLETED"
	StateCompletedPartial = "QUERY_STATE_COMPLETED_PARTIAL"
	StateFailed           = "QUERY_STATE_FAILED"
	StateCancelled        = "QUERY_STATE_CANCELLED"
	StateExpired          = "QUERY_STATE_EXPIRED"
	StatePending          = "QUERY_STATE_PENDING"
	StateExecuting        = "QUERY_STATE_EXECUTING"
)

const noLatestExecutionText = "No execution found for the latest version of the given query"

// SucceededState reports whether a finished execution produced a result.
func SucceededState(state string) bool {
	return state == StateCompleted || state == StateCompletedPartial
}

type ExecuteRequest struct {
	QueryID     int64
	Parameters  map[string]string
	Performance string
	APIKey      string
}

type Status struct {
	ExecutionID string
	State       string
	IsFinished  bool
	StartedAt   *time.Time
	Error       string
	// RateLimited is set when the status endpoint answered 429.
	RateLimited bool
}

type LatestExecution struct {
	ExecutionID string
	State       string
	IsFinished  bool
	StartedAt   *time.Time
}

// ResultTarget selects which result set to read: the latest result of a
// query definition or the result of one execution.
type ResultTarget struct {
	QueryID     int64
	ExecutionID string
}

type ResultRequest struct {
	Target      ResultTarget
	Parameters  map[string]string
	Limit       int
	Offset      int
	SampleCount int
	SortBy      string
	Columns     []string
	Extras      map[string]string
	APIKey      string
}

// Client speaks the remote query service's HTTP API.
type Client struct {
	fetcher *Fetcher
	baseURL string
	logger  *slog.Logger
}

func NewClient(fetcher *Fetcher, baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{fetcher: fetcher, baseURL: baseURL, logger: logger}
}

type executeResponse struct {
	ExecutionID string          `json:"execution_id"`
	State       string          `json:"state"`
	Error       json.RawMessage `json:"error"`
}

// Execute starts a remote execution and returns its id.
func (c *Client) Execute(ctx context.Context, request ExecuteRequest) (string, error) {
	body := map[string]any{"performance": request.Performance}
	if request.Parameters != nil {
		body["query_parameters"] = request.Parameters
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode execute request: %w", err)
	}

	rawURL := c.queryURL(request.QueryID, "execute")
	resp, err := c.fetcher.Post(ctx, rawURL, payload, request.APIKey)
	if err != nil {
		return "", err
	}
	if Retryable(resp.StatusCode) {
		return "", &TransportError{Method: http.MethodPost, URL: rawURL, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	var decoded executeResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return "", &TransportError{Method: http.MethodPost, URL: rawURL, StatusCode: resp.StatusCode, Body: string(resp.Body)}
		}
		return "", &ExecutionError{Detail: fmt.Sprintf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(resp.Body)))}
	}
	if decoded.ExecutionID == "" {
		detail := errorText(decoded.Error)
		if detail == "" {
			detail = fmt.Sprintf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(resp.Body)))
		}
		return "", &ExecutionError{State: decoded.State, Detail: detail}
	}
	c.logger.DebugContext(ctx, "execution_triggered",
		slog.Int64("query_id", request.QueryID),
		slog.String("execution_id", decoded.ExecutionID),
	)
	return decoded.ExecutionID, nil
}

type statusResponse struct {
	ExecutionID        string          `json:"execution_id"`
	State              string          `json:"state"`
	IsExecutionFinish  bool            `json:"is_execution_finished"`
	ExecutionStartedAt string          `json:"execution_started_at"`
	Error              json.RawMessage `json:"error"`
}

// Status reads an execution's state. A 502 is retried like any other
// request; a 429 is reported through Status.RateLimited so the poll loop
// can back off on its own schedule.
func (c *Client) Status(ctx context.Context, executionID, apiKey string) (Status, error) {
	rawURL := c.baseURL + "/execution/" + url.PathEscape(executionID) + "/status"
	resp, err := c.fetcher.GetBackingOffOnRateLimit(ctx, rawURL, apiKey)
	if err != nil {
		return Status{}, err
	}

	var decoded statusResponse
	decodeErr := json.Unmarshal(resp.Body, &decoded)
	if resp.StatusCode == http.StatusTooManyRequests {
		return Status{ExecutionID: executionID, IsFinished: decodeErr == nil && decoded.IsExecutionFinish, State: decoded.State, RateLimited: true}, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Status{}, &TransportError{Method: http.MethodGet, URL: rawURL, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if decodeErr != nil {
		return Status{}, &TransportError{Method: http.MethodGet, URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode status: %w", decodeErr)}
	}

	status := Status{
		ExecutionID: firstNonEmpty(decoded.ExecutionID, executionID),
		State:       decoded.State,
		IsFinished:  decoded.IsExecutionFinish,
		Error:       errorText(decoded.Error),
	}
	if decoded.ExecutionStartedAt != "" {
		startedAt, err := ParseTimestamp(decoded.ExecutionStartedAt)
		if err != nil {
			return Status{}, err
		}
		status.StartedAt = &startedAt
	}
	return status, nil
}

// LatestExecution describes the most recent execution of a query definition.
// found is false when the query has never been executed.
func (c *Client) LatestExecution(ctx context.Context, queryID int64, apiKey string) (LatestExecution, bool, error) {
	rawURL := c.queryURL(queryID, "results") + "?limit=0"
	resp, err := c.fetcher.Get(ctx, rawURL, apiKey)
	if err != nil {
		return LatestExecution{}, false, err
	}

	var decoded statusResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return LatestExecution{}, false, &TransportError{Method: http.MethodGet, URL: rawURL, StatusCode: resp.StatusCode, Body: string(resp.Body), Err: fmt.Errorf("decode latest execution: %w", err)}
	}
	if detail := errorText(decoded.Error); detail != "" {
		if resp.StatusCode == http.StatusNotFound || strings.Contains(detail, noLatestExecutionText) {
			return LatestExecution{}, false, nil
		}
		return LatestExecution{}, false, &TransportError{Method: http.MethodGet, URL: rawURL, StatusCode: resp.StatusCode, Body: detail}
	}
	if resp.StatusCode == http.StatusNotFound {
		return LatestExecution{}, false, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return LatestExecution{}, false, &TransportError{Method: http.MethodGet, URL: rawURL, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	latest := LatestExecution{
		ExecutionID: decoded.ExecutionID,
		State:       decoded.State,
		IsFinished:  decoded.IsExecutionFinish,
	}
	if decoded.ExecutionStartedAt != "" {
		startedAt, err := ParseTimestamp(decoded.ExecutionStartedAt)
		if err != nil {
			return LatestExecution{}, false, err
		}
		latest.StartedAt = &startedAt
	}
	return latest, true, nil
}

// Results downloads a CSV result, following pagination when a limit is set,
// and returns it untyped and truncated to the limit. found is false when
// the remote has no result for the target yet.
func (c *Client) Results(ctx context.Context, request ResultRequest) (table.Table, bool, error) {
	rawURL, err := c.ResultsURL(request)
	if err != nil {
		return table.Table{}, false, err
	}

	var pages []table.Table
	found, err := c.fetcher.Paginate(ctx, rawURL, request.APIKey, request.Limit, func(resp *Response) (int, error) {
		page, err := table.Parse(resp.Body)
		if err != nil {
			return 0, err
		}
		if len(pages) > 0 && page.NumColumns() == 0 {
			return 0, nil
		}
		pages = append(pages, page)
		return page.NumRows(), nil
	})
	if err != nil || !found {
		return table.Table{}, found, err
	}

	merged, err := table.Concat(pages...)
	if err != nil {
		return table.Table{}, false, fmt.Errorf("merge result pages: %w", err)
	}
	if request.Limit > 0 {
		merged = merged.Head(request.Limit)
	}
	return merged, true, nil
}

// ResultsURL builds the CSV results URL for request.
func (c *Client) ResultsURL(request ResultRequest) (string, error) {
	var base string
	switch {
	case request.Target.ExecutionID != "":
		base = c.baseURL + "/execution/" + url.PathEscape(request.Target.ExecutionID) + "/results/csv"
	case request.Target.QueryID > 0:
		base = c.queryURL(request.Target.QueryID, "results/csv")
	default:
		return "", fmt.Errorf("result target requires a query id or an execution id")
	}

	values := url.Values{}
	if request.Limit > 0 {
		values.Set("limit", strconv.Itoa(request.Limit))
	}
	if request.Offset > 0 {
		values.Set("offset", strconv.Itoa(request.Offset))
	}
	if request.SampleCount > 0 {
		values.Set("sample_count", strconv.Itoa(request.SampleCount))
	}
	if request.SortBy != "" {
		values.Set("sort_by", request.SortBy)
	}
	if len(request.Columns) > 0 {
		values.Set("columns", strings.Join(request.Columns, ","))
	}
	for key, value := range request.Extras {
		values.Set(key, value)
	}
	if request.Target.ExecutionID == "" {
		for key, value := range request.Parameters {
			values.Set("params."+key, value)
		}
	}
	if len(values) == 0 {
		return base, nil
	}
	return base + "?" + values.Encode(), nil
}

func (c *Client) queryURL(queryID int64, suffix string) string {
	return c.baseURL + "/query/" + strconv.FormatInt(queryID, 10) + "/" + suffix
}

// ParseTimestamp parses the service's RFC 3339 timestamps, which may carry
// more fractional digits than microseconds.
func ParseTimestamp(raw string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return parsed.UTC(), nil
}

// errorText renders the service's error field, which is either a string or
// an object with a message.
func errorText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return text
	}
	var object map[string]any
	if err := json.Unmarshal(trimmed, &object); err == nil {
		if message, ok := object["message"].(string); ok && message != "" {
			return message
		}
		keys := make([]string, 0, len(object))
		for key := range object {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", key, object[key]))
		}
		return strings.Join(parts, " ")
	}
	return string(trimmed)
}
