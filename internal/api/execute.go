package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/spice/internal/engine"
	"github.com/duckmesh/spice/internal/table"
)

// executeRequest mirrors the caller-facing execute operation. Pointer
// fields distinguish "absent" from an explicit false or zero.
type executeRequest struct {
	Query               flexibleText   `json:"query"`
	ExecutionID         string         `json:"execution_id"`
	Parameters          map[string]any `json:"parameters"`
	Refresh             bool           `json:"refresh"`
	MaxAgeSeconds       *float64       `json:"max_age_seconds"`
	Limit               int            `json:"limit"`
	Offset              int            `json:"offset"`
	SampleCount         int            `json:"sample_count"`
	SortBy              string         `json:"sort_by"`
	Columns             []string       `json:"columns"`
	Extras              map[string]any `json:"extras"`
	Types               *typeSpec      `json:"types"`
	AllTypes            *typeSpec      `json:"all_types"`
	Cache               *bool          `json:"cache"`
	SaveToCache         *bool          `json:"save_to_cache"`
	LoadFromCache       *bool          `json:"load_from_cache"`
	IncludeExecution    bool           `json:"include_execution"`
	Poll                *bool          `json:"poll"`
	PollIntervalSeconds *float64       `json:"poll_interval_seconds"`
	TimeoutSeconds      *float64       `json:"timeout_seconds"`
	Performance         string         `json:"performance"`
	APIKey              string         `json:"api_key"`
}

type executionPayload struct {
	ExecutionID string     `json:"execution_id"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

type executeResponse struct {
	Columns   []string          `json:"columns,omitempty"`
	Types     []table.Type      `json:"types,omitempty"`
	Rows      [][]any           `json:"rows,omitempty"`
	RowCount  int               `json:"row_count"`
	Execution *executionPayload `json:"execution,omitempty"`
	FromCache bool              `json:"from_cache"`
	CacheKey  string            `json:"cache_key,omitempty"`
}

// flexibleText accepts a JSON string or number.
type flexibleText string

func (f *flexibleText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*f = flexibleText(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("query must be a string or number")
	}
	*f = flexibleText(number.String())
	return nil
}

// typeSpec accepts either {"column": "type"} or ["type", null, ...].
type typeSpec struct {
	overrides table.Overrides
}

func (s *typeSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '{':
		var byName map[string]string
		if err := json.Unmarshal(data, &byName); err != nil {
			return err
		}
		s.overrides.ByName = make(map[string]table.Type, len(byName))
		for column, raw := range byName {
			typ, err := table.ParseType(raw)
			if err != nil {
				return fmt.Errorf("column %q: %w", column, err)
			}
			s.overrides.ByName[column] = typ
		}
		return nil
	case data[0] == '[':
		var byPosition []*string
		if err := json.Unmarshal(data, &byPosition); err != nil {
			return err
		}
		s.overrides.ByPosition = make([]table.Type, len(byPosition))
		for i, raw := range byPosition {
			if raw == nil || strings.TrimSpace(*raw) == "" {
				continue
			}
			typ, err := table.ParseType(*raw)
			if err != nil {
				return fmt.Errorf("position %d: %w", i, err)
			}
			s.overrides.ByPosition[i] = typ
		}
		return nil
	default:
		return fmt.Errorf("types must be an object or an array")
	}
}

func handleExecute(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}

	var request executeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid execute request body", false, map[string]any{"details": err.Error()})
		return
	}

	ref, opts, err := request.toQuery()
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}

	result, err := deps.Engine.Query(r.Context(), ref, opts)
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecuteResponse(result))
}

func (req executeRequest) toQuery() (engine.Reference, engine.Options, error) {
	var ref engine.Reference
	switch {
	case req.ExecutionID != "" && req.Query != "":
		return nil, engine.Options{}, badRequest("specify only one of query or execution_id")
	case req.ExecutionID != "":
		ref = engine.ExistingExecution{Execution: engine.Execution{ID: strings.TrimSpace(req.ExecutionID)}}
	default:
		parsed, err := engine.ParseReference(string(req.Query))
		if err != nil {
			return nil, engine.Options{}, err
		}
		ref = parsed
	}
	if req.Types != nil && req.AllTypes != nil {
		return nil, engine.Options{}, badRequest("specify only one of types or all_types")
	}

	parameters, err := stringifyValues(req.Parameters)
	if err != nil {
		return nil, engine.Options{}, badRequest("parameters: " + err.Error())
	}
	extras, err := stringifyValues(req.Extras)
	if err != nil {
		return nil, engine.Options{}, badRequest("extras: " + err.Error())
	}

	opts := engine.Options{
		Parameters:       parameters,
		APIKey:           strings.TrimSpace(req.APIKey),
		Performance:      strings.ToLower(strings.TrimSpace(req.Performance)),
		Refresh:          req.Refresh,
		IncludeExecution: req.IncludeExecution,
		NoCache:          req.Cache != nil && !*req.Cache,
		NoCacheSave:      req.SaveToCache != nil && !*req.SaveToCache,
		NoCacheLoad:      req.LoadFromCache != nil && !*req.LoadFromCache,
		NoPoll:           req.Poll != nil && !*req.Poll,
		Retrieval: engine.Retrieval{
			Limit:       req.Limit,
			Offset:      req.Offset,
			SampleCount: req.SampleCount,
			SortBy:      strings.TrimSpace(req.SortBy),
			Columns:     req.Columns,
			Extras:      extras,
		},
	}
	switch opts.Performance {
	case "", "low", "medium", "large":
	default:
		return nil, engine.Options{}, badRequest(fmt.Sprintf("unknown performance %q", req.Performance))
	}
	if req.Limit < 0 || req.Offset < 0 || req.SampleCount < 0 {
		return nil, engine.Options{}, badRequest("limit, offset and sample_count must not be negative")
	}
	if req.Types != nil {
		opts.Retrieval.Types = req.Types.overrides
	}
	if req.AllTypes != nil {
		opts.Retrieval.Types = req.AllTypes.overrides
		opts.Retrieval.StrictTypes = true
	}
	if opts.MaxAge, err = seconds("max_age_seconds", req.MaxAgeSeconds); err != nil {
		return nil, engine.Options{}, err
	}
	if opts.PollInterval, err = seconds("poll_interval_seconds", req.PollIntervalSeconds); err != nil {
		return nil, engine.Options{}, err
	}
	if opts.Timeout, err = seconds("timeout_seconds", req.TimeoutSeconds); err != nil {
		return nil, engine.Options{}, err
	}
	return ref, opts, nil
}

func newExecuteResponse(result engine.Result) executeResponse {
	response := executeResponse{FromCache: result.FromCache, CacheKey: result.CacheKey.String()}
	if result.Table != nil {
		response.Columns = result.Table.Columns
		response.Types = result.Table.Types
		response.Rows = result.Table.Rows
		response.RowCount = result.Table.NumRows()
	}
	if result.Execution != nil {
		response.Execution = &executionPayload{ExecutionID: result.Execution.ID, StartedAt: result.Execution.StartedAt}
	}
	return response
}

func handleStatus(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}
	executionID := strings.TrimSpace(r.PathValue("id"))
	if executionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "EXECUTION_ID_REQUIRED", "execution id is required", false, nil)
		return
	}
	status, err := deps.Engine.Status(r.Context(), executionID, remoteKey(r))
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	if status.RateLimited {
		writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "remote service rate limited the status request", true, map[string]any{"execution_id": executionID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": executionID,
		"state":        status.State,
		"is_finished":  status.IsFinished,
		"started_at":   status.StartedAt,
		"error":        status.Error,
	})
}

func handleLatestAge(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENGINE_NOT_CONFIGURED", "query engine is not configured", false, nil)
		return
	}
	queryID, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || queryID <= 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_QUERY_ID", "query id must be a positive integer", false, nil)
		return
	}
	age, known, err := deps.Engine.LatestAge(r.Context(), queryID, remoteKey(r))
	if err != nil {
		writeEngineError(r.Context(), w, err)
		return
	}
	payload := map[string]any{"query_id": queryID, "known": known}
	if known {
		payload["age_seconds"] = age.Seconds()
	}
	writeJSON(w, http.StatusOK, payload)
}

// remoteKey is the per-request credential for the remote service.
func remoteKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Remote-API-Key"))
}

func seconds(field string, value *float64) (time.Duration, error) {
	if value == nil {
		return 0, nil
	}
	if *value < 0 {
		return 0, badRequest(field + " must not be negative")
	}
	return time.Duration(*value * float64(time.Second)), nil
}

// stringifyValues renders JSON parameter values the way the remote service
// expects them: text as-is, everything else in its JSON form.
func stringifyValues(values map[string]any) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		switch v := value.(type) {
		case nil:
			out[key] = ""
		case string:
			out[key] = v
		case json.Number:
			out[key] = v.String()
		case bool:
			out[key] = strconv.FormatBool(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = string(encoded)
		}
	}
	return out, nil
}

type requestError struct {
	message string
}

func (e *requestError) Error() string {
	return e.message
}

func badRequest(message string) error {
	return &requestError{message: message}
}

func writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		reqErr     *requestError
		execErr    *engine.RemoteExecutionError
		timeoutErr *engine.PollTimeoutError
		decodeErr  *engine.DecodeError
	)
	switch {
	case errors.As(err, &reqErr):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_REQUEST", reqErr.message, false, nil)
	case errors.Is(err, engine.ErrInvalidReference):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_REFERENCE", err.Error(), false, nil)
	case errors.As(err, &decodeErr):
		writeError(ctx, w, http.StatusBadRequest, "DECODE_FAILED", err.Error(), false, map[string]any{"columns": decodeErr.Columns})
	case errors.Is(err, engine.ErrConfiguration):
		writeError(ctx, w, http.StatusInternalServerError, "CONFIGURATION_ERROR", err.Error(), false, nil)
	case errors.As(err, &execErr):
		writeError(ctx, w, http.StatusBadGateway, "REMOTE_EXECUTION_FAILED", err.Error(), false, map[string]any{
			"execution_id": execErr.ExecutionID,
			"state":        execErr.State,
			"detail":       execErr.Detail,
		})
	case errors.As(err, &timeoutErr):
		writeError(ctx, w, http.StatusGatewayTimeout, "POLL_TIMEOUT", err.Error(), true, map[string]any{
			"execution_id":    timeoutErr.ExecutionID,
			"timeout_seconds": timeoutErr.Timeout.Seconds(),
		})
	case errors.Is(err, engine.ErrTransport):
		writeError(ctx, w, http.StatusBadGateway, "TRANSPORT_FAILED", err.Error(), true, nil)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", err.Error(), true, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), true, nil)
	}
}
