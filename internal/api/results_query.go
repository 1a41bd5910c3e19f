package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/duckmesh/spice/internal/cache"
	"github.com/duckmesh/spice/internal/query"
	"github.com/duckmesh/spice/internal/table"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type resultsQueryRequest struct {
	SQL      string            `json:"sql"`
	Tables   map[string]string `json:"tables"`
	RowLimit int               `json:"row_limit"`
}

type resultsQueryResponse struct {
	Columns []string       `json:"columns"`
	Types   []table.Type   `json:"types"`
	Rows    [][]any        `json:"rows"`
	Stats   map[string]any `json:"stats"`
}

// handleResultsQuery runs read-only SQL over cached result sets. Each
// table in the request names a cache key; nothing is fetched remotely.
func handleResultsQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Engine == nil || deps.LocalQuery == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "local query dependencies are not configured", false, nil)
		return
	}

	var request resultsQueryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}

	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	if !isAllowedSQL(request.SQL) {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_NOT_ALLOWED", "only read-only SELECT/WITH queries are allowed", false, nil)
		return
	}
	if len(request.Tables) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "TABLES_REQUIRED", "at least one cached table is required", false, nil)
		return
	}

	tables := make(map[string]table.Table, len(request.Tables))
	for name, rawKey := range request.Tables {
		if !tableNamePattern.MatchString(name) {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TABLE_NAME", "table names must be SQL identifiers", false, map[string]any{"table": name})
			return
		}
		key, err := cache.ParseKey(rawKey)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CACHE_KEY", err.Error(), false, map[string]any{"table": name})
			return
		}
		loaded, err := deps.Engine.CachedTable(r.Context(), key)
		if errors.Is(err, cache.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "RESULT_NOT_CACHED", "no cached result for key", false, map[string]any{"table": name, "cache_key": key.String()})
			return
		}
		if err != nil {
			writeError(r.Context(), w, http.StatusInternalServerError, "CACHE_ERROR", "failed to load cached result", true, map[string]any{"table": name, "details": err.Error()})
			return
		}
		tables[name] = loaded
	}

	rowLimit := request.RowLimit
	if deps.LocalQueryRowLimit > 0 && (rowLimit <= 0 || rowLimit > deps.LocalQueryRowLimit) {
		rowLimit = deps.LocalQueryRowLimit
	}

	result, err := deps.LocalQuery.Execute(r.Context(), query.Request{
		SQL:      request.SQL,
		RowLimit: rowLimit,
		Tables:   tables,
	})
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, resultsQueryResponse{
		Columns: result.Table.Columns,
		Types:   result.Table.Types,
		Rows:    result.Table.Rows,
		Stats: map[string]any{
			"duration_ms":  result.Duration.Milliseconds(),
			"scanned_rows": result.ScannedRows,
			"row_limit":    rowLimit,
		},
	})
}

func isAllowedSQL(sqlText string) bool {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	if normalized == "" {
		return false
	}
	if strings.HasPrefix(normalized, "select") || strings.HasPrefix(normalized, "with") {
		return true
	}
	return false
}
