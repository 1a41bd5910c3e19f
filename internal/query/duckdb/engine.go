package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/spice/internal/query"
	"github.com/duckmesh/spice/internal/table"
)

type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if len(request.Tables) == 0 {
		return query.Result{}, fmt.Errorf("no tables given")
	}

	start := time.Now()
	workDir, err := os.MkdirTemp("", "spice-query-")
	if err != nil {
		return query.Result{}, fmt.Errorf("create query temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return query.Result{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	names := make([]string, 0, len(request.Tables))
	for name := range request.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var scannedRows int
	for index, name := range names {
		if strings.TrimSpace(name) == "" {
			return query.Result{}, fmt.Errorf("table name is required")
		}
		t := request.Tables[name]
		if t.NumColumns() == 0 {
			return query.Result{}, fmt.Errorf("table %q has no columns", name)
		}
		localPath, err := writeParquet(workDir, name, index, t)
		if err != nil {
			return query.Result{}, fmt.Errorf("write local parquet file for table %q: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, viewSQL(name, t, localPath)); err != nil {
			return query.Result{}, fmt.Errorf("create view for table %q: %w", name, err)
		}
		scannedRows += t.NumRows()
	}

	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit)
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}
	out := table.Table{
		Columns: make([]string, len(columnTypes)),
		Types:   make([]table.Type, len(columnTypes)),
		Rows:    [][]any{},
	}
	for i, columnType := range columnTypes {
		out.Columns[i] = columnType.Name()
		out.Types[i] = tableType(columnType.DatabaseTypeName())
	}

	for rows.Next() {
		values := make([]any, len(columnTypes))
		scanTargets := make([]any, len(columnTypes))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		row, err := normalizeValues(values, out.Types)
		if err != nil {
			return query.Result{}, err
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Table:       out,
		ScannedRows: scannedRows,
		Duration:    time.Since(start),
	}, nil
}

// viewSQL maps the positional parquet leaves back to the table's column
// names. Timestamps are stored as unix nanoseconds.
func viewSQL(name string, t table.Table, path string) string {
	projections := make([]string, len(t.Columns))
	for i, column := range t.Columns {
		leaf := quoteIdent(table.LeafName(i))
		if t.Types[i] == table.TypeTimestamp {
			leaf = fmt.Sprintf("make_timestamp(%s // 1000)", leaf)
		}
		projections[i] = leaf + " AS " + quoteIdent(column)
	}
	return fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT %s FROM read_parquet(%s)`,
		quoteIdent(name), strings.Join(projections, ", "), quoteString(path))
}

func tableType(databaseType string) table.Type {
	upper := strings.ToUpper(databaseType)
	switch {
	case upper == "BOOLEAN":
		return table.TypeBoolean
	case strings.HasSuffix(upper, "INT") || upper == "BIGINT" || upper == "INTEGER" || upper == "HUGEINT" || upper == "UBIGINT" || upper == "UINTEGER" || upper == "USMALLINT" || upper == "UTINYINT":
		return table.TypeInteger
	case upper == "DOUBLE" || upper == "FLOAT" || upper == "REAL" || strings.HasPrefix(upper, "DECIMAL"):
		return table.TypeFloat
	case strings.HasPrefix(upper, "TIMESTAMP") || upper == "DATE":
		return table.TypeTimestamp
	default:
		return table.TypeString
	}
}

func normalizeValues(values []any, types []table.Type) ([]any, error) {
	normalized := make([]any, len(values))
	for i, value := range values {
		if value == nil {
			continue
		}
		cell, err := normalizeValue(value, types[i])
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		normalized[i] = cell
	}
	return normalized, nil
}

func normalizeValue(value any, typ table.Type) (any, error) {
	switch typ {
	case table.TypeInteger:
		switch v := value.(type) {
		case int64:
			return v, nil
		case int32:
			return int64(v), nil
		case int16:
			return int64(v), nil
		case int8:
			return int64(v), nil
		case uint64:
			return int64(v), nil
		case uint32:
			return int64(v), nil
		case uint16:
			return int64(v), nil
		case uint8:
			return int64(v), nil
		case *big.Int:
			if !v.IsInt64() {
				return nil, fmt.Errorf("integer %s out of range", v.String())
			}
			return v.Int64(), nil
		}
	case table.TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case interface{ Float64() float64 }:
			return v.Float64(), nil
		}
	case table.TypeBoolean:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case table.TypeTimestamp:
		if v, ok := value.(time.Time); ok {
			return v.UTC(), nil
		}
	case table.TypeString:
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		default:
			return fmt.Sprint(v), nil
		}
	}
	return nil, fmt.Errorf("unexpected %T for %s column", value, typ)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
