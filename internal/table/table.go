package table

import (
	"errors"
	"fmt"
	"strings"
)

type Type string

const (
	TypeString    Type = "string"
	TypeInteger   Type = "integer"
	TypeFloat     Type = "float"
	TypeBoolean   Type = "boolean"
	TypeTimestamp Type = "timestamp"
)

// ParseType accepts the canonical names plus a few common aliases used by
// callers that think in SQL type names.
func ParseType(raw string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "string", "str", "text", "varchar", "utf8":
		return TypeString, nil
	case "integer", "int", "int64", "bigint":
		return TypeInteger, nil
	case "float", "float64", "double", "decimal", "numeric":
		return TypeFloat, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "timestamp", "datetime":
		return TypeTimestamp, nil
	default:
		return "", fmt.Errorf("unknown column type %q", raw)
	}
}

func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeTimestamp:
		return true
	default:
		return false
	}
}

// Table is a typed, row-major result set. Cell values are nil, string,
// int64, float64, bool or time.Time depending on the column type.
type Table struct {
	Columns []string `json:"columns"`
	Types   []Type   `json:"types"`
	Rows    [][]any  `json:"rows"`
}

func (t Table) NumRows() int {
	return len(t.Rows)
}

func (t Table) NumColumns() int {
	return len(t.Columns)
}

// Validate checks that the type list and every row match the column count.
func (t Table) Validate() error {
	if len(t.Types) != len(t.Columns) {
		return fmt.Errorf("table has %d columns but %d types", len(t.Columns), len(t.Types))
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(t.Columns))
		}
	}
	return nil
}

// Head returns the first n rows. n <= 0 returns the table unchanged.
func (t Table) Head(n int) Table {
	if n <= 0 || n >= len(t.Rows) {
		return t
	}
	return Table{Columns: t.Columns, Types: t.Types, Rows: t.Rows[:n]}
}

func (t Table) Column(name string) (int, bool) {
	for i, column := range t.Columns {
		if column == name {
			return i, true
		}
	}
	return -1, false
}

var ErrSchemaMismatch = errors.New("table schemas differ")

// Concat appends the rows of pages in order. All pages must share the same
// columns and types, so pages are normally concatenated while still raw.
func Concat(pages ...Table) (Table, error) {
	if len(pages) == 0 {
		return Table{}, nil
	}
	out := Table{
		Columns: pages[0].Columns,
		Types:   pages[0].Types,
		Rows:    make([][]any, 0, pages[0].NumRows()),
	}
	for i, page := range pages {
		if !sameStrings(page.Columns, out.Columns) {
			return Table{}, fmt.Errorf("%w: page %d columns %v, want %v", ErrSchemaMismatch, i, page.Columns, out.Columns)
		}
		if !sameTypes(page.Types, out.Types) {
			return Table{}, fmt.Errorf("%w: page %d types %v, want %v", ErrSchemaMismatch, i, page.Types, out.Types)
		}
		out.Rows = append(out.Rows, page.Rows...)
	}
	return out, nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameTypes(a, b []Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
