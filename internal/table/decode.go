package table

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// NullLiteral is how the remote service renders SQL NULL in text results.
const NullLiteral = "<nil>"

// Overrides pins column types either by column name or by position. The two
// modes are mutually exclusive. Empty positional entries fall back to
// inference.
type Overrides struct {
	ByName     map[string]Type
	ByPosition []Type
}

func (o Overrides) IsZero() bool {
	return len(o.ByName) == 0 && len(o.ByPosition) == 0
}

type Options struct {
	Types Overrides
	// Strict requires every column of the result to be covered by Types.
	Strict bool
}

// DecodeText parses a delimited-text payload and types its columns.
func DecodeText(payload []byte, opts Options) (Table, error) {
	raw, err := Parse(payload)
	if err != nil {
		return Table{}, err
	}
	return Decode(raw, opts)
}

// Parse reads a delimited-text payload into a table whose cells are all
// strings. Empty fields and NullLiteral become nil. The first line is the
// header.
func Parse(payload []byte) (Table, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return Table{Columns: []string{}, Types: []Type{}, Rows: [][]any{}}, nil
	}

	reader := csv.NewReader(bytes.NewReader(payload))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return Table{}, decodeErrorf(nil, "malformed delimited text: %v", err)
	}
	if len(records) == 0 {
		return Table{Columns: []string{}, Types: []Type{}, Rows: [][]any{}}, nil
	}

	columns := append([]string(nil), records[0]...)
	types := make([]Type, len(columns))
	for i := range types {
		types[i] = TypeString
	}

	rows := make([][]any, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make([]any, len(columns))
		for i := range columns {
			if i >= len(record) || record[i] == "" || record[i] == NullLiteral {
				continue
			}
			row[i] = record[i]
		}
		rows = append(rows, row)
	}
	return Table{Columns: columns, Types: types, Rows: rows}, nil
}

// Decode types the columns of a raw string table, applying overrides first
// and inference for the remaining columns.
func Decode(raw Table, opts Options) (Table, error) {
	if err := validateOverrides(raw.Columns, opts); err != nil {
		return Table{}, err
	}

	types := make([]Type, len(raw.Columns))
	for c, column := range raw.Columns {
		if override, ok := overrideFor(opts.Types, c, column); ok {
			types[c] = override
			continue
		}
		types[c] = Infer(columnCells(raw, c))
	}

	rows := make([][]any, len(raw.Rows))
	for r, rawRow := range raw.Rows {
		row := make([]any, len(raw.Columns))
		for c := range raw.Columns {
			if c >= len(rawRow) || rawRow[c] == nil {
				continue
			}
			text, ok := rawRow[c].(string)
			if !ok {
				return Table{}, decodeErrorf([]string{raw.Columns[c]}, "row %d holds non-text value %T", r, rawRow[c])
			}
			value, err := convert(text, types[c])
			if err != nil {
				return Table{}, decodeErrorf([]string{raw.Columns[c]}, "cannot convert %q to %s", text, types[c])
			}
			row[c] = value
		}
		rows[r] = row
	}

	return Table{Columns: append([]string(nil), raw.Columns...), Types: types, Rows: rows}, nil
}

func validateOverrides(columns []string, opts Options) error {
	overrides := opts.Types
	if len(overrides.ByName) > 0 && len(overrides.ByPosition) > 0 {
		return decodeErrorf(nil, "column types must be given by name or by position, not both")
	}
	for name, typ := range overrides.ByName {
		if !typ.Valid() {
			return decodeErrorf([]string{name}, "invalid column type %q", typ)
		}
	}
	for i, typ := range overrides.ByPosition {
		if typ != "" && !typ.Valid() {
			return decodeErrorf([]string{positionLabel(i)}, "invalid column type %q", typ)
		}
	}

	present := make(map[string]struct{}, len(columns))
	for _, column := range columns {
		present[column] = struct{}{}
	}
	var unknown []string
	for name := range overrides.ByName {
		if _, ok := present[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	for i := len(columns); i < len(overrides.ByPosition); i++ {
		if overrides.ByPosition[i] != "" {
			unknown = append(unknown, positionLabel(i))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return decodeErrorf(unknown, "types specified for missing columns")
	}

	if !opts.Strict {
		return nil
	}
	var missing []string
	for c, column := range columns {
		if _, ok := overrideFor(overrides, c, column); !ok {
			missing = append(missing, column)
		}
	}
	if len(missing) > 0 {
		return decodeErrorf(missing, "types not specified for columns")
	}
	return nil
}

func overrideFor(overrides Overrides, position int, column string) (Type, bool) {
	if typ, ok := overrides.ByName[column]; ok && typ != "" {
		return typ, true
	}
	if position < len(overrides.ByPosition) && overrides.ByPosition[position] != "" {
		return overrides.ByPosition[position], true
	}
	return "", false
}

func columnCells(t Table, c int) []any {
	cells := make([]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		if c < len(row) {
			cells = append(cells, row[c])
		}
	}
	return cells
}

func convert(text string, typ Type) (any, error) {
	switch typ {
	case TypeString:
		return text, nil
	case TypeInteger:
		return strconv.ParseInt(text, 10, 64)
	case TypeFloat:
		return strconv.ParseFloat(text, 64)
	case TypeBoolean:
		// Only the exact lowercase literal counts as true.
		return text == "true", nil
	case TypeTimestamp:
		return parseTimestamp(text)
	default:
		return nil, fmt.Errorf("unsupported type %q", typ)
	}
}

func parseTimestamp(text string) (time.Time, error) {
	if ts, err := time.Parse(TimestampLayout, text); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func positionLabel(i int) string {
	return "#" + strconv.Itoa(i)
}
