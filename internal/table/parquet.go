package table

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
)

const parquetReadBatch = 256

// LeafName is the parquet column name used for the column at position i.
// Positional names keep the file schema stable under arbitrary (even
// duplicate) result column names; the real names travel alongside.
func LeafName(i int) string {
	return fmt.Sprintf("c%05d", i)
}

// EncodeParquet serializes the table rows. Column names and types are not
// recoverable from the payload alone and must be stored by the caller.
// Timestamps are stored as UTC unix nanoseconds.
func EncodeParquet(t Table) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(t.Columns) == 0 {
		return nil, nil
	}

	group := parquet.Group{}
	for i, typ := range t.Types {
		node, err := parquetNode(typ)
		if err != nil {
			return nil, err
		}
		group[LeafName(i)] = parquet.Optional(node)
	}
	schema := parquet.NewSchema("result", group)

	rows := make([]parquet.Row, 0, len(t.Rows))
	for r, values := range t.Rows {
		row := make(parquet.Row, len(values))
		for c, value := range values {
			pv, err := parquetValue(value, t.Types[c])
			if err != nil {
				return nil, fmt.Errorf("encode row %d column %q: %w", r, t.Columns[c], err)
			}
			row[c] = pv.Level(0, definitionLevel(value), c)
		}
		rows = append(rows, row)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	if _, err := writer.WriteRows(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeParquet rebuilds a table from EncodeParquet output and its schema.
func DecodeParquet(data []byte, columns []string, types []Type) (Table, error) {
	if len(columns) != len(types) {
		return Table{}, fmt.Errorf("schema has %d columns but %d types", len(columns), len(types))
	}
	out := Table{
		Columns: append([]string(nil), columns...),
		Types:   append([]Type(nil), types...),
		Rows:    [][]any{},
	}
	if len(columns) == 0 {
		return out, nil
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Table{}, fmt.Errorf("open parquet payload: %w", err)
	}
	if got := len(file.Schema().Columns()); got != len(columns) {
		return Table{}, fmt.Errorf("parquet payload has %d columns, want %d", got, len(columns))
	}

	buffer := make([]parquet.Row, parquetReadBatch)
	for _, rowGroup := range file.RowGroups() {
		rows := rowGroup.Rows()
		for {
			n, readErr := rows.ReadRows(buffer)
			for _, row := range buffer[:n] {
				decoded, err := decodeParquetRow(row, types)
				if err != nil {
					_ = rows.Close()
					return Table{}, err
				}
				out.Rows = append(out.Rows, decoded)
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					break
				}
				_ = rows.Close()
				return Table{}, fmt.Errorf("read parquet rows: %w", readErr)
			}
			if n == 0 {
				break
			}
		}
		if err := rows.Close(); err != nil {
			return Table{}, fmt.Errorf("close parquet rows: %w", err)
		}
	}
	return out, nil
}

func parquetNode(typ Type) (parquet.Node, error) {
	switch typ {
	case TypeString:
		return parquet.String(), nil
	case TypeInteger, TypeTimestamp:
		return parquet.Leaf(parquet.Int64Type), nil
	case TypeFloat:
		return parquet.Leaf(parquet.DoubleType), nil
	case TypeBoolean:
		return parquet.Leaf(parquet.BooleanType), nil
	default:
		return nil, fmt.Errorf("unsupported column type %q", typ)
	}
}

func definitionLevel(value any) int {
	if value == nil {
		return 0
	}
	return 1
}

func parquetValue(value any, typ Type) (parquet.Value, error) {
	if value == nil {
		return parquet.NullValue(), nil
	}
	switch typ {
	case TypeString:
		text, ok := value.(string)
		if !ok {
			return parquet.Value{}, fmt.Errorf("want string, got %T", value)
		}
		return parquet.ByteArrayValue([]byte(text)), nil
	case TypeInteger:
		number, ok := value.(int64)
		if !ok {
			return parquet.Value{}, fmt.Errorf("want int64, got %T", value)
		}
		return parquet.Int64Value(number), nil
	case TypeTimestamp:
		ts, ok := value.(time.Time)
		if !ok {
			return parquet.Value{}, fmt.Errorf("want time.Time, got %T", value)
		}
		return parquet.Int64Value(ts.UTC().UnixNano()), nil
	case TypeFloat:
		number, ok := value.(float64)
		if !ok {
			return parquet.Value{}, fmt.Errorf("want float64, got %T", value)
		}
		return parquet.DoubleValue(number), nil
	case TypeBoolean:
		flag, ok := value.(bool)
		if !ok {
			return parquet.Value{}, fmt.Errorf("want bool, got %T", value)
		}
		return parquet.BooleanValue(flag), nil
	default:
		return parquet.Value{}, fmt.Errorf("unsupported column type %q", typ)
	}
}

func decodeParquetRow(row parquet.Row, types []Type) ([]any, error) {
	out := make([]any, len(types))
	for _, value := range row {
		c := value.Column()
		if c < 0 || c >= len(types) {
			return nil, fmt.Errorf("parquet value for unknown column %d", c)
		}
		if value.IsNull() {
			continue
		}
		switch types[c] {
		case TypeString:
			out[c] = string(value.ByteArray())
		case TypeInteger:
			out[c] = value.Int64()
		case TypeTimestamp:
			out[c] = time.Unix(0, value.Int64()).UTC()
		case TypeFloat:
			out[c] = value.Double()
		case TypeBoolean:
			out[c] = value.Boolean()
		default:
			return nil, fmt.Errorf("unsupported column type %q", types[c])
		}
	}
	return out, nil
}
