package table

import (
	"errors"
	"fmt"
	"strings"
)

var ErrDecode = errors.New("decode failed")

// DecodeError reports a column/type mismatch detected while typing a result.
type DecodeError struct {
	Reason  string
	Columns []string
}

func (e *DecodeError) Error() string {
	if len(e.Columns) == 0 {
		return fmt.Sprintf("decode: %s", e.Reason)
	}
	return fmt.Sprintf("decode: %s: %s", e.Reason, strings.Join(e.Columns, ", "))
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func decodeErrorf(columns []string, format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Columns: columns}
}
