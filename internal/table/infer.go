package table

import (
	"regexp"
	"strconv"
	"time"
)

// TimestampLayout is the textual timestamp format emitted by the remote
// service, e.g. "2024-01-02 03:04:05.678 UTC".
const TimestampLayout = "2006-01-02 15:04:05.000 MST"

var (
	timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} [A-Z][A-Za-z]{1,5}$`)
	integerPattern   = regexp.MustCompile(`^[+-]?\d+$`)
	floatPattern     = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
)

// Infer picks a scalar type for a column of raw cells (string or nil).
// Null cells are ignored; an all-null column is a string column.
func Infer(cells []any) Type {
	values := make([]string, 0, len(cells))
	for _, cell := range cells {
		if text, ok := cell.(string); ok {
			values = append(values, text)
		}
	}
	if len(values) == 0 {
		return TypeString
	}
	if allMatch(values, isTimestamp) {
		return TypeTimestamp
	}
	if allMatch(values, isInteger) {
		return TypeInteger
	}
	if allMatch(values, isFloat) {
		return TypeFloat
	}
	if allMatch(values, isBooleanLiteral) {
		return TypeBoolean
	}
	return TypeString
}

func allMatch(values []string, pred func(string) bool) bool {
	for _, value := range values {
		if !pred(value) {
			return false
		}
	}
	return true
}

func isTimestamp(value string) bool {
	if !timestampPattern.MatchString(value) {
		return false
	}
	_, err := time.Parse(TimestampLayout, value)
	return err == nil
}

func isInteger(value string) bool {
	if !integerPattern.MatchString(value) {
		return false
	}
	_, err := strconv.ParseInt(value, 10, 64)
	return err == nil
}

func isFloat(value string) bool {
	if !floatPattern.MatchString(value) {
		return false
	}
	_, err := strconv.ParseFloat(value, 64)
	return err == nil
}

func isBooleanLiteral(value string) bool {
	return value == "true" || value == "false"
}
