package duckdb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/duckmesh/spice/internal/table"
)

// writeParquet stores t as a parquet file in dir and returns its path.
func writeParquet(dir, name string, index int, t table.Table) (string, error) {
	payload, err := table.EncodeParquet(t)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(name), index))
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, `\`, "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
