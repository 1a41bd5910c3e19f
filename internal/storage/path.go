package storage

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildResultObjectPaths lays out the metadata and payload objects of one
// cached result, grouped by query id:
//
//	results/query=<id>/<name>.json
//	results/query=<id>/<name>.parquet
func BuildResultObjectPaths(queryID int64, name string) (string, string, error) {
	if queryID <= 0 {
		return "", "", fmt.Errorf("query id must be > 0")
	}
	if err := validatePathComponent(name, "result name"); err != nil {
		return "", "", err
	}
	dir := path.Join("results", "query="+strconv.FormatInt(queryID, 10))
	return path.Join(dir, name+".json"), path.Join(dir, name+".parquet"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
