package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/duckmesh/spice/internal/table"
)

const (
	codecVersion  = 1
	payloadFormat = "parquet"
)

type metadata struct {
	Version            int          `json:"version"`
	Key                Key          `json:"key"`
	QueryID            int64        `json:"query_id"`
	Columns            []string     `json:"columns"`
	Types              []table.Type `json:"types"`
	Rows               int          `json:"rows"`
	Format             string       `json:"format"`
	ExecutionID        string       `json:"execution_id"`
	ExecutionStartedAt *time.Time   `json:"execution_started_at,omitempty"`
	StoredAt           time.Time    `json:"stored_at"`
}

// EncodeEntry splits an entry into a JSON metadata document and a parquet
// payload holding the rows.
func EncodeEntry(entry Entry) ([]byte, []byte, error) {
	if err := entry.Table.Validate(); err != nil {
		return nil, nil, fmt.Errorf("encode cache entry: %w", err)
	}
	payload, err := table.EncodeParquet(entry.Table)
	if err != nil {
		return nil, nil, fmt.Errorf("encode cache payload: %w", err)
	}
	meta, err := json.Marshal(metadata{
		Version:            codecVersion,
		Key:                entry.Key,
		QueryID:            entry.QueryID,
		Columns:            entry.Table.Columns,
		Types:              entry.Table.Types,
		Rows:               entry.Table.NumRows(),
		Format:             payloadFormat,
		ExecutionID:        entry.ExecutionID,
		ExecutionStartedAt: entry.ExecutionStartedAt,
		StoredAt:           entry.StoredAt.UTC(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode cache metadata: %w", err)
	}
	return meta, payload, nil
}

// DecodeEntry reverses EncodeEntry. When only the payload is unusable the
// returned entry still carries the metadata and the error wraps ErrCorrupt.
func DecodeEntry(meta, payload []byte) (Entry, error) {
	var decoded metadata
	if err := json.Unmarshal(meta, &decoded); err != nil {
		return Entry{}, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
	}
	if decoded.Version != codecVersion || decoded.Format != payloadFormat {
		return Entry{}, fmt.Errorf("%w: unsupported version %d format %q", ErrCorrupt, decoded.Version, decoded.Format)
	}
	entry := Entry{
		Key:                decoded.Key,
		QueryID:            decoded.QueryID,
		ExecutionID:        decoded.ExecutionID,
		ExecutionStartedAt: decoded.ExecutionStartedAt,
		StoredAt:           decoded.StoredAt,
	}
	if len(decoded.Columns) != len(decoded.Types) {
		return entry, fmt.Errorf("%w: %d columns but %d types", ErrCorrupt, len(decoded.Columns), len(decoded.Types))
	}

	t, err := table.DecodeParquet(payload, decoded.Columns, decoded.Types)
	if err != nil {
		return entry, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}
	if t.NumRows() != decoded.Rows {
		return entry, fmt.Errorf("%w: payload has %d rows, metadata says %d", ErrCorrupt, t.NumRows(), decoded.Rows)
	}
	entry.Table = t
	return entry, nil
}
