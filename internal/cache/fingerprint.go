package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/duckmesh/spice/internal/table"
)

var keyPattern = regexp.MustCompile(`^[0-9]{1,19}-[0-9a-f]{64}$`)

// Key identifies one cached result. It is safe to use as a file name or an
// object key.
type Key string

func (k Key) String() string {
	return string(k)
}

// QueryID returns the query definition id the key was derived from.
func (k Key) QueryID() int64 {
	head, _, _ := strings.Cut(string(k), "-")
	id, _ := strconv.ParseInt(head, 10, 64)
	return id
}

func ParseKey(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	if !keyPattern.MatchString(raw) {
		return "", fmt.Errorf("invalid cache key: %q", raw)
	}
	return Key(raw), nil
}

// Fingerprint is everything that determines the content of a result. The
// credential, performance tier and polling settings are deliberately absent.
type Fingerprint struct {
	QueryID     int64
	Parameters  map[string]string
	Limit       int
	Offset      int
	SampleCount int
	SortBy      string
	Columns     []string
	Extras      map[string]string
	Types       table.Overrides
	StrictTypes bool
}

type canonicalFingerprint struct {
	QueryID       int64       `json:"query_id"`
	Parameters    [][2]string `json:"parameters"`
	Limit         int         `json:"limit"`
	Offset        int         `json:"offset"`
	SampleCount   int         `json:"sample_count"`
	SortBy        string      `json:"sort_by"`
	Columns       []string    `json:"columns"`
	Extras        [][2]string `json:"extras"`
	TypesByName   [][2]string `json:"types_by_name"`
	TypesByOffset []string    `json:"types_by_position"`
	StrictTypes   bool        `json:"strict_types"`
}

func (f Fingerprint) Key() Key {
	canonical := canonicalFingerprint{
		QueryID:     f.QueryID,
		Parameters:  sortedPairs(f.Parameters),
		Limit:       f.Limit,
		Offset:      f.Offset,
		SampleCount: f.SampleCount,
		SortBy:      f.SortBy,
		Columns:     append([]string{}, f.Columns...),
		Extras:      sortedPairs(f.Extras),
		StrictTypes: f.StrictTypes,
	}
	byName := make(map[string]string, len(f.Types.ByName))
	for column, typ := range f.Types.ByName {
		byName[column] = string(typ)
	}
	canonical.TypesByName = sortedPairs(byName)
	canonical.TypesByOffset = make([]string, len(f.Types.ByPosition))
	for i, typ := range f.Types.ByPosition {
		canonical.TypesByOffset[i] = string(typ)
	}

	// Marshalling slices and scalars cannot fail.
	encoded, _ := json.Marshal(canonical)
	sum := sha256.Sum256(encoded)
	return Key(strconv.FormatInt(f.QueryID, 10) + "-" + hex.EncodeToString(sum[:]))
}

func sortedPairs(values map[string]string) [][2]string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([][2]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, [2]string{key, values[key]})
	}
	return pairs
}
