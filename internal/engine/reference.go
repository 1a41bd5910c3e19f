package engine

import (
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RawSQLParameter is the template parameter that receives raw SQL text.
const RawSQLParameter = "query"

var (
	urlPrefixes  = []string{"https://", "http://", "api.dune.com", "dune.com/queries"}
	queryIDInURL = regexp.MustCompile(`/quer(?:y|ies)/([0-9]+)(?:[/?#]|$)`)
)

// Reference names what to run. It is one of QueryID, QueryURL, RawSQL or
// ExistingExecution.
type Reference interface {
	isReference()
}

type QueryID int64

type QueryURL string

// RawSQL is executed through the configured raw SQL template query.
type RawSQL string

// ExistingExecution pins an execution that has already been triggered.
type ExistingExecution struct {
	Execution Execution
}

func (QueryID) isReference()           {}
func (QueryURL) isReference()          {}
func (RawSQL) isReference()            {}
func (ExistingExecution) isReference() {}

// Execution is a handle on one remote run.
type Execution struct {
	ID        string     `json:"execution_id"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// ParseReference classifies free text: digits are a query id, text with a
// known URL prefix is a query URL, anything else is raw SQL.
func ParseReference(raw string) (Reference, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, &InvalidReferenceError{Input: raw, Reason: "empty query"}
	}
	if isDigits(text) {
		id, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, &InvalidReferenceError{Input: raw, Reason: "query id out of range"}
		}
		return QueryID(id), nil
	}
	for _, prefix := range urlPrefixes {
		if strings.HasPrefix(text, prefix) {
			return QueryURL(text), nil
		}
	}
	return RawSQL(raw), nil
}

// Target is a resolved reference: either a query id with its parameters or
// an execution that needs no trigger.
type Target struct {
	QueryID    int64
	Parameters map[string]string
	Execution  *Execution
}

// Resolve turns ref into a Target. It performs no remote calls.
func Resolve(ref Reference, parameters map[string]string, rawSQLQueryID int64) (Target, error) {
	switch r := ref.(type) {
	case QueryID:
		if r <= 0 {
			return Target{}, &InvalidReferenceError{Input: strconv.FormatInt(int64(r), 10), Reason: "query id must be positive"}
		}
		return Target{QueryID: int64(r), Parameters: parameters}, nil
	case QueryURL:
		id, err := queryIDFromURL(string(r))
		if err != nil {
			return Target{}, err
		}
		return Target{QueryID: id, Parameters: parameters}, nil
	case RawSQL:
		if strings.TrimSpace(string(r)) == "" {
			return Target{}, &InvalidReferenceError{Input: string(r), Reason: "empty query"}
		}
		if rawSQLQueryID <= 0 {
			return Target{}, &ConfigurationError{Setting: "SPICE_RAW_SQL_QUERY_ID", Reason: "raw SQL template query id is not set"}
		}
		merged := make(map[string]string, len(parameters)+1)
		maps.Copy(merged, parameters)
		merged[RawSQLParameter] = string(r)
		return Target{QueryID: rawSQLQueryID, Parameters: merged}, nil
	case ExistingExecution:
		if strings.TrimSpace(r.Execution.ID) == "" {
			return Target{}, &InvalidReferenceError{Reason: "execution id is empty"}
		}
		execution := r.Execution
		return Target{Execution: &execution, Parameters: parameters}, nil
	case nil:
		return Target{}, &InvalidReferenceError{Reason: "no reference given"}
	default:
		return Target{}, &InvalidReferenceError{Input: fmt.Sprintf("%T", ref), Reason: "unsupported reference type"}
	}
}

func queryIDFromURL(raw string) (int64, error) {
	text := strings.TrimSpace(raw)
	if !strings.Contains(text, "://") {
		text = "https://" + text
	}
	match := queryIDInURL.FindStringSubmatch(text)
	if match == nil {
		return 0, &InvalidReferenceError{Input: raw, Reason: "URL does not name a query id"}
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, &InvalidReferenceError{Input: raw, Reason: "URL query id out of range"}
	}
	return id, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
