package remote

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransport       = errors.New("transport failed")
	ErrRemoteExecution = errors.New("remote execution failed")
)

// TransportError is an HTTP failure that retries could not absorb: a
// network error, exhausted retries, or an unexpected status.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: status=%d body=%s", e.Method, e.URL, e.StatusCode, strings.TrimSpace(e.Body))
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ExecutionError is reported when the remote service refuses to start an
// execution or reports a terminal failure for one. Detail is the upstream
// error text, verbatim.
type ExecutionError struct {
	ExecutionID string
	State       string
	Detail      string
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	b.WriteString("remote execution failed")
	if e.ExecutionID != "" {
		b.WriteString(" execution_id=" + e.ExecutionID)
	}
	if e.State != "" {
		b.WriteString(" state=" + e.State)
	}
	if e.Detail != "" {
		b.WriteString(" error=" + e.Detail)
	}
	return b.String()
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrRemoteExecution
}
