package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/duckmesh/spice/internal/remote"
	"github.com/duckmesh/spice/internal/table"
)

var (
	ErrInvalidReference = errors.New("invalid query reference")
	ErrConfiguration    = errors.New("configuration error")
	ErrPollTimeout      = errors.New("poll timeout")
	ErrRemoteExecution  = remote.ErrRemoteExecution
	ErrTransport        = remote.ErrTransport
	ErrDecode           = table.ErrDecode
)

type (
	RemoteExecutionError = remote.ExecutionError
	TransportError       = remote.TransportError
	DecodeError          = table.DecodeError
)

type InvalidReferenceError struct {
	Input  string
	Reason string
}

func (e *InvalidReferenceError) Error() string {
	if e.Input == "" {
		return "invalid query reference: " + e.Reason
	}
	return fmt.Sprintf("invalid query reference %q: %s", e.Input, e.Reason)
}

func (e *InvalidReferenceError) Is(target error) bool {
	return target == ErrInvalidReference
}

type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s (%s)", e.Reason, e.Setting)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// PollTimeoutError reports that an execution did not finish within the
// caller's wall-clock budget. The execution itself may still complete.
type PollTimeoutError struct {
	ExecutionID string
	Timeout     time.Duration
	Elapsed     time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("polling execution %s timed out after %s (limit %s)", e.ExecutionID, e.Elapsed.Round(time.Millisecond), e.Timeout)
}

func (e *PollTimeoutError) Is(target error) bool {
	return target == ErrPollTimeout
}
