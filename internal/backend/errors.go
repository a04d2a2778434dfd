package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a malformed job payload (empty source or source
// over the configured size ceiling). Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid render payload: " + e.Reason
}

// TimeoutError reports that no response arrived within the job's deadline.
// The remote side may still be working; the wait is cancelled, not the
// computation.
type TimeoutError struct {
	RequestID string
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("render request %s timed out after %v", e.RequestID, e.Elapsed)
}

// ExecutionError reports a semantic failure from the backend itself, such as
// invalid geometry source. Detail is the backend's sanitized message, not its
// raw internal diagnostics.
type ExecutionError struct {
	Backend string
	Detail  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("backend %s: %s", e.Backend, e.Detail)
}

// TransportError reports an undecodable or malformed response envelope.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnavailableError reports that a backend (or, at construction time, every
// backend) could not be used. Name is empty for total unavailability.
type UnavailableError struct {
	Name string
}

func (e *UnavailableError) Error() string {
	if e.Name == "" {
		return "no render backend available"
	}
	return fmt.Sprintf("backend %s unavailable", e.Name)
}

// Attempt records one failed backend invocation inside an AggregateError.
type Attempt struct {
	Backend string
	Err     error
}

// AggregateError is returned when the primary and the fallback both failed
// (or the single cause when no fallback was attempted but aggregation is
// still wanted). Its message names every backend attempted and why it failed.
type AggregateError struct {
	Attempts []Attempt
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Backend, a.Err))
	}
	return "all render backends failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the underlying causes to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// ErrorKind returns the taxonomy label for err, for persistence and API
// responses.
func ErrorKind(err error) string {
	var (
		validationErr  *ValidationError
		timeoutErr     *TimeoutError
		executionErr   *ExecutionError
		transportErr   *TransportError
		unavailableErr *UnavailableError
		aggregateErr   *AggregateError
	)
	switch {
	case errors.As(err, &aggregateErr):
		return "aggregate"
	case errors.As(err, &validationErr):
		return "validation"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &executionErr):
		return "execution"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &unavailableErr):
		return "unavailable"
	default:
		return "internal"
	}
}
