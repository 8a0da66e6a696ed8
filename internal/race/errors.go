package race

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes validation failures.
type ErrorCode string

const (
	// ErrCodeMultipleActive indicates two legs would be active at once.
	ErrCodeMultipleActive ErrorCode = "MULTIPLE_ACTIVE"

	// ErrCodeFinishBeforeStart indicates a finish at or before the start.
	ErrCodeFinishBeforeStart ErrorCode = "FINISH_BEFORE_START"

	// ErrCodeFinishWithoutStart indicates a finish on an unstarted leg.
	ErrCodeFinishWithoutStart ErrorCode = "FINISH_WITHOUT_START"

	// ErrCodeStartBeforePrevious indicates a start before the previous leg's finish.
	ErrCodeStartBeforePrevious ErrorCode = "START_BEFORE_PREVIOUS_FINISH"

	// ErrCodeFinishAfterNext indicates a finish after the following leg's start.
	ErrCodeFinishAfterNext ErrorCode = "FINISH_AFTER_NEXT_START"

	// ErrCodeClearStartWithFinish indicates clearing a start while a finish is set.
	ErrCodeClearStartWithFinish ErrorCode = "CLEAR_START_WITH_FINISH"

	// ErrCodeUnknownEntity indicates a reference to a missing leg or runner.
	ErrCodeUnknownEntity ErrorCode = "UNKNOWN_ENTITY"

	// ErrCodeInvalidValue indicates an out-of-range field value.
	ErrCodeInvalidValue ErrorCode = "INVALID_VALUE"
)

// Issue is a single invariant violation found by validation.
type Issue struct {
	Code    ErrorCode `json:"code"`
	LegID   int       `json:"leg_id,omitempty"`
	Message string    `json:"message"`
}

func (i Issue) String() string {
	if i.LegID > 0 {
		return fmt.Sprintf("%s: leg %d: %s", i.Code, i.LegID, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

// ValidationError is returned when a proposed mutation would violate an
// invariant. Validation errors are never retried or queued.
type ValidationError struct {
	Op     string
	Issues []Issue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	if e.Op == "" {
		return "validation failed: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("%s: validation failed: %s", e.Op, strings.Join(parts, "; "))
}

// HasCode reports whether any issue carries the given code.
func (e *ValidationError) HasCode(code ErrorCode) bool {
	for _, issue := range e.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// NetworkError wraps a transient connectivity or remote-call failure.
// Network errors are retried through the offline queue.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConflictError signals that local and remote disagree on a timing field
// and the disagreement needs an explicit resolution.
type ConflictError struct {
	Table    Table
	RemoteID string
	LegID    int
	Field    TimeField
	Local    *Timestamp
	Remote   *Timestamp
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on leg %d %s: local=%s remote=%s",
		e.LegID, e.Field, formatTime(e.Local), formatTime(e.Remote))
}

// StructuralError reports malformed persisted or remote data, or a race
// setup that cannot be used at all.
type StructuralError struct {
	Message string
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	return "structural: " + e.Message
}

// IsNetwork returns true if err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsConflict returns true if err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation returns true if err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStructural returns true if err is (or wraps) a StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

func formatTime(t *Timestamp) string {
	if t == nil {
		return "unset"
	}
	return fmt.Sprintf("%d", int64(*t))
}
