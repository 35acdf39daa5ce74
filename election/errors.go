/*
errors.go - Centralized error types for the election engine

PURPOSE:
  All sentinel and structured errors in one place. Other packages wrap
  these with additional context; HTTP handlers map them to status codes.

ERROR CATEGORIES:
  1. Validation errors - malformed rows/fields, recovered per row
  2. Registry errors   - external lookup failures and throttling
  3. Task errors       - background task bookkeeping conflicts
  4. Rebuild errors    - derived-table consistency failures

ABSENCE IS NOT AN ERROR:
  A definitive "not found" from the registry is modelled as a nil record
  with a nil error, never as an error value. Batch loops must keep going.

USAGE:
    if errors.Is(err, election.ErrTaskAlreadyRunning) {
        // report already_running, not a failure
    }
*/
package election

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when an input row or field is malformed.
	// Row-level validation failures are recorded and the batch continues.
	ErrValidation = errors.New("validation failed")

	// ErrStructuralInput is returned when the input container itself is
	// unusable (unreadable CSV, missing header row, missing id column).
	// Unlike row-level failures, this aborts the whole ingestion call.
	ErrStructuralInput = errors.New("structurally invalid input")

	// ErrRateLimited is returned when the external registry keeps
	// throttling after all backoff attempts are exhausted.
	ErrRateLimited = errors.New("registry rate limit exceeded")

	// ErrRegistryUnavailable is returned on transport or server failures
	// that survive the bounded retries.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrRegistryAuth is returned when the registry rejects the shared
	// secret. Retrying cannot help, so it surfaces immediately.
	ErrRegistryAuth = errors.New("registry authorization failed")

	// ErrTaskAlreadyRunning is returned when a task with the same id is
	// already in the running state. Callers surface "already_running".
	ErrTaskAlreadyRunning = errors.New("task already running")

	// ErrTaskNotFound is returned when no task run exists for an id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrRebuildAborted is returned when a summary rebuild could not be
	// committed. The previous derived table remains intact.
	ErrRebuildAborted = errors.New("summary rebuild aborted")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RowError records a single malformed ingestion row. It is collected in
// the ingestion report, not propagated as a call failure.
type RowError struct {
	Row    int    // 1-based data row number, excluding the header
	Field  string // canonical field name that failed validation
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: field %q: %s", e.Row, e.Field, e.Reason)
}

func (e *RowError) Unwrap() error {
	return ErrValidation
}

// RegistryError carries the HTTP status of a failed registry call.
// The response body is intentionally not retained.
type RegistryError struct {
	Siret      string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry lookup for %s failed after %d attempt(s) (status %d): %v",
		e.Siret, e.Attempts, e.StatusCode, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrStructuralInput)
}

// IsConflict reports whether the error is a duplicate-operation conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrTaskAlreadyRunning)
}

// IsRetryable reports whether the error might succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrRegistryUnavailable)
}
