/*
errors.go - Error types for the punch ledger

ERROR CATEGORIES:
  1. Rejections    - expected, user-facing admission outcomes (TOO_SOON, ...)
  2. Argument      - bad coordinates, unknown punch type, unknown employee
  3. Integrity     - fingerprint mismatch or sequence gap found by verification
  4. Concurrency   - the store could not serialize the write; retry the WHOLE
                     admission + write unit, never only the write

USAGE:
  receipt, err := ledger.RecordPunch(ctx, req)
  var rej *punch.Rejection
  if errors.As(err, &rej) {
      // show rej.Reason to the operator/device
  }
*/
package punch

import (
	"errors"
	"fmt"

	"github.com/warp/timeclock/geo"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRejected is wrapped by every *Rejection.
	ErrRejected = errors.New("punch rejected")

	// ErrInvalidArgument covers out-of-range coordinates and similar input errors.
	ErrInvalidArgument = geo.ErrInvalidArgument

	// ErrInvalidPunchType is returned when a raw type string is not in the enum.
	ErrInvalidPunchType = errors.New("invalid punch type")

	// ErrEmployeeNotFound is returned when the directory does not know the employee.
	ErrEmployeeNotFound = errors.New("employee not found")

	// ErrRecordNotFound is returned when no record holds the requested NSR.
	ErrRecordNotFound = errors.New("punch record not found")

	// ErrGeofenceNotFound is returned when assigning an unknown fence.
	ErrGeofenceNotFound = errors.New("geofence not found")

	// ErrDuplicateRecord is returned when an NSR or record ID is written twice.
	ErrDuplicateRecord = errors.New("duplicate punch record")

	// ErrIntegrityViolation is reported by verification; never auto-corrected.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrConcurrencyConflict means the transaction could not serialize.
	// It is the only error safe to retry, and only as a whole unit.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// =============================================================================
// REJECTIONS - Expected admission outcomes
// =============================================================================

type Reason string

const (
	ReasonTooSoon          Reason = "TOO_SOON"
	ReasonInvalidSequence  Reason = "INVALID_SEQUENCE"
	ReasonDayComplete      Reason = "DAY_COMPLETE"
	ReasonOutsideGeofence  Reason = "OUTSIDE_GEOFENCE"
	ReasonLocationRequired Reason = "LOCATION_REQUIRED"
)

// Rejection is returned when a punch fails admission.
type Rejection struct {
	Reason  Reason
	Message string

	// Allowed holds the legal next types for INVALID_SEQUENCE.
	Allowed []Type
	// Nearest is set for OUTSIDE_GEOFENCE when the employee has fences.
	Nearest *geo.Match
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return fmt.Sprintf("punch rejected: %s", r.Reason)
	}
	return fmt.Sprintf("punch rejected: %s: %s", r.Reason, r.Message)
}

func (r *Rejection) Unwrap() error { return ErrRejected }

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IntegrityViolationError summarizes a failed verification.
type IntegrityViolationError struct {
	Tampered []int64
	Missing  []int64
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("integrity violation: %d tampered, %d missing records", len(e.Tampered), len(e.Missing))
}

func (e *IntegrityViolationError) Unwrap() error { return ErrIntegrityViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRejection returns the rejection reason when err is an admission rejection.
func IsRejection(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// IsRetryable returns true if the whole operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidPunchType)
}

// IsNotFound returns true if the error indicates a missing employee or record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEmployeeNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrGeofenceNotFound)
}
