/*
Package punch implements the time punch ledger.

PURPOSE:
  Records employee clock-in/clock-out events as an append-only,
  tamper-evident sequence and derives worked hours from it. Every record
  carries a gapless global sequence number (NSR) and a SHA-256 fingerprint
  chained to the record before it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Type:     closed enum of punch types (entrada, saida_intervalo, ...)
  - Record:   one persisted punch, immutable once written
  - Employee: directory view of an employee and the fences assigned to them
  - Request / Receipt: input and output of Ledger.RecordPunch

DESIGN PRINCIPLES:
  1. Append-only: records are never updated or deleted; corrections are new
     compensating records created by the justification workflow
  2. Ordering: the NSR is the audit order, the timestamp is the day order
  3. Explicit state: the next legal punch type is a pure function of the
     day's records (statemachine.go), never a lookup of "last row in DB"

SEE ALSO:
  - ledger.go:       the facade the rest of the application talks to
  - admission.go:    rate limit, state machine and geofence checks
  - integrity.go:    fingerprints and chain verification
  - hours.go:        worked hours
  - store.go:        persistence interfaces
*/
package punch

import (
	"fmt"
	"time"

	"github.com/warp/timeclock/geo"
)

// =============================================================================
// PUNCH TYPE - Closed enum, see statemachine.go for the transition table
// =============================================================================

type Type string

const (
	TypeEntrada        Type = "entrada"         // clock in
	TypeSaidaIntervalo Type = "saida_intervalo" // break start
	TypeVoltaIntervalo Type = "volta_intervalo" // break end
	TypeSaida          Type = "saida"           // clock out
)

// Types lists every punch type in daily cycle order.
var Types = []Type{TypeEntrada, TypeSaidaIntervalo, TypeVoltaIntervalo, TypeSaida}

func (t Type) Valid() bool {
	switch t {
	case TypeEntrada, TypeSaidaIntervalo, TypeVoltaIntervalo, TypeSaida:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// ParseType converts a raw string into a Type. The empty string is not a type;
// callers that want auto-resolution pass "" in Request.Type instead.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPunchType, s)
	}
	return t, nil
}

// opensInterval reports whether the punch starts a work interval.
func (t Type) opensInterval() bool { return t == TypeEntrada || t == TypeVoltaIntervalo }

// =============================================================================
// METHOD - How the employee identified themselves at the device
// =============================================================================

type Method string

const (
	MethodCode      Method = "codigo"
	MethodQRCode    Method = "qrcode"
	MethodFacial    Method = "facial"
	MethodBiometric Method = "biometria"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCode, MethodQRCode, MethodFacial, MethodBiometric:
		return true
	}
	return false
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string

// GenesisFingerprint is the previous fingerprint of NSR 1.
const GenesisFingerprint = "0000000000000000000000000000000000000000000000000000000000000000"

// TimestampLayout is the canonical, fixed-width timestamp format used for
// fingerprints and storage. Timestamps are always UTC with second precision.
const TimestampLayout = "2006-01-02T15:04:05Z"

// =============================================================================
// RECORD - One persisted punch
// =============================================================================

type Record struct {
	ID                  string
	EmployeeID          EmployeeID
	Type                Type
	Timestamp           time.Time
	SequenceNumber      int64
	Fingerprint         string
	PreviousFingerprint string

	Coordinates    *geo.Coordinates
	AccuracyMeters *float64
	Geofence       *FenceResult

	Method    Method
	SourceIP  string
	UserAgent string
	CreatedAt time.Time
}

// FenceResult records which fence admitted the punch.
type FenceResult struct {
	ID             string
	Label          string
	DistanceMeters float64
}

// =============================================================================
// EMPLOYEE - Directory collaborator view
// =============================================================================

type Employee struct {
	ID        EmployeeID
	Name      string
	Geofences []geo.Geofence
}

// LocationRequired is true when at least one fence is assigned.
func (e Employee) LocationRequired() bool { return len(e.Geofences) > 0 }

// =============================================================================
// REQUEST / RECEIPT
// =============================================================================

// Request is the input of Ledger.RecordPunch.
type Request struct {
	EmployeeID EmployeeID
	// Type is optional; empty means "resolve to the legal next type".
	Type Type
	// Timestamp is optional; zero means "now" according to the ledger clock.
	Timestamp      time.Time
	Coordinates    *geo.Coordinates
	AccuracyMeters *float64
	Method         Method
	SourceIP       string
	UserAgent      string
}

// Receipt is what the employee/device gets back for a recorded punch.
type Receipt struct {
	RecordID       string
	EmployeeID     EmployeeID
	SequenceNumber int64
	Fingerprint    string
	Type           Type
	Timestamp      time.Time
	Geofence       *FenceResult
}

func receiptFor(r Record) *Receipt {
	return &Receipt{
		RecordID:       r.ID,
		EmployeeID:     r.EmployeeID,
		SequenceNumber: r.SequenceNumber,
		Fingerprint:    r.Fingerprint,
		Type:           r.Type,
		Timestamp:      r.Timestamp,
		Geofence:       r.Geofence,
	}
}

// =============================================================================
// CALENDAR DAYS
// =============================================================================

// DayBounds returns [start, end) of the calendar day containing t in loc, in UTC.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC()
}

// DateOf returns the YYYY-MM-DD day key of t in loc.
func DateOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

// NormalizeTimestamp truncates to whole seconds in UTC, the precision the
// ledger records and fingerprints.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// ParseDate parses a YYYY-MM-DD day key as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidArgument, s)
	}
	return t, nil
}
