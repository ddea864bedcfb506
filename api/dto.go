/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the punch domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  h.validate.Struct before touching the ledger. Domain rules (sequence,
  rate limit, geofence) are NOT validated here: they are admission
  outcomes and come back as 422 rejections.

HOURS:
  Hour totals are shopspring decimals and serialize as JSON strings
  ("8.5"), never floats.

SEE ALSO:
  - handlers.go: Uses these types
  - cmd/punchctl: New*DTO converters back its --json output
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/punch"
)

// =============================================================================
// EMPLOYEES AND GEOFENCES
// =============================================================================

type EmployeeDTO struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	LocationRequired bool          `json:"location_required"`
	Geofences        []GeofenceDTO `json:"geofences"`
}

type CreateEmployeeRequest struct {
	ID   string `json:"id" validate:"required,max=64"`
	Name string `json:"name" validate:"required,max=200"`
}

type GeofenceDTO struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}

type CreateGeofenceRequest struct {
	ID           string   `json:"id" validate:"required,max=64"`
	Label        string   `json:"label" validate:"required,max=200"`
	Latitude     *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude    *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	RadiusMeters float64  `json:"radius_meters" validate:"gte=0"`
}

type AssignGeofenceRequest struct {
	GeofenceID string `json:"geofence_id" validate:"required"`
}

// GeofenceMatchDTO is a fence with its distance from a queried point.
type GeofenceMatchDTO struct {
	Geofence       GeofenceDTO `json:"geofence"`
	DistanceMeters float64     `json:"distance_meters"`
	Distance       string      `json:"distance"`
	Within         bool        `json:"within"`
}

// =============================================================================
// PUNCHES
// =============================================================================

// PunchRequest is the body of POST /api/employees/{id}/punches.
// Every field is optional: an empty body punches "the next legal type, now".
// Latitude and longitude must be given together.
type PunchRequest struct {
	Type           string     `json:"type" validate:"omitempty,oneof=entrada saida_intervalo volta_intervalo saida"`
	Timestamp      *time.Time `json:"timestamp"`
	Latitude       *float64   `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude      *float64   `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	AccuracyMeters *float64   `json:"accuracy_meters" validate:"omitempty,gte=0"`
	Method         string     `json:"method" validate:"omitempty,oneof=codigo qrcode facial biometria"`
}

type FenceResultDTO struct {
	ID             string  `json:"id"`
	Label          string  `json:"label"`
	DistanceMeters float64 `json:"distance_meters"`
}

type ReceiptDTO struct {
	RecordID    string          `json:"record_id"`
	EmployeeID  string          `json:"employee_id"`
	NSR         int64           `json:"nsr"`
	Type        string          `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Fingerprint string          `json:"fingerprint"`
	Geofence    *FenceResultDTO `json:"geofence,omitempty"`
}

type PunchDTO struct {
	ID                  string          `json:"id"`
	NSR                 int64           `json:"nsr"`
	EmployeeID          string          `json:"employee_id"`
	Type                string          `json:"type"`
	Timestamp           time.Time       `json:"timestamp"`
	Fingerprint         string          `json:"fingerprint"`
	PreviousFingerprint string          `json:"previous_fingerprint"`
	Latitude            *float64        `json:"latitude,omitempty"`
	Longitude           *float64        `json:"longitude,omitempty"`
	AccuracyMeters      *float64        `json:"accuracy_meters,omitempty"`
	Geofence            *FenceResultDTO `json:"geofence,omitempty"`
	Method              string          `json:"method"`
}

// RejectionDTO is the 422 body for an admission rejection.
type RejectionDTO struct {
	Error   string            `json:"error"`
	Reason  string            `json:"reason"`
	Message string            `json:"message"`
	Allowed []string          `json:"allowed,omitempty"`
	Nearest *GeofenceMatchDTO `json:"nearest,omitempty"`
}

// =============================================================================
// DAYS AND HOURS
// =============================================================================

type DayStatusDTO struct {
	EmployeeID   string          `json:"employee_id"`
	Date         string          `json:"date"`
	Complete     bool            `json:"complete"`
	Incomplete   bool            `json:"incomplete"`
	Punches      []PunchDTO      `json:"punches"`
	Missing      []string        `json:"missing"`
	NextAllowed  []string        `json:"next_allowed"`
	ClosedReason string          `json:"closed_reason,omitempty"`
	WorkedHours  decimal.Decimal `json:"worked_hours"`
	BreakHours   decimal.Decimal `json:"break_hours"`
}

type DayHoursDTO struct {
	Date        string          `json:"date"`
	Punches     int             `json:"punches"`
	WorkedHours decimal.Decimal `json:"worked_hours"`
	BreakHours  decimal.Decimal `json:"break_hours"`
	Incomplete  bool            `json:"incomplete"`
}

type PunchCountDTO struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type HoursDTO struct {
	EmployeeID     string          `json:"employee_id"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	TotalHours     decimal.Decimal `json:"total_hours"`
	Days           []DayHoursDTO   `json:"days"`
	IncompleteDays []string        `json:"incomplete_days"`
}

// =============================================================================
// INTEGRITY
// =============================================================================

type VerificationDTO struct {
	NSR    int64  `json:"nsr"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type IntegrityReportDTO struct {
	From       int64             `json:"from"`
	To         int64             `json:"to"`
	Checked    int               `json:"checked"`
	OK         bool              `json:"ok"`
	Tampered   []int64           `json:"tampered"`
	Missing    []int64           `json:"missing"`
	Violations []VerificationDTO `json:"violations"`
}

type RecordVerificationDTO struct {
	VerificationDTO
	Record PunchDTO `json:"record"`
}

// ErrorResponse is the body of every non-rejection error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEmployeeDTO(e *punch.Employee) EmployeeDTO {
	dto := EmployeeDTO{
		ID:               string(e.ID),
		Name:             e.Name,
		LocationRequired: e.LocationRequired(),
		Geofences:        make([]GeofenceDTO, 0, len(e.Geofences)),
	}
	for _, f := range e.Geofences {
		dto.Geofences = append(dto.Geofences, toGeofenceDTO(f))
	}
	return dto
}

func toGeofenceDTO(f geo.Geofence) GeofenceDTO {
	return GeofenceDTO{
		ID:           f.ID,
		Label:        f.Label,
		Latitude:     f.Center.Latitude,
		Longitude:    f.Center.Longitude,
		RadiusMeters: f.RadiusMeters,
	}
}

func toMatchDTO(m geo.Match) GeofenceMatchDTO {
	return GeofenceMatchDTO{
		Geofence:       toGeofenceDTO(m.Fence),
		DistanceMeters: m.DistanceMeters,
		Distance:       geo.FormatDistance(m.DistanceMeters),
		Within:         m.Within,
	}
}

func toFenceResultDTO(f *punch.FenceResult) *FenceResultDTO {
	if f == nil {
		return nil
	}
	return &FenceResultDTO{ID: f.ID, Label: f.Label, DistanceMeters: f.DistanceMeters}
}

func NewReceiptDTO(r *punch.Receipt) ReceiptDTO {
	return ReceiptDTO{
		RecordID:    r.RecordID,
		EmployeeID:  string(r.EmployeeID),
		NSR:         r.SequenceNumber,
		Type:        string(r.Type),
		Timestamp:   r.Timestamp,
		Fingerprint: r.Fingerprint,
		Geofence:    toFenceResultDTO(r.Geofence),
	}
}

func NewPunchDTO(r punch.Record) PunchDTO {
	dto := PunchDTO{
		ID:                  r.ID,
		NSR:                 r.SequenceNumber,
		EmployeeID:          string(r.EmployeeID),
		Type:                string(r.Type),
		Timestamp:           r.Timestamp,
		Fingerprint:         r.Fingerprint,
		PreviousFingerprint: r.PreviousFingerprint,
		AccuracyMeters:      r.AccuracyMeters,
		Geofence:            toFenceResultDTO(r.Geofence),
		Method:              string(r.Method),
	}
	if r.Coordinates != nil {
		lat, lng := r.Coordinates.Latitude, r.Coordinates.Longitude
		dto.Latitude, dto.Longitude = &lat, &lng
	}
	return dto
}

func NewPunchDTOs(records []punch.Record) []PunchDTO {
	out := make([]PunchDTO, 0, len(records))
	for _, r := range records {
		out = append(out, NewPunchDTO(r))
	}
	return out
}

func typeStrings(types []punch.Type) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

func NewRejectionDTO(rej *punch.Rejection) RejectionDTO {
	dto := RejectionDTO{
		Error:   "punch rejected",
		Reason:  string(rej.Reason),
		Message: rej.Message,
	}
	if len(rej.Allowed) > 0 {
		dto.Allowed = typeStrings(rej.Allowed)
	}
	if rej.Nearest != nil {
		m := toMatchDTO(*rej.Nearest)
		dto.Nearest = &m
	}
	return dto
}

func NewDayStatusDTO(s *punch.DayStatus) DayStatusDTO {
	dto := DayStatusDTO{
		EmployeeID:  string(s.EmployeeID),
		Date:        s.Date,
		Complete:    s.Complete,
		Incomplete:  s.Summary.Incomplete,
		Punches:     NewPunchDTOs(s.Punches),
		Missing:     typeStrings(s.Missing),
		NextAllowed: typeStrings(s.Next),
		WorkedHours: s.Summary.HoursRounded(),
		BreakHours:  s.Summary.BreakHours().Round(2),
	}
	if s.Closed != nil {
		dto.ClosedReason = string(s.Closed.Reason)
	}
	return dto
}

func NewHoursDTO(p punch.PeriodSummary) HoursDTO {
	dto := HoursDTO{
		EmployeeID:     string(p.EmployeeID),
		From:           p.From,
		To:             p.To,
		TotalHours:     p.HoursRounded(),
		Days:           make([]DayHoursDTO, 0, len(p.Days)),
		IncompleteDays: p.IncompleteDays,
	}
	if dto.IncompleteDays == nil {
		dto.IncompleteDays = []string{}
	}
	for _, d := range p.Days {
		dto.Days = append(dto.Days, DayHoursDTO{
			Date:        d.Date,
			Punches:     d.Punches,
			WorkedHours: d.HoursRounded(),
			BreakHours:  d.BreakHours().Round(2),
			Incomplete:  d.Incomplete,
		})
	}
	return dto
}

func NewIntegrityReportDTO(r *punch.IntegrityReport) IntegrityReportDTO {
	dto := IntegrityReportDTO{
		From:       r.From,
		To:         r.To,
		Checked:    len(r.Entries),
		OK:         r.OK(),
		Tampered:   []int64{},
		Missing:    []int64{},
		Violations: []VerificationDTO{},
	}
	for _, e := range r.Entries {
		switch e.Status {
		case punch.StatusTampered:
			dto.Tampered = append(dto.Tampered, e.SequenceNumber)
		case punch.StatusMissing:
			dto.Missing = append(dto.Missing, e.SequenceNumber)
		default:
			continue
		}
		dto.Violations = append(dto.Violations, VerificationDTO{NSR: e.SequenceNumber, Status: string(e.Status), Detail: e.Detail})
	}
	return dto
}
