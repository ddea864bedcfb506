/*
handlers.go - HTTP API handlers for the time punch ledger

PURPOSE:
  Exposes the punch ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the punch package.

ENDPOINTS:
  Employees:
    POST   /api/employees                     Create or rename employee
    GET    /api/employees/{id}                Get employee with fences
    POST   /api/employees/{id}/geofences      Assign a fence
    GET    /api/employees/{id}/geofences      Assigned fences (?lat=&lng= ranks by distance)

  Punches:
    POST   /api/employees/{id}/punches        Record a punch (201 receipt / 422 rejection)
    GET    /api/employees/{id}/punches        Punches of one day (?date=) or days (?from=&to=),
                                              filtered by ?method= and ?unfenced=true
    GET    /api/punches/count                 Punches of all employees on ?date=
    GET    /api/employees/{id}/days/{date}    Day status: missing, next, hours
    GET    /api/employees/{id}/hours          Hours over ?from=&to= (inclusive days)

  Geofences:
    POST   /api/geofences                     Create or replace a fence
    GET    /api/geofences                     List fences

  Audit:
    GET    /api/ledger/verify                 Verify NSR range (?from=&to=)
    GET    /api/punches/{nsr}/verify          Verify one record

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Ledger: the append-only punch ledger (writes and reports)
  - Roster: employees and geofences (reference data)
  - Engine: geofence engine for the ranking endpoint

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Employee, fence or record not found
  - 409: Concurrency conflict after retries, duplicate record
  - 422: Admission rejection (RejectionDTO with reason code)
  - 500: Internal errors (logged, never detailed to the client)

SECURITY NOTE:
  No authentication. Employee identity comes from the URL; put the service
  behind an authenticating proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/punch"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Ledger *punch.Ledger
	Roster punch.Roster
	Engine geo.Engine
	Log    *zap.Logger
}

// NewHandler creates a handler. The ledger and roster are required.
func NewHandler(ledger *punch.Ledger, roster punch.Roster, engine geo.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Ledger: ledger,
		Roster: roster,
		Engine: engine,
		Log:    log.Named("api"),
	}
}

// =============================================================================
// EMPLOYEE ENDPOINTS
// =============================================================================

// CreateEmployee creates an employee, or renames an existing one.
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	id := punch.EmployeeID(req.ID)
	if err := h.Roster.SaveEmployee(r.Context(), punch.Employee{ID: id, Name: req.Name}); err != nil {
		h.writeDomainError(w, r, "Failed to save employee", err)
		return
	}

	emp, err := h.Roster.Employee(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(emp))
}

// GetEmployee returns an employee with its assigned fences.
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Roster.Employee(r.Context(), employeeID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp))
}

// AssignGeofence links an existing fence to an employee.
func (h *Handler) AssignGeofence(w http.ResponseWriter, r *http.Request) {
	var req AssignGeofenceRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	id := employeeID(r)
	if err := h.Roster.AssignGeofence(r.Context(), id, req.GeofenceID); err != nil {
		h.writeDomainError(w, r, "Failed to assign geofence", err)
		return
	}

	emp, err := h.Roster.Employee(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp))
}

// ListEmployeeGeofences returns the employee's fences. With ?lat=&lng= the
// fences are ranked nearest first with distances.
func (h *Handler) ListEmployeeGeofences(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Roster.Employee(r.Context(), employeeID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get employee", err)
		return
	}

	q := r.URL.Query()
	if q.Get("lat") == "" && q.Get("lng") == "" {
		fences := make([]GeofenceDTO, 0, len(emp.Geofences))
		for _, f := range emp.Geofences {
			fences = append(fences, toGeofenceDTO(f))
		}
		writeJSON(w, http.StatusOK, fences)
		return
	}

	point, err := parsePoint(q.Get("lat"), q.Get("lng"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid coordinates", err)
		return
	}
	ranked, err := h.Engine.Rank(point, emp.Geofences)
	if err != nil {
		h.writeDomainError(w, r, "Failed to rank geofences", err)
		return
	}
	matches := make([]GeofenceMatchDTO, 0, len(ranked))
	for _, m := range ranked {
		matches = append(matches, toMatchDTO(m))
	}
	writeJSON(w, http.StatusOK, matches)
}

// =============================================================================
// GEOFENCE ENDPOINTS
// =============================================================================

// CreateGeofence creates or replaces a fence.
func (h *Handler) CreateGeofence(w http.ResponseWriter, r *http.Request) {
	var req CreateGeofenceRequest
	if !decodeAndValidate(w, r, &req, false) {
		return
	}

	fence := geo.Geofence{
		ID:           req.ID,
		Label:        req.Label,
		Center:       geo.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude},
		RadiusMeters: req.RadiusMeters,
	}
	if err := h.Roster.SaveGeofence(r.Context(), fence); err != nil {
		h.writeDomainError(w, r, "Failed to save geofence", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGeofenceDTO(fence))
}

// ListGeofences returns every fence ordered by ID.
func (h *Handler) ListGeofences(w http.ResponseWriter, r *http.Request) {
	fences, err := h.Roster.Geofences(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list geofences", err)
		return
	}
	result := make([]GeofenceDTO, 0, len(fences))
	for _, f := range fences {
		result = append(result, toGeofenceDTO(f))
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// PUNCH ENDPOINTS
// =============================================================================

// RecordPunch records one punch. An empty body punches the next legal
// type at the current time without location.
func (h *Handler) RecordPunch(w http.ResponseWriter, r *http.Request) {
	var req PunchRequest
	if !decodeAndValidate(w, r, &req, true) {
		return
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		writeError(w, http.StatusBadRequest, "Validation failed", fmt.Errorf("latitude and longitude must be given together"))
		return
	}

	in := punch.Request{
		EmployeeID:     employeeID(r),
		Type:           punch.Type(req.Type),
		AccuracyMeters: req.AccuracyMeters,
		Method:         punch.Method(req.Method),
		SourceIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}
	if req.Latitude != nil && req.Longitude != nil {
		in.Coordinates = &geo.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}
	}

	receipt, err := h.Ledger.RecordPunch(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, "Failed to record punch", err)
		return
	}
	writeJSON(w, http.StatusCreated, NewReceiptDTO(receipt))
}

// ListPunches returns punches ordered by time over one day (default today)
// or a from..to range, optionally filtered by method or missing fence.
func (h *Handler) ListPunches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := h.dateParam(firstNonEmpty(q.Get("from"), q.Get("date")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	to := from
	if q.Get("to") != "" {
		if to, err = h.dateParam(q.Get("to")); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date", err)
			return
		}
	}
	filter := punch.PunchFilter{Method: punch.Method(q.Get("method"))}
	if v := q.Get("unfenced"); v != "" {
		if filter.Unfenced, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid unfenced flag", err)
			return
		}
	}

	id := employeeID(r)
	if _, err := h.Roster.Employee(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to get employee", err)
		return
	}
	records, err := h.Ledger.FindPunches(r.Context(), id, from, to, filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load punches", err)
		return
	}
	writeJSON(w, http.StatusOK, NewPunchDTOs(records))
}

// CountPunches counts punches of every employee on one day (?date=).
func (h *Handler) CountPunches(w http.ResponseWriter, r *http.Request) {
	date, err := h.dateParam(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	n, err := h.Ledger.CountPunches(r.Context(), date)
	if err != nil {
		h.writeDomainError(w, r, "Failed to count punches", err)
		return
	}
	writeJSON(w, http.StatusOK, PunchCountDTO{Date: punch.DateOf(date, h.Ledger.Location()), Count: n})
}

// DayStatus returns completeness, missing punches, next legal types and hours.
func (h *Handler) DayStatus(w http.ResponseWriter, r *http.Request) {
	date, err := punch.ParseDate(chi.URLParam(r, "date"), h.Ledger.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	id := employeeID(r)
	if _, err := h.Roster.Employee(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to get employee", err)
		return
	}
	status, err := h.Ledger.DayStatus(r.Context(), id, date)
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute day status", err)
		return
	}
	writeJSON(w, http.StatusOK, NewDayStatusDTO(status))
}

// Hours sums worked hours for ?from=&to= (both inclusive, default today).
func (h *Handler) Hours(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := h.dateParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date", err)
		return
	}
	to := from
	if q.Get("to") != "" {
		if to, err = h.dateParam(q.Get("to")); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date", err)
			return
		}
	}

	id := employeeID(r)
	if _, err := h.Roster.Employee(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to get employee", err)
		return
	}
	period, err := h.Ledger.TotalHours(r.Context(), id, from, to)
	if err != nil {
		h.writeDomainError(w, r, "Failed to compute hours", err)
		return
	}
	writeJSON(w, http.StatusOK, NewHoursDTO(period))
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

// VerifyLedger re-verifies NSRs ?from=&to= (defaults: whole ledger).
// Violations are reported in the body with status 200; the audit ran.
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := optionalInt(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from", err)
		return
	}
	to, err := optionalInt(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to", err)
		return
	}

	report, err := h.Ledger.VerifyIntegrity(r.Context(), from, to)
	if err != nil {
		h.writeDomainError(w, r, "Failed to verify ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, NewIntegrityReportDTO(report))
}

// VerifyRecord verifies a single record by NSR.
func (h *Handler) VerifyRecord(w http.ResponseWriter, r *http.Request) {
	nsr, err := strconv.ParseInt(chi.URLParam(r, "nsr"), 10, 64)
	if err != nil || nsr < 1 {
		writeError(w, http.StatusBadRequest, "Invalid NSR", fmt.Errorf("nsr must be a positive integer"))
		return
	}

	v, rec, err := h.Ledger.VerifyRecord(r.Context(), nsr)
	if err != nil {
		h.writeDomainError(w, r, "Failed to verify record", err)
		return
	}
	writeJSON(w, http.StatusOK, RecordVerificationDTO{
		VerificationDTO: VerificationDTO{NSR: v.SequenceNumber, Status: string(v.Status), Detail: v.Detail},
		Record:          NewPunchDTO(*rec),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func employeeID(r *http.Request) punch.EmployeeID {
	return punch.EmployeeID(chi.URLParam(r, "id"))
}

// decodeAndValidate decodes the JSON body into dst and validates it.
// It writes the 400 itself and returns false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func (h *Handler) dateParam(s string) (time.Time, error) {
	if s == "" {
		return h.Ledger.Now().In(h.Ledger.Location()), nil
	}
	return punch.ParseDate(s, h.Ledger.Location())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func optionalInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parsePoint(lat, lng string) (geo.Coordinates, error) {
	if lat == "" || lng == "" {
		return geo.Coordinates{}, fmt.Errorf("lat and lng must be given together")
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return geo.Coordinates{}, fmt.Errorf("lat: %w", err)
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return geo.Coordinates{}, fmt.Errorf("lng: %w", err)
	}
	c := geo.Coordinates{Latitude: la, Longitude: ln}
	return c, c.Validate()
}

// clientIP returns the request's remote host. middleware.RealIP has already
// replaced RemoteAddr with the forwarded address when one was sent.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps punch errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var rej *punch.Rejection
	switch {
	case errors.As(err, &rej):
		writeJSON(w, http.StatusUnprocessableEntity, NewRejectionDTO(rej))
	case punch.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case punch.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, punch.ErrConcurrencyConflict), errors.Is(err, punch.ErrDuplicateRecord):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.Log.Error(message,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, nil)
	}
}
