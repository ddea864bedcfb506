/*
handlers_test.go - HTTP tests for the punch API

Tests for:
- Employee and geofence management
- Punch recording: receipts, rejections (422), validation (400), 404
- Day status and hours
- Ledger verification endpoints
- Health and metrics middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/timeclock/clock"
	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/metrics"
	"github.com/warp/timeclock/punch"
	"github.com/warp/timeclock/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var monday = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

type apiFixture struct {
	router  http.Handler
	clock   *clock.Fake
	store   *sqlite.Store
	ledger  *punch.Ledger
	metrics *metrics.Recorder
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zaptest.NewLogger(t)
	fake := clock.NewFake(monday)
	rec := metrics.NewRecorder()
	engine := geo.NewEngine(geo.DefaultTolerance)
	ledger := punch.NewLedger(store, store,
		punch.WithClock(fake),
		punch.WithGeofenceEngine(engine),
		punch.WithObserver(rec),
		punch.WithLogger(log))

	h := NewHandler(ledger, store, engine, log)
	return &apiFixture{
		router:  NewRouter(h, Options{Metrics: rec, Health: store.Ping}),
		clock:   fake,
		store:   store,
		ledger:  ledger,
		metrics: rec,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kiosk/1.0")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *apiFixture) createEmployee(t *testing.T, id string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/employees", CreateEmployeeRequest{ID: id, Name: "Ana"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (f *apiFixture) punchNow(t *testing.T, id string) ReceiptDTO {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/employees/"+id+"/punches", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ReceiptDTO](t, rec)
}

// fullDay punches 08:00, 12:00, 13:00, 17:00 letting the ledger resolve types.
func (f *apiFixture) fullDay(t *testing.T, id string) []ReceiptDTO {
	t.Helper()
	var receipts []ReceiptDTO
	for _, step := range []time.Duration{0, 4 * time.Hour, time.Hour, 4 * time.Hour} {
		f.clock.Advance(step)
		receipts = append(receipts, f.punchNow(t, id))
	}
	return receipts
}

func ptr(v float64) *float64 { return &v }

// =============================================================================
// EMPLOYEES AND GEOFENCES
// =============================================================================

func TestCreateEmployee(t *testing.T) {
	f := newAPIFixture(t)

	// WHEN: creating then fetching an employee
	f.createEmployee(t, "emp-1")
	rec := f.do(t, http.MethodGet, "/api/employees/emp-1", nil)

	// THEN: location is not required without fences
	require.Equal(t, http.StatusOK, rec.Code)
	emp := decode[EmployeeDTO](t, rec)
	assert.Equal(t, "emp-1", emp.ID)
	assert.Equal(t, "Ana", emp.Name)
	assert.False(t, emp.LocationRequired)
	assert.Empty(t, emp.Geofences)
}

func TestCreateEmployee_Validation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/employees", CreateEmployeeRequest{ID: "emp-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/employees", `{"id":"emp-1","name":"Ana","email":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestGetEmployee_NotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/employees/ghost", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "ghost")
}

func TestGeofences_CreateAssignAndRank(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")

	// GIVEN: two fences, one assigned
	for _, g := range []CreateGeofenceRequest{
		{ID: "hq", Label: "Head office", Latitude: ptr(-23.5614), Longitude: ptr(-46.6559), RadiusMeters: 100},
		{ID: "wh", Label: "Warehouse", Latitude: ptr(-23.6500), Longitude: ptr(-46.7000), RadiusMeters: 200},
	} {
		rec := f.do(t, http.MethodPost, "/api/geofences", g)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodPost, "/api/employees/emp-1/geofences", AssignGeofenceRequest{GeofenceID: "wh"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/api/employees/emp-1/geofences", AssignGeofenceRequest{GeofenceID: "hq"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[EmployeeDTO](t, rec).LocationRequired)

	// WHEN: listing all fences
	rec = f.do(t, http.MethodGet, "/api/geofences", nil)
	fences := decode[[]GeofenceDTO](t, rec)
	require.Len(t, fences, 2)
	assert.Equal(t, "hq", fences[0].ID)

	// WHEN: ranking the employee's fences from the head office
	rec = f.do(t, http.MethodGet, "/api/employees/emp-1/geofences?lat=-23.5614&lng=-46.6559", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	matches := decode[[]GeofenceMatchDTO](t, rec)

	// THEN: nearest first
	require.Len(t, matches, 2)
	assert.Equal(t, "hq", matches[0].Geofence.ID)
	assert.True(t, matches[0].Within)
	assert.InDelta(t, 0, matches[0].DistanceMeters, 0.01)
	assert.False(t, matches[1].Within)
}

func TestGeofences_Errors(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")

	rec := f.do(t, http.MethodPost, "/api/geofences", CreateGeofenceRequest{ID: "x", Label: "X", Latitude: ptr(91), Longitude: ptr(0)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/geofences", `{"id":"x","label":"X","radius_meters":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "center is required")

	rec = f.do(t, http.MethodPost, "/api/employees/emp-1/geofences", AssignGeofenceRequest{GeofenceID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/employees/emp-1/geofences?lat=abc&lng=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PUNCHES
// =============================================================================

func TestRecordPunch_FullDay(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")

	// WHEN: four punches without explicit types
	receipts := f.fullDay(t, "emp-1")

	// THEN: types follow the sequence and NSRs are gapless
	want := []punch.Type{punch.TypeEntrada, punch.TypeSaidaIntervalo, punch.TypeVoltaIntervalo, punch.TypeSaida}
	for i, r := range receipts {
		assert.Equal(t, string(want[i]), r.Type)
		assert.Equal(t, int64(i+1), r.NSR)
		assert.Len(t, r.Fingerprint, 64)
	}

	// AND: the day is complete with 8 worked hours and 1 break hour
	rec := f.do(t, http.MethodGet, "/api/employees/emp-1/days/2025-03-10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	day := decode[DayStatusDTO](t, rec)
	assert.True(t, day.Complete)
	assert.False(t, day.Incomplete)
	assert.Empty(t, day.Missing)
	assert.Empty(t, day.NextAllowed)
	assert.Equal(t, string(punch.ReasonDayComplete), day.ClosedReason)
	assert.True(t, day.WorkedHours.Equal(decimal.NewFromInt(8)), day.WorkedHours.String())
	assert.True(t, day.BreakHours.Equal(decimal.NewFromInt(1)), day.BreakHours.String())

	// AND: the punches list keeps the source metadata
	rec = f.do(t, http.MethodGet, "/api/employees/emp-1/punches?date=2025-03-10", nil)
	punches := decode[[]PunchDTO](t, rec)
	require.Len(t, punches, 4)
	assert.Equal(t, "codigo", punches[0].Method)
	assert.Equal(t, receipts[0].Fingerprint, punches[1].PreviousFingerprint)
}

func TestRecordPunch_Rejections(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")

	// GIVEN: an explicit exit with no entry
	rec := f.do(t, http.MethodPost, "/api/employees/emp-1/punches", PunchRequest{Type: "saida"})

	// THEN: 422 with the allowed types
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	rej := decode[RejectionDTO](t, rec)
	assert.Equal(t, string(punch.ReasonInvalidSequence), rej.Reason)
	assert.Equal(t, []string{"entrada"}, rej.Allowed)

	// GIVEN: a punch, then another 10 seconds later
	f.punchNow(t, "emp-1")
	f.clock.Advance(10 * time.Second)
	rec = f.do(t, http.MethodPost, "/api/employees/emp-1/punches", nil)

	// THEN: rate limited
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(punch.ReasonTooSoon), decode[RejectionDTO](t, rec).Reason)

}

func TestRecordPunch_Geofence(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")
	rec := f.do(t, http.MethodPost, "/api/geofences", CreateGeofenceRequest{
		ID: "hq", Label: "Head office", Latitude: ptr(-23.5614), Longitude: ptr(-46.6559), RadiusMeters: 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/employees/emp-1/geofences", AssignGeofenceRequest{GeofenceID: "hq"})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: punching without location
	rec = f.do(t, http.MethodPost, "/api/employees/emp-1/punches", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(punch.ReasonLocationRequired), decode[RejectionDTO](t, rec).Reason)

	// WHEN: punching from across town
	rec = f.do(t, http.MethodPost, "/api/employees/emp-1/punches", PunchRequest{Latitude: ptr(-23.6000), Longitude: ptr(-46.7000)})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rej := decode[RejectionDTO](t, rec)
	assert.Equal(t, string(punch.ReasonOutsideGeofence), rej.Reason)
	require.NotNil(t, rej.Nearest)
	assert.Equal(t, "hq", rej.Nearest.Geofence.ID)
	assert.Greater(t, rej.Nearest.DistanceMeters, 100.0)

	// WHEN: punching at the office
	rec = f.do(t, http.MethodPost, "/api/employees/emp-1/punches", PunchRequest{
		Latitude: ptr(-23.5614), Longitude: ptr(-46.6559), AccuracyMeters: ptr(8), Method: "facial",
	})

	// THEN: admitted, with the matched fence on the receipt
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	receipt := decode[ReceiptDTO](t, rec)
	require.NotNil(t, receipt.Geofence)
	assert.Equal(t, "hq", receipt.Geofence.ID)
	assert.Equal(t, int64(1), receipt.NSR, "rejections do not consume NSRs")
}

func TestListPunches_RangeAndFilters(t *testing.T) {
	// GIVEN: emp-1 punches by face scan on monday and by code on tuesday;
	// emp-2 punches once on monday
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")
	f.createEmployee(t, "emp-2")
	rec := f.do(t, http.MethodPost, "/api/employees/emp-1/punches", PunchRequest{Method: "facial"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f.punchNow(t, "emp-2")
	f.clock.Advance(24 * time.Hour)
	f.punchNow(t, "emp-1")

	tests := []struct {
		query string
		want  int
	}{
		{"date=2025-03-10", 1},
		{"from=2025-03-10&to=2025-03-11", 2},
		{"from=2025-03-10&to=2025-03-11&method=facial", 1},
		{"from=2025-03-10&to=2025-03-11&method=biometria", 0},
		{"from=2025-03-10&to=2025-03-11&unfenced=true", 2},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/employees/emp-1/punches?"+tt.query, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Len(t, decode[[]PunchDTO](t, rec), tt.want)
		})
	}

	// WHEN: filters are malformed
	for _, query := range []string{"method=telepathy", "unfenced=maybe", "from=2025-03-11&to=2025-03-10"} {
		rec := f.do(t, http.MethodGet, "/api/employees/emp-1/punches?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	// AND: the daily count spans every employee
	rec = f.do(t, http.MethodGet, "/api/punches/count?date=2025-03-10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, PunchCountDTO{Date: "2025-03-10", Count: 2}, decode[PunchCountDTO](t, rec))

	rec = f.do(t, http.MethodGet, "/api/punches/count", nil)
	assert.Equal(t, PunchCountDTO{Date: "2025-03-11", Count: 1}, decode[PunchCountDTO](t, rec))
}

func TestRecordPunch_BadRequests(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")

	tests := []struct {
		name string
		body any
	}{
		{"unknown type", PunchRequest{Type: "lunch"}},
		{"unknown method", PunchRequest{Method: "telepathy"}},
		{"latitude alone", PunchRequest{Latitude: ptr(-23.5)}},
		{"latitude out of range", PunchRequest{Latitude: ptr(-123.5), Longitude: ptr(0)}},
		{"negative accuracy", PunchRequest{Latitude: ptr(0), Longitude: ptr(0), AccuracyMeters: ptr(-1)}},
		{"malformed json", `{"type":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/employees/emp-1/punches", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	head, err := f.ledger.Head(context.Background())
	require.NoError(t, err)
	assert.Zero(t, head.SequenceNumber)
}

func TestRecordPunch_UnknownEmployee(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/employees/ghost/punches", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordPunch_ExplicitTimestamp(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")

	// WHEN: the device sends its own timestamp with sub-second precision
	rec := f.do(t, http.MethodPost, "/api/employees/emp-1/punches", `{"timestamp":"2025-03-10T07:58:30.750-03:00"}`)

	// THEN: it is stored in UTC, truncated to the second
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	receipt := decode[ReceiptDTO](t, rec)
	assert.True(t, receipt.Timestamp.Equal(time.Date(2025, 3, 10, 10, 58, 30, 0, time.UTC)), receipt.Timestamp.String())
}

// =============================================================================
// DAYS AND HOURS
// =============================================================================

func TestDayStatus_Partial(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")
	f.punchNow(t, "emp-1")

	rec := f.do(t, http.MethodGet, "/api/employees/emp-1/days/2025-03-10", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	day := decode[DayStatusDTO](t, rec)
	assert.False(t, day.Complete)
	assert.True(t, day.Incomplete)
	assert.Equal(t, []string{"saida"}, day.Missing)
	assert.Equal(t, []string{"saida_intervalo", "saida"}, day.NextAllowed)
	assert.Empty(t, day.ClosedReason)
}

func TestDayStatus_BadDate(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")

	rec := f.do(t, http.MethodGet, "/api/employees/emp-1/days/10-03-2025", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHours_Period(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")

	// GIVEN: a full Monday and a half Tuesday
	f.fullDay(t, "emp-1")
	f.clock.Set(monday.AddDate(0, 0, 1))
	f.punchNow(t, "emp-1")
	f.clock.Advance(3*time.Hour + 30*time.Minute)
	f.punchNow(t, "emp-1")

	// WHEN: asking for the week
	rec := f.do(t, http.MethodGet, "/api/employees/emp-1/hours?from=2025-03-10&to=2025-03-16", nil)

	// THEN: 8 + 3.5 hours, Tuesday flagged incomplete
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hours := decode[HoursDTO](t, rec)
	assert.True(t, hours.TotalHours.Equal(decimal.RequireFromString("11.5")), hours.TotalHours.String())
	require.Len(t, hours.Days, 2)
	assert.Equal(t, []string{"2025-03-11"}, hours.IncompleteDays)

	// AND: an inverted period is a client error
	rec = f.do(t, http.MethodGet, "/api/employees/emp-1/hours?from=2025-03-16&to=2025-03-10", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// VERIFICATION
// =============================================================================

func TestVerifyLedger(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")
	f.fullDay(t, "emp-1")

	rec := f.do(t, http.MethodGet, "/api/ledger/verify", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[IntegrityReportDTO](t, rec)
	assert.True(t, report.OK)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, int64(1), report.From)
	assert.Equal(t, int64(4), report.To)
	assert.Empty(t, report.Violations)

	rec = f.do(t, http.MethodGet, "/api/ledger/verify?from=2&to=3", nil)
	assert.Equal(t, 2, decode[IntegrityReportDTO](t, rec).Checked)

	rec = f.do(t, http.MethodGet, "/api/ledger/verify?from=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyRecord(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")
	receipts := f.fullDay(t, "emp-1")

	rec := f.do(t, http.MethodGet, "/api/punches/2/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[RecordVerificationDTO](t, rec)
	assert.Equal(t, "ok", v.Status)
	assert.Equal(t, receipts[1].RecordID, v.Record.ID)

	rec = f.do(t, http.MethodGet, "/api/punches/99/verify", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/punches/zero/verify", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// OPERATIONAL ENDPOINTS
// =============================================================================

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, f.store.Close())
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics_RoutePatternAndCounters(t *testing.T) {
	f := newAPIFixture(t)
	f.createEmployee(t, "emp-1")
	f.punchNow(t, "emp-1")
	f.do(t, http.MethodPost, "/api/employees/emp-1/punches", nil) // TOO_SOON

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, `route="/api/employees/{id}/punches"`)
	assert.NotContains(t, body, `route="/api/employees/emp-1/punches"`)
	assert.True(t, strings.Contains(body, `timeclock_punches_rejected_total{reason="TOO_SOON"} 1`), body)
	assert.Contains(t, body, "timeclock_ledger_head_nsr 1")
}
