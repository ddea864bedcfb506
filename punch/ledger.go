/*
ledger.go - TimePunchLedger facade

PURPOSE:
  The only component the rest of the application talks to. Composes the
  admission controller, the sequence allocator, the stamper and the store
  into one RecordPunch call, plus the read paths used by dashboards,
  reports and the justification workflow.

RECORD FLOW:
  1. Validate request, resolve timestamp (ledger clock if omitted)
  2. Look up employee and assigned fences (Directory)
  3. In ONE store transaction holding the employee lock:
       load last punch + today's punches
       admit (rate limit, state machine, geofence)
       allocate NSR, read chain head, stamp fingerprint
       insert
  4. On ErrConcurrencyConflict, retry steps 3 as a whole, bounded, with backoff

A call either records exactly one punch or records nothing.

SEE ALSO:
  - admission.go: the checks in step 3
  - integrity.go: fingerprint and verification
  - store.go:     transaction contract
*/
package punch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/timeclock/clock"
	"github.com/warp/timeclock/geo"
)

// DefaultMaxTries bounds conflict retries of a whole RecordPunch unit.
const DefaultMaxTries = 3

// Observer is notified of ledger outcomes (metrics hook).
type Observer interface {
	PunchRecorded(r Record)
	PunchRejected(reason Reason)
	IntegrityVerified(report *IntegrityReport)
}

type nopObserver struct{}

func (nopObserver) PunchRecorded(Record)               {}
func (nopObserver) PunchRejected(Reason)               {}
func (nopObserver) IntegrityVerified(*IntegrityReport) {}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store     TxStore
	directory Directory
	admission *AdmissionController
	stamper   Stamper

	clock    clock.Clock
	location *time.Location
	log      *zap.Logger
	observer Observer
	maxTries uint
	backoff  func() backoff.BackOff
}

type Option func(*Ledger)

func WithClock(c clock.Clock) Option { return func(l *Ledger) { l.clock = c } }

// WithLocation sets the time zone that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.location = loc
		}
	}
}

func WithMinInterval(d time.Duration) Option {
	return func(l *Ledger) { l.admission.MinInterval = d }
}

func WithGeofenceEngine(e geo.Engine) Option {
	return func(l *Ledger) { l.admission.Geofence = e }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log.Named("punch.ledger")
		}
	}
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		if o != nil {
			l.observer = o
		}
	}
}

// WithMaxTries bounds how many times a conflicting unit is attempted.
func WithMaxTries(n uint) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxTries = n
		}
	}
}

// WithBackOff replaces the retry delay policy (tests use a zero backoff).
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(l *Ledger) { l.backoff = fn }
}

func NewLedger(store TxStore, directory Directory, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		directory: directory,
		admission: NewAdmissionController(DefaultMinInterval, geo.NewEngine(geo.DefaultTolerance)),
		clock:     clock.System{},
		location:  time.UTC,
		log:       zap.NewNop(),
		observer:  nopObserver{},
		maxTries:  DefaultMaxTries,
		backoff:   defaultBackOff,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.admission.MinInterval <= 0 {
		l.admission.MinInterval = DefaultMinInterval
	}
	return l
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return b
}

// Location is the time zone that defines calendar days.
func (l *Ledger) Location() *time.Location { return l.location }

// Now is the ledger clock's current instant.
func (l *Ledger) Now() time.Time { return l.clock.Now() }

// Admission exposes the configured controller (read-only use).
func (l *Ledger) Admission() *AdmissionController { return l.admission }

// =============================================================================
// WRITE PATH
// =============================================================================

// RecordPunch admits and records one punch. Admission failures are returned
// as *Rejection; they are expected outcomes, not faults.
func (l *Ledger) RecordPunch(ctx context.Context, req Request) (*Receipt, error) {
	if req.EmployeeID == "" {
		return nil, fmt.Errorf("%w: employee id is required", ErrInvalidArgument)
	}
	if req.Type != "" && !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPunchType, req.Type)
	}
	if req.Method == "" {
		req.Method = MethodCode
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: unknown punch method %q", ErrInvalidArgument, req.Method)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = l.clock.Now()
	}
	ts = NormalizeTimestamp(ts)

	emp, err := l.directory.Employee(ctx, req.EmployeeID)
	if err != nil {
		return nil, err
	}

	attempt := func() (Record, error) {
		rec, err := l.recordOnce(ctx, *emp, req, ts)
		if err != nil && !IsRetryable(err) {
			return rec, backoff.Permanent(err)
		}
		return rec, err
	}

	rec, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(l.backoff()),
		backoff.WithMaxTries(l.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.log.Warn("punch write conflicted, retrying",
				zap.String("employee_id", string(req.EmployeeID)),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if reason, ok := IsRejection(err); ok {
			l.observer.PunchRejected(reason)
			l.log.Info("punch rejected",
				zap.String("employee_id", string(req.EmployeeID)),
				zap.String("reason", string(reason)),
				zap.Error(err))
		}
		return nil, err
	}

	l.observer.PunchRecorded(rec)
	l.log.Info("punch recorded",
		zap.String("employee_id", string(rec.EmployeeID)),
		zap.String("type", string(rec.Type)),
		zap.Int64("nsr", rec.SequenceNumber),
		zap.Time("timestamp", rec.Timestamp))
	return receiptFor(rec), nil
}

func (l *Ledger) recordOnce(ctx context.Context, emp Employee, req Request, ts time.Time) (Record, error) {
	var rec Record
	err := l.store.WithEmployeeTx(ctx, emp.ID, func(tx LedgerTx) error {
		last, err := tx.LastPunch(ctx, emp.ID)
		if err != nil {
			return err
		}
		dayStart, dayEnd := DayBounds(ts, l.location)
		today, err := tx.LoadRange(ctx, emp.ID, dayStart, dayEnd)
		if err != nil {
			return err
		}

		decision, err := l.admission.Admit(AdmissionInput{
			Employee:    emp,
			Requested:   req.Type,
			Timestamp:   ts,
			Coordinates: req.Coordinates,
			LastPunch:   last,
			Today:       today,
		})
		if err != nil {
			return err
		}

		head, err := tx.Head(ctx)
		if err != nil {
			return err
		}
		nsr, err := tx.NextSequence(ctx)
		if err != nil {
			return err
		}
		if nsr != head.SequenceNumber+1 {
			return fmt.Errorf("%w: allocated nsr %d after head %d", ErrConcurrencyConflict, nsr, head.SequenceNumber)
		}

		rec = Record{
			ID:                  uuid.NewString(),
			EmployeeID:          emp.ID,
			Type:                decision.Type,
			Timestamp:           ts,
			SequenceNumber:      nsr,
			PreviousFingerprint: head.Fingerprint,
			Coordinates:         req.Coordinates,
			AccuracyMeters:      req.AccuracyMeters,
			Geofence:            decision.Fence,
			Method:              req.Method,
			SourceIP:            req.SourceIP,
			UserAgent:           req.UserAgent,
			CreatedAt:           l.clock.Now().UTC(),
		}
		rec.Fingerprint = l.stamper.Stamp(rec, rec.PreviousFingerprint)
		return tx.Insert(ctx, rec)
	})
	return rec, err
}

// =============================================================================
// READ PATHS
// =============================================================================

// DayPunches returns the employee's punches on the calendar day of date.
func (l *Ledger) DayPunches(ctx context.Context, employeeID EmployeeID, date time.Time) ([]Record, error) {
	from, to := DayBounds(date, l.location)
	return l.store.LoadRange(ctx, employeeID, from, to)
}

// IsDayComplete reports whether the day ends in saida.
func (l *Ledger) IsDayComplete(ctx context.Context, employeeID EmployeeID, date time.Time) (bool, error) {
	day, err := l.DayPunches(ctx, employeeID, date)
	if err != nil {
		return false, err
	}
	return IsDayComplete(day), nil
}

// DayStatus is the justification-oriented view of one employee-day.
type DayStatus struct {
	EmployeeID EmployeeID
	Date       string
	Punches    []Record
	Complete   bool
	Missing    []Type
	Next       []Type
	Closed     *Rejection
	Summary    DaySummary
}

func (l *Ledger) DayStatus(ctx context.Context, employeeID EmployeeID, date time.Time) (*DayStatus, error) {
	day, err := l.DayPunches(ctx, employeeID, date)
	if err != nil {
		return nil, err
	}

	status := &DayStatus{
		EmployeeID: employeeID,
		Date:       DateOf(date, l.location),
		Punches:    day,
		Complete:   IsDayComplete(day),
		Missing:    MissingPunches(day),
		Summary:    CalculateDay(day),
	}
	status.Summary.Date = status.Date

	next, err := NextAllowed(day)
	var rej *Rejection
	switch {
	case err == nil:
		status.Next = next
	case errors.As(err, &rej):
		status.Closed = rej
	default:
		return nil, err
	}
	return status, nil
}

// TotalHours sums worked hours over the calendar days from..to inclusive.
func (l *Ledger) TotalHours(ctx context.Context, employeeID EmployeeID, from, to time.Time) (PeriodSummary, error) {
	start, _ := DayBounds(from, l.location)
	_, end := DayBounds(to, l.location)
	if !start.Before(end) {
		return PeriodSummary{}, fmt.Errorf("%w: period ends before it starts", ErrInvalidArgument)
	}

	records, err := l.store.LoadRange(ctx, employeeID, start, end)
	if err != nil {
		return PeriodSummary{}, err
	}
	period := CalculatePeriod(records, l.location)
	period.EmployeeID = employeeID
	period.From = DateOf(from, l.location)
	period.To = DateOf(to, l.location)
	return period, nil
}

// PunchFilter narrows FindPunches. The zero value matches every punch.
type PunchFilter struct {
	Method Method
	// Unfenced keeps only punches admitted without a geofence match.
	Unfenced bool
}

func (f PunchFilter) Match(r Record) bool {
	if f.Method != "" && r.Method != f.Method {
		return false
	}
	if f.Unfenced && r.Geofence != nil {
		return false
	}
	return true
}

// FindPunches returns the employee's punches over the calendar days
// from..to inclusive that match f.
func (l *Ledger) FindPunches(ctx context.Context, employeeID EmployeeID, from, to time.Time, f PunchFilter) ([]Record, error) {
	if f.Method != "" && !f.Method.Valid() {
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidArgument, f.Method)
	}
	start, _ := DayBounds(from, l.location)
	_, end := DayBounds(to, l.location)
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: period ends before it starts", ErrInvalidArgument)
	}

	records, err := l.store.LoadRange(ctx, employeeID, start, end)
	if err != nil {
		return nil, err
	}
	matched := records[:0]
	for _, r := range records {
		if f.Match(r) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// CountPunches counts the punches of every employee on the calendar day of date.
func (l *Ledger) CountPunches(ctx context.Context, date time.Time) (int, error) {
	from, to := DayBounds(date, l.location)
	return l.store.CountRange(ctx, from, to)
}

// CanPunch applies only the rate limit against the latest persisted punch.
func (l *Ledger) CanPunch(ctx context.Context, employeeID EmployeeID, at time.Time) (bool, error) {
	last, err := l.store.LastPunch(ctx, employeeID)
	if err != nil {
		return false, err
	}
	return l.admission.CanPunch(last, NormalizeTimestamp(at)), nil
}

// =============================================================================
// AUDIT
// =============================================================================

// Head returns the committed chain head.
func (l *Ledger) Head(ctx context.Context) (ChainHead, error) {
	return l.store.Head(ctx)
}

// VerifyIntegrity recomputes fingerprints for NSRs from..to (inclusive) and
// checks the chain links and the absence of gaps. Non-positive bounds mean
// "start of ledger" and "head". Violations are reported, never corrected;
// use report.Err() to turn them into an error.
func (l *Ledger) VerifyIntegrity(ctx context.Context, from, to int64) (*IntegrityReport, error) {
	head, err := l.store.Head(ctx)
	if err != nil {
		return nil, err
	}
	if from < 1 {
		from = 1
	}
	if to <= 0 || to > head.SequenceNumber {
		to = head.SequenceNumber
	}
	if head.SequenceNumber == 0 || from > to {
		report := &IntegrityReport{From: from, To: to}
		l.observer.IntegrityVerified(report)
		return report, nil
	}

	anchor := GenesisFingerprint
	if from > 1 {
		prev, err := l.store.GetBySequence(ctx, from-1)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			anchor = ""
		case err != nil:
			return nil, err
		default:
			anchor = prev.Fingerprint
		}
	}

	records, err := l.store.LoadSequenceRange(ctx, from, to)
	if err != nil {
		return nil, err
	}

	report := verifyChain(l.stamper, records, from, to, anchor)
	l.observer.IntegrityVerified(report)
	if verr := report.Err(); verr != nil {
		l.log.Error("ledger integrity violation",
			zap.Int64("from", from), zap.Int64("to", to), zap.Error(verr))
	}
	return report, nil
}

// VerifyRecord checks a single record and its link to the previous one.
func (l *Ledger) VerifyRecord(ctx context.Context, nsr int64) (Verification, *Record, error) {
	rec, err := l.store.GetBySequence(ctx, nsr)
	if err != nil {
		return Verification{}, nil, err
	}

	anchor := GenesisFingerprint
	if nsr > 1 {
		prev, err := l.store.GetBySequence(ctx, nsr-1)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			anchor = ""
		case err != nil:
			return Verification{}, nil, err
		default:
			anchor = prev.Fingerprint
		}
	}

	report := verifyChain(l.stamper, []Record{*rec}, nsr, nsr, anchor)
	return report.Entries[0], rec, nil
}
