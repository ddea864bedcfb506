/*
Package sqlite provides a SQLite-backed implementation of the punch storage interfaces.

PURPOSE:
  Implements punch.TxStore (the ledger) and punch.Roster (employees and
  geofences) on a single SQLite database. This is the default store for a
  single-instance deployment; store/postgres serves multi-instance setups.

APPEND-ONLY ENFORCEMENT:
  - The Go code never issues UPDATE or DELETE against time_punches
  - BEFORE UPDATE / BEFORE DELETE triggers abort any attempt from outside
  - Corrections are new records created by the justification workflow

KEY TABLES:
  time_punches:       Immutable ledger, one row per punch
  ledger_sequence:    Single row holding the last allocated NSR
  employees:          Directory entries
  geofences:          Authorized locations
  employee_geofences: Fence assignments

SEQUENCE ALLOCATION:
  NextSequence runs UPDATE ledger_sequence ... RETURNING inside the same
  transaction as the insert. A rolled-back unit rolls back the counter too,
  so aborted punches never leave a gap.

CONCURRENCY:
  SQLite has a single writer. Transactions are opened with BEGIN IMMEDIATE
  (_txlock=immediate) and the pool is limited to one connection; an
  in-process mutex serializes WithEmployeeTx against readers. SQLITE_BUSY
  and SQLITE_LOCKED from other processes map to punch.ErrConcurrencyConflict.

USAGE:
  store, err := sqlite.New("./data/timeclock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := punch.NewLedger(store, store)

SEE ALSO:
  - punch/store.go:        Interface definitions
  - punch/store/memory.go: In-memory implementation for testing
  - store/postgres:        Multi-instance implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/punch"
)

// Store implements punch.TxStore and punch.Roster using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" is per-connection, and SQLite has one writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Punch ledger (append-only)
	CREATE TABLE IF NOT EXISTS time_punches (
		id TEXT PRIMARY KEY,
		nsr INTEGER NOT NULL UNIQUE,
		employee_id TEXT NOT NULL,
		punch_type TEXT NOT NULL
			CHECK (punch_type IN ('entrada', 'saida_intervalo', 'volta_intervalo', 'saida')),
		punched_at TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		previous_fingerprint TEXT NOT NULL,
		latitude REAL,
		longitude REAL,
		accuracy_meters REAL,
		geofence_id TEXT,
		geofence_label TEXT,
		geofence_distance_meters REAL,
		method TEXT NOT NULL,
		source_ip TEXT,
		user_agent TEXT,
		created_at TEXT NOT NULL
	);

	-- Day queries and last punch lookup (hot path)
	CREATE INDEX IF NOT EXISTS idx_time_punches_employee_time
		ON time_punches(employee_id, punched_at, nsr);

	CREATE TRIGGER IF NOT EXISTS trg_time_punches_no_update
		BEFORE UPDATE ON time_punches
		BEGIN SELECT RAISE(ABORT, 'time_punches is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS trg_time_punches_no_delete
		BEFORE DELETE ON time_punches
		BEGIN SELECT RAISE(ABORT, 'time_punches is append-only'); END;

	-- NSR counter, single row
	CREATE TABLE IF NOT EXISTS ledger_sequence (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_nsr INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO ledger_sequence (id, last_nsr) VALUES (1, 0);

	-- Employees
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Geofences
	CREATE TABLE IF NOT EXISTS geofences (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		radius_meters REAL NOT NULL CHECK (radius_meters >= 0),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS employee_geofences (
		employee_id TEXT NOT NULL REFERENCES employees(id),
		geofence_id TEXT NOT NULL REFERENCES geofences(id),
		PRIMARY KEY (employee_id, geofence_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const punchColumns = `
	id, nsr, employee_id, punch_type, punched_at, fingerprint, previous_fingerprint,
	latitude, longitude, accuracy_meters, geofence_id, geofence_label, geofence_distance_meters,
	method, source_ip, user_agent, created_at`

// =============================================================================
// LEDGER READS (punch.Store interface)
// =============================================================================

// LoadRange returns an employee's punches with from <= punched_at < to.
func (s *Store) LoadRange(ctx context.Context, employeeID punch.EmployeeID, from, to time.Time) ([]punch.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadRange(ctx, s.db, employeeID, from, to)
}

// LastPunch returns the employee's most recent punch, or nil.
func (s *Store) LastPunch(ctx context.Context, employeeID punch.EmployeeID) (*punch.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastPunch(ctx, s.db, employeeID)
}

// LoadSequenceRange returns records with from <= nsr <= to, in NSR order.
func (s *Store) LoadSequenceRange(ctx context.Context, from, to int64) ([]punch.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT` + punchColumns + `
		FROM time_punches
		WHERE nsr >= ? AND nsr <= ?
		ORDER BY nsr ASC`
	return queryPunches(ctx, s.db, query, from, to)
}

// CountRange counts punches of every employee with from <= punched_at < to.
func (s *Store) CountRange(ctx context.Context, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM time_punches WHERE punched_at >= ? AND punched_at < ?",
		formatTime(from), formatTime(to),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count punches: %w", mapError(err))
	}
	return n, nil
}

// GetBySequence returns one record by NSR.
func (s *Store) GetBySequence(ctx context.Context, nsr int64) (*punch.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT` + punchColumns + ` FROM time_punches WHERE nsr = ?`
	r, err := scanPunch(s.db.QueryRowContext(ctx, query, nsr))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: nsr %d", punch.ErrRecordNotFound, nsr)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Head returns the committed chain head.
func (s *Store) Head(ctx context.Context) (punch.ChainHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return head(ctx, s.db)
}

func loadRange(ctx context.Context, db dbtx, employeeID punch.EmployeeID, from, to time.Time) ([]punch.Record, error) {
	query := `SELECT` + punchColumns + `
		FROM time_punches
		WHERE employee_id = ? AND punched_at >= ? AND punched_at < ?
		ORDER BY punched_at ASC, nsr ASC`
	return queryPunches(ctx, db, query, employeeID, formatTime(from), formatTime(to))
}

func lastPunch(ctx context.Context, db dbtx, employeeID punch.EmployeeID) (*punch.Record, error) {
	query := `SELECT` + punchColumns + `
		FROM time_punches
		WHERE employee_id = ?
		ORDER BY punched_at DESC, nsr DESC
		LIMIT 1`
	r, err := scanPunch(db.QueryRowContext(ctx, query, employeeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func head(ctx context.Context, db dbtx) (punch.ChainHead, error) {
	var last int64
	if err := db.QueryRowContext(ctx, "SELECT last_nsr FROM ledger_sequence WHERE id = 1").Scan(&last); err != nil {
		return punch.ChainHead{}, fmt.Errorf("failed to read ledger sequence: %w", mapError(err))
	}
	if last == 0 {
		return punch.ChainHead{Fingerprint: punch.GenesisFingerprint}, nil
	}

	h := punch.ChainHead{SequenceNumber: last}
	err := db.QueryRowContext(ctx, "SELECT fingerprint FROM time_punches WHERE nsr = ?", last).Scan(&h.Fingerprint)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return punch.ChainHead{}, mapError(err)
	}
	return h, nil
}

// =============================================================================
// TRANSACTIONAL STORE (punch.TxStore interface)
// =============================================================================

// WithEmployeeTx executes fn within one database transaction.
// SQLite has a single writer, so the employee lock is the write lock.
func (s *Store) WithEmployeeTx(ctx context.Context, _ punch.EmployeeID, fn func(punch.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit punch: %w", mapError(err))
	}
	return nil
}

// txStore routes every read through the open transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LoadRange(ctx context.Context, employeeID punch.EmployeeID, from, to time.Time) ([]punch.Record, error) {
	return loadRange(ctx, ts.tx, employeeID, from, to)
}

func (ts *txStore) LastPunch(ctx context.Context, employeeID punch.EmployeeID) (*punch.Record, error) {
	return lastPunch(ctx, ts.tx, employeeID)
}

func (ts *txStore) Head(ctx context.Context) (punch.ChainHead, error) {
	return head(ctx, ts.tx)
}

func (ts *txStore) NextSequence(ctx context.Context) (int64, error) {
	var nsr int64
	err := ts.tx.QueryRowContext(ctx,
		"UPDATE ledger_sequence SET last_nsr = last_nsr + 1 WHERE id = 1 RETURNING last_nsr",
	).Scan(&nsr)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate nsr: %w", mapError(err))
	}
	return nsr, nil
}

func (ts *txStore) Insert(ctx context.Context, r punch.Record) error {
	query := `
		INSERT INTO time_punches (` + punchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var lat, lng, fenceDistance sql.NullFloat64
	var fenceID, fenceLabel sql.NullString
	if r.Coordinates != nil {
		lat = sql.NullFloat64{Float64: r.Coordinates.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: r.Coordinates.Longitude, Valid: true}
	}
	if r.Geofence != nil {
		fenceID = nullString(r.Geofence.ID)
		fenceLabel = nullString(r.Geofence.Label)
		fenceDistance = sql.NullFloat64{Float64: r.Geofence.DistanceMeters, Valid: true}
	}

	_, err := ts.tx.ExecContext(ctx, query,
		r.ID,
		r.SequenceNumber,
		r.EmployeeID,
		r.Type,
		formatTime(r.Timestamp),
		r.Fingerprint,
		r.PreviousFingerprint,
		lat, lng, nullFloat(r.AccuracyMeters),
		fenceID, fenceLabel, fenceDistance,
		r.Method,
		nullString(r.SourceIP),
		nullString(r.UserAgent),
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert punch: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func queryPunches(ctx context.Context, db dbtx, query string, args ...any) ([]punch.Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query punches: %w", mapError(err))
	}
	defer rows.Close()

	var records []punch.Record
	for rows.Next() {
		r, err := scanPunch(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanPunch(row rowScanner) (punch.Record, error) {
	var (
		r                    punch.Record
		punchedAt, createdAt string
		lat, lng, accuracy   sql.NullFloat64
		fenceID, fenceLabel  sql.NullString
		fenceDistance        sql.NullFloat64
		sourceIP, userAgent  sql.NullString
	)

	err := row.Scan(
		&r.ID, &r.SequenceNumber, &r.EmployeeID, &r.Type, &punchedAt,
		&r.Fingerprint, &r.PreviousFingerprint,
		&lat, &lng, &accuracy, &fenceID, &fenceLabel, &fenceDistance,
		&r.Method, &sourceIP, &userAgent, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("failed to scan punch: %w", err)
	}

	if r.Timestamp, err = time.Parse(punch.TimestampLayout, punchedAt); err != nil {
		return r, fmt.Errorf("failed to parse punched_at for nsr %d: %w", r.SequenceNumber, err)
	}
	if r.CreatedAt, err = time.Parse(punch.TimestampLayout, createdAt); err != nil {
		return r, fmt.Errorf("failed to parse created_at for nsr %d: %w", r.SequenceNumber, err)
	}
	if lat.Valid && lng.Valid {
		r.Coordinates = &geo.Coordinates{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	if accuracy.Valid {
		v := accuracy.Float64
		r.AccuracyMeters = &v
	}
	if fenceID.Valid {
		r.Geofence = &punch.FenceResult{ID: fenceID.String, Label: fenceLabel.String, DistanceMeters: fenceDistance.Float64}
	}
	r.SourceIP = sourceIP.String
	r.UserAgent = userAgent.String
	return r, nil
}

// =============================================================================
// ROSTER (punch.Roster interface)
// =============================================================================

// Employee returns an employee with the assigned fences.
func (s *Store) Employee(ctx context.Context, id punch.EmployeeID) (*punch.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	emp := punch.Employee{ID: id}
	err := s.db.QueryRowContext(ctx, "SELECT name FROM employees WHERE id = ?", id).Scan(&emp.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", punch.ErrEmployeeNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	fences, err := s.queryGeofences(ctx, `
		SELECT g.id, g.label, g.latitude, g.longitude, g.radius_meters
		FROM geofences g
		JOIN employee_geofences eg ON eg.geofence_id = g.id
		WHERE eg.employee_id = ?
		ORDER BY g.id`, id)
	if err != nil {
		return nil, err
	}
	emp.Geofences = fences
	return &emp, nil
}

// SaveEmployee creates or renames an employee.
func (s *Store) SaveEmployee(ctx context.Context, emp punch.Employee) error {
	if emp.ID == "" {
		return fmt.Errorf("%w: employee id is required", punch.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO employees (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`
	_, err := s.db.ExecContext(ctx, query, emp.ID, emp.Name, formatTime(time.Now()))
	return err
}

// SaveGeofence creates or replaces a fence.
func (s *Store) SaveGeofence(ctx context.Context, f geo.Geofence) error {
	if f.ID == "" {
		return fmt.Errorf("%w: geofence id is required", punch.ErrInvalidArgument)
	}
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO geofences (id, label, latitude, longitude, radius_meters, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			radius_meters = excluded.radius_meters
	`
	_, err := s.db.ExecContext(ctx, query,
		f.ID, f.Label, f.Center.Latitude, f.Center.Longitude, f.RadiusMeters, formatTime(time.Now()))
	return err
}

// Geofences lists every fence.
func (s *Store) Geofences(ctx context.Context) ([]geo.Geofence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryGeofences(ctx, `
		SELECT id, label, latitude, longitude, radius_meters
		FROM geofences ORDER BY id`)
}

// AssignGeofence links a fence to an employee.
func (s *Store) AssignGeofence(ctx context.Context, employeeID punch.EmployeeID, fenceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM employees WHERE id = ?", employeeID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", punch.ErrEmployeeNotFound, employeeID)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM geofences WHERE id = ?", fenceID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", punch.ErrGeofenceNotFound, fenceID)
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO employee_geofences (employee_id, geofence_id) VALUES (?, ?)",
		employeeID, fenceID)
	return err
}

func (s *Store) queryGeofences(ctx context.Context, query string, args ...any) ([]geo.Geofence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query geofences: %w", err)
	}
	defer rows.Close()

	var fences []geo.Geofence
	for rows.Next() {
		var f geo.Geofence
		if err := rows.Scan(&f.ID, &f.Label, &f.Center.Latitude, &f.Center.Longitude, &f.RadiusMeters); err != nil {
			return nil, fmt.Errorf("failed to scan geofence: %w", err)
		}
		fences = append(fences, f)
	}
	return fences, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return punch.NormalizeTimestamp(t).Format(punch.TimestampLayout)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// mapError translates driver errors into punch sentinels.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch {
	case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", punch.ErrConcurrencyConflict, err)
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %v", punch.ErrDuplicateRecord, err)
	}
	return err
}
