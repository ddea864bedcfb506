/*
Package postgres provides a PostgreSQL-backed implementation of the punch storage interfaces.

PURPOSE:
  Same contract as store/sqlite, for deployments where several server
  instances share one database. Uses pgx connection pooling.

LOCKING:
  WithEmployeeTx opens a READ COMMITTED transaction and takes
    pg_advisory_xact_lock(hashtext('punch:' || employee_id))
  so two punches of one employee serialize while different employees run in
  parallel up to sequence allocation. The ledger_sequence row is then locked
  (SELECT ... FOR UPDATE) before the head is read, which makes NSR allocation
  and chaining a global critical section held until commit.

ERROR MAPPING:
  40001 serialization_failure  -> punch.ErrConcurrencyConflict
  40P01 deadlock_detected      -> punch.ErrConcurrencyConflict
  55P03 lock_not_available     -> punch.ErrConcurrencyConflict
  23505 unique_violation       -> punch.ErrDuplicateRecord

SEE ALSO:
  - store/sqlite/sqlite.go: single-instance implementation
  - punch/store.go:         Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/punch"
)

// Store implements punch.TxStore and punch.Roster using PostgreSQL.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// Options tune the connection pool.
type Options struct {
	MaxConns    int32
	MinConns    int32
	LockTimeout time.Duration
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	store := &Store{pool: pool, lockTimeout: opts.LockTimeout}
	if store.lockTimeout <= 0 {
		store.lockTimeout = 5 * time.Second
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS time_punches (
		id TEXT PRIMARY KEY,
		nsr BIGINT NOT NULL UNIQUE,
		employee_id TEXT NOT NULL,
		punch_type TEXT NOT NULL
			CHECK (punch_type IN ('entrada', 'saida_intervalo', 'volta_intervalo', 'saida')),
		punched_at TIMESTAMPTZ NOT NULL,
		fingerprint CHAR(64) NOT NULL,
		previous_fingerprint TEXT NOT NULL,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		accuracy_meters DOUBLE PRECISION,
		geofence_id TEXT,
		geofence_label TEXT,
		geofence_distance_meters DOUBLE PRECISION,
		method TEXT NOT NULL,
		source_ip TEXT,
		user_agent TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_time_punches_employee_time
		ON time_punches(employee_id, punched_at, nsr);

	CREATE OR REPLACE FUNCTION time_punches_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'time_punches is append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_time_punches_append_only ON time_punches;
	CREATE TRIGGER trg_time_punches_append_only
		BEFORE UPDATE OR DELETE ON time_punches
		FOR EACH ROW EXECUTE FUNCTION time_punches_append_only();

	CREATE TABLE IF NOT EXISTS ledger_sequence (
		id SMALLINT PRIMARY KEY CHECK (id = 1),
		last_nsr BIGINT NOT NULL
	);
	INSERT INTO ledger_sequence (id, last_nsr) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS geofences (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		radius_meters DOUBLE PRECISION NOT NULL CHECK (radius_meters >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS employee_geofences (
		employee_id TEXT NOT NULL REFERENCES employees(id),
		geofence_id TEXT NOT NULL REFERENCES geofences(id),
		PRIMARY KEY (employee_id, geofence_id)
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const punchColumns = `
	id, nsr, employee_id, punch_type, punched_at, fingerprint, previous_fingerprint,
	latitude, longitude, accuracy_meters, geofence_id, geofence_label, geofence_distance_meters,
	method, source_ip, user_agent, created_at`

// =============================================================================
// LEDGER READS
// =============================================================================

func (s *Store) LoadRange(ctx context.Context, employeeID punch.EmployeeID, from, to time.Time) ([]punch.Record, error) {
	return loadRange(ctx, s.pool, employeeID, from, to)
}

func (s *Store) LastPunch(ctx context.Context, employeeID punch.EmployeeID) (*punch.Record, error) {
	return lastPunch(ctx, s.pool, employeeID)
}

func (s *Store) LoadSequenceRange(ctx context.Context, from, to int64) ([]punch.Record, error) {
	return queryPunches(ctx, s.pool, `SELECT`+punchColumns+`
		FROM time_punches WHERE nsr BETWEEN $1 AND $2 ORDER BY nsr`, from, to)
}

func (s *Store) CountRange(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM time_punches WHERE punched_at >= $1 AND punched_at < $2`,
		from.UTC(), to.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count punches: %w", mapError(err))
	}
	return n, nil
}

func (s *Store) GetBySequence(ctx context.Context, nsr int64) (*punch.Record, error) {
	r, err := scanPunch(s.pool.QueryRow(ctx, `SELECT`+punchColumns+` FROM time_punches WHERE nsr = $1`, nsr))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: nsr %d", punch.ErrRecordNotFound, nsr)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) Head(ctx context.Context) (punch.ChainHead, error) {
	return head(ctx, s.pool, false)
}

func loadRange(ctx context.Context, q querier, employeeID punch.EmployeeID, from, to time.Time) ([]punch.Record, error) {
	return queryPunches(ctx, q, `SELECT`+punchColumns+`
		FROM time_punches
		WHERE employee_id = $1 AND punched_at >= $2 AND punched_at < $3
		ORDER BY punched_at, nsr`, string(employeeID), from.UTC(), to.UTC())
}

func lastPunch(ctx context.Context, q querier, employeeID punch.EmployeeID) (*punch.Record, error) {
	r, err := scanPunch(q.QueryRow(ctx, `SELECT`+punchColumns+`
		FROM time_punches
		WHERE employee_id = $1
		ORDER BY punched_at DESC, nsr DESC
		LIMIT 1`, string(employeeID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func head(ctx context.Context, q querier, forUpdate bool) (punch.ChainHead, error) {
	query := "SELECT last_nsr FROM ledger_sequence WHERE id = 1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var last int64
	if err := q.QueryRow(ctx, query).Scan(&last); err != nil {
		return punch.ChainHead{}, fmt.Errorf("failed to read ledger sequence: %w", mapError(err))
	}
	if last == 0 {
		return punch.ChainHead{Fingerprint: punch.GenesisFingerprint}, nil
	}

	h := punch.ChainHead{SequenceNumber: last}
	err := q.QueryRow(ctx, "SELECT fingerprint FROM time_punches WHERE nsr = $1", last).Scan(&h.Fingerprint)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return punch.ChainHead{}, mapError(err)
	}
	return h, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithEmployeeTx runs fn in a transaction holding the employee's advisory lock.
func (s *Store) WithEmployeeTx(ctx context.Context, employeeID punch.EmployeeID, fn func(punch.LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer tx.Rollback(ctx)

	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		return mapError(err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext('punch:' || $1::text))", string(employeeID)); err != nil {
		return fmt.Errorf("failed to lock employee %s: %w", employeeID, mapError(err))
	}

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit punch: %w", mapError(err))
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) LoadRange(ctx context.Context, employeeID punch.EmployeeID, from, to time.Time) ([]punch.Record, error) {
	return loadRange(ctx, ts.tx, employeeID, from, to)
}

func (ts *txStore) LastPunch(ctx context.Context, employeeID punch.EmployeeID) (*punch.Record, error) {
	return lastPunch(ctx, ts.tx, employeeID)
}

// Head locks the sequence row; it is released at commit or rollback.
func (ts *txStore) Head(ctx context.Context) (punch.ChainHead, error) {
	return head(ctx, ts.tx, true)
}

func (ts *txStore) NextSequence(ctx context.Context) (int64, error) {
	var nsr int64
	err := ts.tx.QueryRow(ctx,
		"UPDATE ledger_sequence SET last_nsr = last_nsr + 1 WHERE id = 1 RETURNING last_nsr",
	).Scan(&nsr)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate nsr: %w", mapError(err))
	}
	return nsr, nil
}

func (ts *txStore) Insert(ctx context.Context, r punch.Record) error {
	var lat, lng *float64
	if r.Coordinates != nil {
		lat, lng = &r.Coordinates.Latitude, &r.Coordinates.Longitude
	}
	var fenceID, fenceLabel *string
	var fenceDistance *float64
	if r.Geofence != nil {
		fenceID, fenceLabel, fenceDistance = &r.Geofence.ID, &r.Geofence.Label, &r.Geofence.DistanceMeters
	}

	_, err := ts.tx.Exec(ctx, `
		INSERT INTO time_punches (`+punchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.SequenceNumber, string(r.EmployeeID), string(r.Type), r.Timestamp.UTC(),
		r.Fingerprint, r.PreviousFingerprint,
		lat, lng, r.AccuracyMeters, fenceID, fenceLabel, fenceDistance,
		string(r.Method), optional(r.SourceIP), optional(r.UserAgent), r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert punch: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

func queryPunches(ctx context.Context, q querier, query string, args ...any) ([]punch.Record, error) {
	rows, err := q.Query(ctx, query, args...)
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

func scanPunch(row pgx.Row) (punch.Record, error) {
	var (
		r                       punch.Record
		employeeID, typ, method string
		lat, lng, accuracy      *float64
		fenceID, fenceLabel     *string
		fenceDistance           *float64
		sourceIP, userAgent     *string
	)

	err := row.Scan(
		&r.ID, &r.SequenceNumber, &employeeID, &typ, &r.Timestamp,
		&r.Fingerprint, &r.PreviousFingerprint,
		&lat, &lng, &accuracy, &fenceID, &fenceLabel, &fenceDistance,
		&method, &sourceIP, &userAgent, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("failed to scan punch: %w", err)
	}

	r.EmployeeID = punch.EmployeeID(employeeID)
	r.Type = punch.Type(typ)
	r.Method = punch.Method(method)
	r.Timestamp = r.Timestamp.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	if lat != nil && lng != nil {
		r.Coordinates = &geo.Coordinates{Latitude: *lat, Longitude: *lng}
	}
	r.AccuracyMeters = accuracy
	if fenceID != nil {
		r.Geofence = &punch.FenceResult{ID: *fenceID}
		if fenceLabel != nil {
			r.Geofence.Label = *fenceLabel
		}
		if fenceDistance != nil {
			r.Geofence.DistanceMeters = *fenceDistance
		}
	}
	if sourceIP != nil {
		r.SourceIP = *sourceIP
	}
	if userAgent != nil {
		r.UserAgent = *userAgent
	}
	return r, nil
}

// =============================================================================
// ROSTER
// =============================================================================

func (s *Store) Employee(ctx context.Context, id punch.EmployeeID) (*punch.Employee, error) {
	emp := punch.Employee{ID: id}
	err := s.pool.QueryRow(ctx, "SELECT name FROM employees WHERE id = $1", string(id)).Scan(&emp.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", punch.ErrEmployeeNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	fences, err := s.queryGeofences(ctx, `
		SELECT g.id, g.label, g.latitude, g.longitude, g.radius_meters
		FROM geofences g
		JOIN employee_geofences eg ON eg.geofence_id = g.id
		WHERE eg.employee_id = $1
		ORDER BY g.id`, string(id))
	if err != nil {
		return nil, err
	}
	emp.Geofences = fences
	return &emp, nil
}

func (s *Store) SaveEmployee(ctx context.Context, emp punch.Employee) error {
	if emp.ID == "" {
		return fmt.Errorf("%w: employee id is required", punch.ErrInvalidArgument)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO employees (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		string(emp.ID), emp.Name)
	return err
}

func (s *Store) SaveGeofence(ctx context.Context, f geo.Geofence) error {
	if f.ID == "" {
		return fmt.Errorf("%w: geofence id is required", punch.ErrInvalidArgument)
	}
	if err := f.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO geofences (id, label, latitude, longitude, radius_meters)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			radius_meters = EXCLUDED.radius_meters`,
		f.ID, f.Label, f.Center.Latitude, f.Center.Longitude, f.RadiusMeters)
	return err
}

func (s *Store) Geofences(ctx context.Context) ([]geo.Geofence, error) {
	return s.queryGeofences(ctx, `
		SELECT id, label, latitude, longitude, radius_meters FROM geofences ORDER BY id`)
}

func (s *Store) AssignGeofence(ctx context.Context, employeeID punch.EmployeeID, fenceID string) error {
	var empExists, fenceExists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM employees WHERE id = $1),
		       EXISTS (SELECT 1 FROM geofences WHERE id = $2)`,
		string(employeeID), fenceID).Scan(&empExists, &fenceExists)
	if err != nil {
		return err
	}
	if !empExists {
		return fmt.Errorf("%w: %s", punch.ErrEmployeeNotFound, employeeID)
	}
	if !fenceExists {
		return fmt.Errorf("%w: %s", punch.ErrGeofenceNotFound, fenceID)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO employee_geofences (employee_id, geofence_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, string(employeeID), fenceID)
	return err
}

func (s *Store) queryGeofences(ctx context.Context, query string, args ...any) ([]geo.Geofence, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mapError translates PostgreSQL error codes into punch sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s (%s)", punch.ErrConcurrencyConflict, pgErr.Message, pgErr.Code)
	case "23505":
		return fmt.Errorf("%w: %s", punch.ErrDuplicateRecord, pgErr.Message)
	}
	return err
}
