/*
store.go - Persistence interfaces for the punch ledger

APPEND-ONLY CONTRACT:
  The only write is LedgerTx.Insert, and it only exists inside
  TxStore.WithEmployeeTx. There is no Update or Delete, anywhere.

TRANSACTION UNIT:
  WithEmployeeTx runs one read-check-write unit:
    - holds an employee-scoped lock (or equivalent isolation) so two
      near-simultaneous punches of one employee see each other
    - allocates the NSR from a persisted counter in the same transaction,
      so an abort leaves no gap and a commit never hands the number out again
  Implementations map lock/serialization failures to ErrConcurrencyConflict.

IMPLEMENTATIONS:
  - punch/store/memory.go:      in-memory, for tests
  - store/sqlite/sqlite.go:     SQLite (single writer)
  - store/postgres/postgres.go: PostgreSQL (advisory locks, multi-instance)
*/
package punch

import (
	"context"
	"time"

	"github.com/warp/timeclock/geo"
)

// Directory resolves employees and their assigned fences.
// Returns ErrEmployeeNotFound for unknown IDs.
type Directory interface {
	Employee(ctx context.Context, id EmployeeID) (*Employee, error)
}

// Roster is the write side of the employee directory used by the HTTP API
// and the seed file loader. Employees and fences are reference data, not
// ledger records, so they may be updated.
type Roster interface {
	Directory

	// SaveEmployee creates or renames an employee. Assignments are kept.
	SaveEmployee(ctx context.Context, e Employee) error

	// SaveGeofence creates or replaces a fence by ID.
	SaveGeofence(ctx context.Context, f geo.Geofence) error

	// Geofences lists every fence ordered by ID.
	Geofences(ctx context.Context) ([]geo.Geofence, error)

	// AssignGeofence links a fence to an employee. Assigning twice is a no-op.
	// Returns ErrEmployeeNotFound or ErrGeofenceNotFound.
	AssignGeofence(ctx context.Context, employeeID EmployeeID, fenceID string) error
}

// ChainHead is the last allocated NSR and the fingerprint stored under it.
// For an empty ledger SequenceNumber is 0 and Fingerprint is GenesisFingerprint.
type ChainHead struct {
	SequenceNumber int64
	Fingerprint    string
}

// SequenceAllocator issues NSRs. Only valid inside a write transaction.
type SequenceAllocator interface {
	// NextSequence returns last+1 and persists it as the new last value.
	NextSequence(ctx context.Context) (int64, error)

	// Head returns the current chain head as seen by this transaction.
	Head(ctx context.Context) (ChainHead, error)
}

// Store is the read side of the ledger.
type Store interface {
	// LoadRange returns an employee's punches with from <= timestamp < to,
	// ordered by timestamp then NSR.
	LoadRange(ctx context.Context, employeeID EmployeeID, from, to time.Time) ([]Record, error)

	// LastPunch returns the employee's most recent punch, or nil.
	LastPunch(ctx context.Context, employeeID EmployeeID) (*Record, error)

	// LoadSequenceRange returns records with from <= NSR <= to, ordered by NSR.
	LoadSequenceRange(ctx context.Context, from, to int64) ([]Record, error)

	// CountRange counts punches of every employee with from <= timestamp < to.
	CountRange(ctx context.Context, from, to time.Time) (int, error)

	// GetBySequence returns one record, or ErrRecordNotFound.
	GetBySequence(ctx context.Context, nsr int64) (*Record, error)

	// Head returns the committed chain head.
	Head(ctx context.Context) (ChainHead, error)
}

// LedgerTx is the view of the store inside one write transaction.
type LedgerTx interface {
	SequenceAllocator

	LoadRange(ctx context.Context, employeeID EmployeeID, from, to time.Time) ([]Record, error)
	LastPunch(ctx context.Context, employeeID EmployeeID) (*Record, error)

	// Insert persists a fully stamped record. This is the ONLY write.
	Insert(ctx context.Context, r Record) error
}

// TxStore adds the transactional write unit to Store.
type TxStore interface {
	Store

	// WithEmployeeTx executes fn in one transaction holding the employee lock.
	// If fn returns an error the transaction is rolled back, including the
	// sequence counter.
	WithEmployeeTx(ctx context.Context, employeeID EmployeeID, fn func(LedgerTx) error) error
}
