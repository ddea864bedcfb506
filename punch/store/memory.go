// Package store provides in-memory punch.TxStore and punch.Roster implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/punch"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	records  []punch.Record // NSR order
	bySeq    map[int64]int
	byID     map[string]bool
	sequence int64

	employees map[punch.EmployeeID]*employeeRow
	fences    map[string]geo.Geofence
}

type employeeRow struct {
	name   string
	fences []string
}

func NewMemory() *Memory {
	return &Memory{
		bySeq:     make(map[int64]int),
		byID:      make(map[string]bool),
		employees: make(map[punch.EmployeeID]*employeeRow),
		fences:    make(map[string]geo.Geofence),
	}
}

// =============================================================================
// READ PATHS
// =============================================================================

func (m *Memory) LoadRange(_ context.Context, employeeID punch.EmployeeID, from, to time.Time) ([]punch.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadRangeLocked(employeeID, from, to), nil
}

func (m *Memory) LastPunch(_ context.Context, employeeID punch.EmployeeID) (*punch.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPunchLocked(employeeID), nil
}

func (m *Memory) LoadSequenceRange(_ context.Context, from, to int64) ([]punch.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []punch.Record
	for _, r := range m.records {
		if r.SequenceNumber >= from && r.SequenceNumber <= to {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) CountRange(_ context.Context, from, to time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.records {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetBySequence(_ context.Context, nsr int64) (*punch.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.bySeq[nsr]
	if !ok {
		return nil, fmt.Errorf("%w: nsr %d", punch.ErrRecordNotFound, nsr)
	}
	r := m.records[i]
	return &r, nil
}

func (m *Memory) Head(_ context.Context) (punch.ChainHead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headLocked(), nil
}

func (m *Memory) loadRangeLocked(employeeID punch.EmployeeID, from, to time.Time) []punch.Record {
	var result []punch.Record
	for _, r := range m.records {
		if r.EmployeeID != employeeID {
			continue
		}
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			result = append(result, r)
		}
	}
	punch.SortRecords(result)
	return result
}

func (m *Memory) lastPunchLocked(employeeID punch.EmployeeID) *punch.Record {
	var last *punch.Record
	for i := range m.records {
		r := m.records[i]
		if r.EmployeeID != employeeID {
			continue
		}
		if last == nil || r.Timestamp.After(last.Timestamp) ||
			(r.Timestamp.Equal(last.Timestamp) && r.SequenceNumber > last.SequenceNumber) {
			last = &r
		}
	}
	return last
}

func (m *Memory) headLocked() punch.ChainHead {
	if m.sequence == 0 {
		return punch.ChainHead{Fingerprint: punch.GenesisFingerprint}
	}
	head := punch.ChainHead{SequenceNumber: m.sequence}
	if i, ok := m.bySeq[m.sequence]; ok {
		head.Fingerprint = m.records[i].Fingerprint
	}
	return head
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithEmployeeTx executes fn under the store-wide write lock.
// Rollback is simulated by truncating back to the snapshot, which is exact
// because the only write is an append.
func (m *Memory) WithEmployeeTx(ctx context.Context, _ punch.EmployeeID, fn func(punch.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := memorySnapshot{records: len(m.records), sequence: m.sequence}
	if err := fn(&txMemoryView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	records  int
	sequence int64
}

func (m *Memory) restore(s memorySnapshot) {
	for _, r := range m.records[s.records:] {
		delete(m.bySeq, r.SequenceNumber)
		delete(m.byID, r.ID)
	}
	m.records = m.records[:s.records]
	m.sequence = s.sequence
}

type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) LoadRange(_ context.Context, employeeID punch.EmployeeID, from, to time.Time) ([]punch.Record, error) {
	return tv.parent.loadRangeLocked(employeeID, from, to), nil
}

func (tv *txMemoryView) LastPunch(_ context.Context, employeeID punch.EmployeeID) (*punch.Record, error) {
	return tv.parent.lastPunchLocked(employeeID), nil
}

func (tv *txMemoryView) NextSequence(_ context.Context) (int64, error) {
	tv.parent.sequence++
	return tv.parent.sequence, nil
}

func (tv *txMemoryView) Head(_ context.Context) (punch.ChainHead, error) {
	return tv.parent.headLocked(), nil
}

func (tv *txMemoryView) Insert(_ context.Context, r punch.Record) error {
	m := tv.parent
	if _, ok := m.bySeq[r.SequenceNumber]; ok {
		return fmt.Errorf("%w: nsr %d", punch.ErrDuplicateRecord, r.SequenceNumber)
	}
	if m.byID[r.ID] {
		return fmt.Errorf("%w: id %s", punch.ErrDuplicateRecord, r.ID)
	}
	m.bySeq[r.SequenceNumber] = len(m.records)
	m.byID[r.ID] = true
	m.records = append(m.records, r)
	return nil
}

// =============================================================================
// ROSTER
// =============================================================================

func (m *Memory) Employee(_ context.Context, id punch.EmployeeID) (*punch.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.employees[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", punch.ErrEmployeeNotFound, id)
	}
	emp := &punch.Employee{ID: id, Name: row.name}
	for _, fid := range row.fences {
		if f, ok := m.fences[fid]; ok {
			emp.Geofences = append(emp.Geofences, f)
		}
	}
	return emp, nil
}

func (m *Memory) SaveEmployee(_ context.Context, e punch.Employee) error {
	if e.ID == "" {
		return fmt.Errorf("%w: employee id is required", punch.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.employees[e.ID]; ok {
		row.name = e.Name
		return nil
	}
	m.employees[e.ID] = &employeeRow{name: e.Name}
	return nil
}

func (m *Memory) SaveGeofence(_ context.Context, f geo.Geofence) error {
	if f.ID == "" {
		return fmt.Errorf("%w: geofence id is required", punch.ErrInvalidArgument)
	}
	if err := f.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fences[f.ID] = f
	return nil
}

func (m *Memory) Geofences(_ context.Context) ([]geo.Geofence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]geo.Geofence, 0, len(m.fences))
	for _, f := range m.fences {
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) AssignGeofence(_ context.Context, employeeID punch.EmployeeID, fenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.employees[employeeID]
	if !ok {
		return fmt.Errorf("%w: %s", punch.ErrEmployeeNotFound, employeeID)
	}
	if _, ok := m.fences[fenceID]; !ok {
		return fmt.Errorf("%w: %s", punch.ErrGeofenceNotFound, fenceID)
	}
	for _, existing := range row.fences {
		if existing == fenceID {
			return nil
		}
	}
	row.fences = append(row.fences, fenceID)
	return nil
}
