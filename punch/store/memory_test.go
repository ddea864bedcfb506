package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/punch"
)

var t0 = time.Date(2025, time.March, 10, 11, 0, 0, 0, time.UTC)

func insert(t *testing.T, m *Memory, emp punch.EmployeeID, typ punch.Type, at time.Time) punch.Record {
	t.Helper()
	var rec punch.Record
	err := m.WithEmployeeTx(context.Background(), emp, func(tx punch.LedgerTx) error {
		head, err := tx.Head(context.Background())
		if err != nil {
			return err
		}
		nsr, err := tx.NextSequence(context.Background())
		if err != nil {
			return err
		}
		rec = punch.Record{
			ID:                  "id-" + at.Format("150405") + string(emp),
			EmployeeID:          emp,
			Type:                typ,
			Timestamp:           at,
			SequenceNumber:      nsr,
			PreviousFingerprint: head.Fingerprint,
			Method:              punch.MethodCode,
		}
		rec.Fingerprint = punch.Stamper{}.Stamp(rec, head.Fingerprint)
		return tx.Insert(context.Background(), rec)
	})
	require.NoError(t, err)
	return rec
}

func TestMemory_EmptyHead(t *testing.T) {
	m := NewMemory()

	head, err := m.Head(context.Background())

	require.NoError(t, err)
	assert.Zero(t, head.SequenceNumber)
	assert.Equal(t, punch.GenesisFingerprint, head.Fingerprint)
}

func TestMemory_InsertAndRead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// GIVEN: two employees interleaved
	a1 := insert(t, m, "emp-1", punch.TypeEntrada, t0)
	insert(t, m, "emp-2", punch.TypeEntrada, t0.Add(time.Minute))
	a2 := insert(t, m, "emp-1", punch.TypeSaida, t0.Add(4*time.Hour))

	// THEN: the chain head is the last insert
	head, err := m.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head.SequenceNumber)
	assert.Equal(t, a2.Fingerprint, head.Fingerprint)

	// AND: range reads are per employee and half-open
	day, err := m.LoadRange(ctx, "emp-1", t0, t0.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, day, 1)
	assert.Equal(t, a1.ID, day[0].ID)

	last, err := m.LastPunch(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, a2.ID, last.ID)

	none, err := m.LastPunch(ctx, "emp-9")
	require.NoError(t, err)
	assert.Nil(t, none)

	seq, err := m.LoadSequenceRange(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, seq, 2)
	assert.Equal(t, punch.EmployeeID("emp-2"), seq[0].EmployeeID)

	_, err = m.GetBySequence(ctx, 4)
	assert.ErrorIs(t, err, punch.ErrRecordNotFound)
}

func TestMemory_RollbackRestoresSequence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	insert(t, m, "emp-1", punch.TypeEntrada, t0)
	boom := errors.New("boom")

	// WHEN: a unit allocates and inserts, then fails
	err := m.WithEmployeeTx(ctx, "emp-1", func(tx punch.LedgerTx) error {
		nsr, err := tx.NextSequence(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Insert(ctx, punch.Record{ID: "x", EmployeeID: "emp-1", SequenceNumber: nsr, Timestamp: t0.Add(time.Hour)}))
		return boom
	})

	// THEN: neither the record nor the NSR survive
	assert.ErrorIs(t, err, boom)
	head, err := m.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.SequenceNumber)
	_, err = m.GetBySequence(ctx, 2)
	assert.ErrorIs(t, err, punch.ErrRecordNotFound)

	next := insert(t, m, "emp-1", punch.TypeSaida, t0.Add(2*time.Hour))
	assert.Equal(t, int64(2), next.SequenceNumber)
}

func TestMemory_DuplicateInsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	first := insert(t, m, "emp-1", punch.TypeEntrada, t0)

	err := m.WithEmployeeTx(ctx, "emp-1", func(tx punch.LedgerTx) error {
		return tx.Insert(ctx, first)
	})

	assert.ErrorIs(t, err, punch.ErrDuplicateRecord)
}

func TestMemory_CanceledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.WithEmployeeTx(ctx, "emp-1", func(punch.LedgerTx) error {
		t.Fatal("unit must not run")
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_Roster(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	hq := geo.Geofence{ID: "hq", Label: "Head office", Center: geo.Coordinates{Latitude: -23.5614, Longitude: -46.6559}, RadiusMeters: 100}

	require.NoError(t, m.SaveEmployee(ctx, punch.Employee{ID: "emp-1", Name: "Ana"}))
	require.NoError(t, m.SaveGeofence(ctx, hq))
	require.NoError(t, m.AssignGeofence(ctx, "emp-1", "hq"))
	require.NoError(t, m.AssignGeofence(ctx, "emp-1", "hq"), "assigning twice is a no-op")
	require.NoError(t, m.SaveEmployee(ctx, punch.Employee{ID: "emp-1", Name: "Ana Maria"}))

	emp, err := m.Employee(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", emp.Name)
	require.Len(t, emp.Geofences, 1, "renaming keeps assignments")
	assert.True(t, emp.LocationRequired())

	_, err = m.Employee(ctx, "ghost")
	assert.ErrorIs(t, err, punch.ErrEmployeeNotFound)
	assert.ErrorIs(t, m.AssignGeofence(ctx, "ghost", "hq"), punch.ErrEmployeeNotFound)
	assert.ErrorIs(t, m.AssignGeofence(ctx, "emp-1", "nope"), punch.ErrGeofenceNotFound)
	assert.ErrorIs(t, m.SaveGeofence(ctx, geo.Geofence{ID: "bad", RadiusMeters: -1}), punch.ErrInvalidArgument)
	assert.ErrorIs(t, m.SaveEmployee(ctx, punch.Employee{}), punch.ErrInvalidArgument)
}

func TestMemory_CountRange(t *testing.T) {
	m := NewMemory()
	insert(t, m, "emp-1", punch.TypeEntrada, t0)
	insert(t, m, "emp-2", punch.TypeEntrada, t0.Add(time.Minute))
	insert(t, m, "emp-1", punch.TypeSaida, t0.Add(2*time.Hour))

	n, err := m.CountRange(context.Background(), t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "upper bound is exclusive")

	n, err = m.CountRange(context.Background(), t0.Add(-time.Hour), t0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
