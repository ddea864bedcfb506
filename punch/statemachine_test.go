package punch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var day1 = time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day1.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// dayOf builds a time-ordered day from alternating (type, time) pairs.
func dayOf(punches ...any) []Record {
	var day []Record
	for i := 0; i < len(punches); i += 2 {
		day = append(day, Record{
			EmployeeID:     "emp-1",
			Type:           punches[i].(Type),
			Timestamp:      punches[i+1].(time.Time),
			SequenceNumber: int64(len(day) + 1),
		})
	}
	return day
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	reason, ok := IsRejection(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	return reason
}

// =============================================================================
// NEXT ALLOWED
// =============================================================================

func TestNextAllowed_FullCycle(t *testing.T) {
	cases := []struct {
		name string
		day  []Record
		want []Type
	}{
		{"empty day", nil, []Type{TypeEntrada}},
		{"after entrada", dayOf(TypeEntrada, at(8, 0)), []Type{TypeSaidaIntervalo, TypeSaida}},
		{"on break", dayOf(TypeEntrada, at(8, 0), TypeSaidaIntervalo, at(12, 0)), []Type{TypeVoltaIntervalo}},
		{"returned", dayOf(TypeEntrada, at(8, 0), TypeSaidaIntervalo, at(12, 0), TypeVoltaIntervalo, at(13, 0)), []Type{TypeSaida}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextAllowed(tc.day)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNextAllowed_DayComplete(t *testing.T) {
	// GIVEN: a short day closed with saida
	day := dayOf(TypeEntrada, at(8, 0), TypeSaida, at(12, 0))

	// WHEN: asking what comes next
	_, err := NextAllowed(day)

	// THEN: nothing, the day is complete
	assert.Equal(t, ReasonDayComplete, reasonOf(t, err))
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestNextAllowed_FourPunchesIsComplete(t *testing.T) {
	day := dayOf(TypeEntrada, at(8, 0), TypeSaidaIntervalo, at(12, 0),
		TypeVoltaIntervalo, at(13, 0), TypeSaida, at(17, 0))

	_, err := NextAllowed(day)
	assert.Equal(t, ReasonDayComplete, reasonOf(t, err))
}

func TestNextAllowed_CorruptDayIsInvalidSequence(t *testing.T) {
	// GIVEN: a day that starts with a break (cannot be produced by admission)
	day := dayOf(TypeSaidaIntervalo, at(8, 0))

	_, err := NextAllowed(day)
	assert.Equal(t, ReasonInvalidSequence, reasonOf(t, err))
}

// =============================================================================
// RESOLVE
// =============================================================================

func TestResolve_EmptyRequestPicksPreferred(t *testing.T) {
	got, err := Resolve(nil, "")
	require.NoError(t, err)
	assert.Equal(t, TypeEntrada, got)

	got, err = Resolve(dayOf(TypeEntrada, at(8, 0)), "")
	require.NoError(t, err)
	assert.Equal(t, TypeSaidaIntervalo, got)
}

func TestResolve_SaidaSkippingBreakIsLegal(t *testing.T) {
	got, err := Resolve(dayOf(TypeEntrada, at(8, 0)), TypeSaida)
	require.NoError(t, err)
	assert.Equal(t, TypeSaida, got)
}

func TestResolve_OutOfTurnListsAllowed(t *testing.T) {
	// GIVEN: employee is on break
	day := dayOf(TypeEntrada, at(8, 0), TypeSaidaIntervalo, at(12, 0))

	// WHEN: requesting saida instead of volta_intervalo
	_, err := Resolve(day, TypeSaida)

	// THEN: INVALID_SEQUENCE naming the legal option
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonInvalidSequence, rej.Reason)
	assert.Equal(t, []Type{TypeVoltaIntervalo}, rej.Allowed)
}

func TestResolve_FirstPunchMustBeEntrada(t *testing.T) {
	_, err := Resolve(nil, TypeSaida)
	assert.Equal(t, ReasonInvalidSequence, reasonOf(t, err))
}

func TestResolve_UnknownTypeIsNotARejection(t *testing.T) {
	_, err := Resolve(nil, Type("almoco"))
	require.ErrorIs(t, err, ErrInvalidPunchType)
	_, ok := IsRejection(err)
	assert.False(t, ok)
	assert.True(t, IsClientError(err))
}

func TestParseType(t *testing.T) {
	got, err := ParseType("volta_intervalo")
	require.NoError(t, err)
	assert.Equal(t, TypeVoltaIntervalo, got)

	_, err = ParseType("")
	assert.ErrorIs(t, err, ErrInvalidPunchType)
}

// =============================================================================
// DAY COMPLETENESS
// =============================================================================

func TestIsDayComplete(t *testing.T) {
	assert.False(t, IsDayComplete(nil))
	assert.False(t, IsDayComplete(dayOf(TypeEntrada, at(8, 0))))
	assert.True(t, IsDayComplete(dayOf(TypeEntrada, at(8, 0), TypeSaida, at(17, 0))))
}

func TestMissingPunches(t *testing.T) {
	assert.Equal(t, []Type{TypeEntrada, TypeSaida}, MissingPunches(nil))
	assert.Equal(t, []Type{TypeSaida}, MissingPunches(dayOf(TypeEntrada, at(8, 0))))
	assert.Equal(t, []Type{TypeVoltaIntervalo, TypeSaida},
		MissingPunches(dayOf(TypeEntrada, at(8, 0), TypeSaidaIntervalo, at(12, 0))))
	assert.Empty(t, MissingPunches(dayOf(TypeEntrada, at(8, 0), TypeSaida, at(17, 0))))
}

func TestSortRecords_TimestampThenSequence(t *testing.T) {
	records := []Record{
		{SequenceNumber: 3, Timestamp: at(9, 0)},
		{SequenceNumber: 2, Timestamp: at(8, 0)},
		{SequenceNumber: 1, Timestamp: at(9, 0)},
	}
	SortRecords(records)
	assert.Equal(t, int64(2), records[0].SequenceNumber)
	assert.Equal(t, int64(1), records[1].SequenceNumber)
	assert.Equal(t, int64(3), records[2].SequenceNumber)
}
