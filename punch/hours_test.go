package punch

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateDay_FullCycle(t *testing.T) {
	// GIVEN: 08:00-12:00 work, 12:00-13:00 break, 13:00-18:00 work
	day := dayOf(TypeEntrada, at(8, 0), TypeSaidaIntervalo, at(12, 0),
		TypeVoltaIntervalo, at(13, 0), TypeSaida, at(18, 0))

	sum := CalculateDay(day)

	assert.True(t, sum.Hours().Equal(decimal.NewFromInt(9)), "got %s", sum.Hours())
	assert.True(t, sum.BreakHours().Equal(decimal.NewFromInt(1)))
	assert.Len(t, sum.Intervals, 2)
	assert.True(t, sum.Complete)
	assert.False(t, sum.Incomplete)
}

func TestCalculateDay_NoBreak(t *testing.T) {
	day := dayOf(TypeEntrada, at(8, 0), TypeSaida, at(12, 30))

	sum := CalculateDay(day)

	assert.Equal(t, "4.5", sum.Hours().String())
	assert.True(t, sum.Complete)
}

func TestCalculateDay_OnlyEntradaIsIncomplete(t *testing.T) {
	sum := CalculateDay(dayOf(TypeEntrada, at(8, 0)))

	assert.True(t, sum.Hours().IsZero())
	assert.True(t, sum.Incomplete)
	require.NotNil(t, sum.Open)
	assert.Equal(t, TypeEntrada, sum.Open.Type)
}

func TestCalculateDay_OpenAfterBreakCountsMorningOnly(t *testing.T) {
	day := dayOf(TypeEntrada, at(8, 0), TypeSaidaIntervalo, at(12, 0), TypeVoltaIntervalo, at(13, 0))

	sum := CalculateDay(day)

	assert.True(t, sum.Hours().Equal(decimal.NewFromInt(4)))
	assert.True(t, sum.Incomplete)
}

func TestCalculateDay_InputOrderDoesNotMatter(t *testing.T) {
	day := dayOf(TypeEntrada, at(8, 0), TypeSaida, at(17, 0))
	reversed := []Record{day[1], day[0]}

	assert.True(t, CalculateDay(reversed).Hours().Equal(decimal.NewFromInt(9)))
}

func TestCalculateDay_RoundingOnlyForDisplay(t *testing.T) {
	// 20 minutes = 0.333... hours
	sum := CalculateDay(dayOf(TypeEntrada, at(8, 0), TypeSaida, at(8, 20)))

	assert.Equal(t, "0.33", sum.HoursRounded().String())
	assert.False(t, sum.Hours().Equal(sum.HoursRounded()))
}

func TestCalculateDay_Empty(t *testing.T) {
	sum := CalculateDay(nil)
	assert.True(t, sum.Hours().IsZero())
	assert.False(t, sum.Incomplete)
}

func TestCalculatePeriod_SumsDaysAndFlagsIncomplete(t *testing.T) {
	// GIVEN: day 1 complete (8h), day 2 only entrada
	records := dayOf(TypeEntrada, at(9, 0), TypeSaida, at(17, 0))
	records = append(records, Record{
		EmployeeID: "emp-1", Type: TypeEntrada,
		Timestamp: at(8, 0).AddDate(0, 0, 1), SequenceNumber: 3,
	})

	period := CalculatePeriod(records, time.UTC)

	require.Len(t, period.Days, 2)
	assert.Equal(t, "2025-03-10", period.Days[0].Date)
	assert.True(t, period.Hours().Equal(decimal.NewFromInt(8)))
	assert.Equal(t, []string{"2025-03-11"}, period.IncompleteDays)
}

func TestCalculatePeriod_UsesLocationForDays(t *testing.T) {
	// 01:00 UTC on the 11th is still the 10th in Sao Paulo
	sp := time.FixedZone("BRT", -3*3600)
	records := dayOf(TypeEntrada, at(20, 0), TypeSaida, at(25, 0))

	period := CalculatePeriod(records, sp)

	require.Len(t, period.Days, 1)
	assert.Equal(t, "2025-03-10", period.Days[0].Date)
	assert.True(t, period.Hours().Equal(decimal.NewFromInt(5)))
}
