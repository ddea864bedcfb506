/*
hours.go - Worked hours derived from punches

PAIRING:
  entrada         -> saida_intervalo   work
  volta_intervalo -> saida             work
  entrada         -> saida             work (no break)
  saida_intervalo -> volta_intervalo   break (reported, not worked)

PRECISION:
  Durations are summed as time.Duration; hours are decimal.Decimal at full
  precision. Rounding to 2 places happens only in HoursRounded, for display.

INCOMPLETE DAYS:
  An interval without its closing punch contributes zero and is reported in
  Open. It is never guessed or silently dropped.
*/
package punch

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var secondsPerHour = decimal.NewFromInt(3600)

type Interval struct {
	Start    Record
	End      Record
	Duration time.Duration
}

// DaySummary is the hours view of one employee-day.
type DaySummary struct {
	Date       string
	Punches    int
	Worked     time.Duration
	Break      time.Duration
	Intervals  []Interval
	Open       *Record
	Unmatched  []Record
	Complete   bool
	Incomplete bool
}

// Hours returns worked hours at full precision.
func (d DaySummary) Hours() decimal.Decimal { return toHours(d.Worked) }

// HoursRounded returns worked hours rounded to 2 decimal places.
func (d DaySummary) HoursRounded() decimal.Decimal { return d.Hours().Round(2) }

// BreakHours returns break hours at full precision.
func (d DaySummary) BreakHours() decimal.Decimal { return toHours(d.Break) }

func toHours(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d / time.Second)).Div(secondsPerHour)
}

// CalculateDay pairs one day's punches. Input order does not matter.
func CalculateDay(punches []Record) DaySummary {
	sorted := append([]Record(nil), punches...)
	SortRecords(sorted)

	sum := DaySummary{Punches: len(sorted)}
	var open, breakStart *Record

	for i := range sorted {
		p := sorted[i]
		if p.Type.opensInterval() {
			if open != nil {
				sum.Unmatched = append(sum.Unmatched, *open)
			}
			open = &sorted[i]
			if p.Type == TypeVoltaIntervalo && breakStart != nil {
				sum.Break += p.Timestamp.Sub(breakStart.Timestamp)
				breakStart = nil
			}
			continue
		}

		if open == nil {
			sum.Unmatched = append(sum.Unmatched, p)
			continue
		}
		iv := Interval{Start: *open, End: p, Duration: p.Timestamp.Sub(open.Timestamp)}
		sum.Intervals = append(sum.Intervals, iv)
		sum.Worked += iv.Duration
		open = nil
		if p.Type == TypeSaidaIntervalo {
			breakStart = &sorted[i]
		}
	}

	sum.Open = open
	sum.Complete = IsDayComplete(sorted)
	sum.Incomplete = len(sorted) > 0 && (!sum.Complete || open != nil || len(sum.Unmatched) > 0)
	return sum
}

// PeriodSummary aggregates several days.
type PeriodSummary struct {
	EmployeeID     EmployeeID
	From           string
	To             string
	Days           []DaySummary
	Worked         time.Duration
	Break          time.Duration
	IncompleteDays []string
}

func (p PeriodSummary) Hours() decimal.Decimal        { return toHours(p.Worked) }
func (p PeriodSummary) HoursRounded() decimal.Decimal { return p.Hours().Round(2) }

// CalculatePeriod groups records by calendar day in loc and sums each day.
func CalculatePeriod(records []Record, loc *time.Location) PeriodSummary {
	byDay := make(map[string][]Record)
	for _, r := range records {
		day := DateOf(r.Timestamp, loc)
		byDay[day] = append(byDay[day], r)
	}

	dates := make([]string, 0, len(byDay))
	for d := range byDay {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var period PeriodSummary
	for _, d := range dates {
		day := CalculateDay(byDay[d])
		day.Date = d
		period.Days = append(period.Days, day)
		period.Worked += day.Worked
		period.Break += day.Break
		if day.Incomplete {
			period.IncompleteDays = append(period.IncompleteDays, d)
		}
	}
	return period
}
