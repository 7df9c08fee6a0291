package aggregate

import (
	"sort"
	"time"

	"github.com/joshsymonds/inboxstat/internal/record"
)

// Totals holds the summary statistics of one snapshot. FirstDate, LastDate
// and AvgPerDay are nil when no record has a usable date. FirstDate and
// LastDate are in UTC, and AvgPerDay is nil when both fall on the same UTC
// calendar day.
type Totals struct {
	Messages        int        `json:"messages"`
	DistinctSenders int        `json:"distinct_senders"`
	Dated           int        `json:"dated"`
	FirstDate       *time.Time `json:"first_date,omitempty"`
	LastDate        *time.Time `json:"last_date,omitempty"`
	AvgPerDay       *float64   `json:"avg_per_day,omitempty"`
}

// DayCount is the number of messages on one calendar day.
type DayCount struct {
	Day   Day `json:"day"`
	Count int `json:"count"`
}

// YearSeries lists the non-empty days of one year in ascending order.
type YearSeries struct {
	Year int        `json:"year"`
	Days []DayCount `json:"days"`
}

// Total sums the day counts of the year.
func (y YearSeries) Total() int {
	n := 0
	for _, d := range y.Days {
		n += d.Count
	}
	return n
}

// Dates parses the Date header of every record, dropping those that are
// absent or unparsable. Order follows records.
func Dates(records []record.MessageRecord) []time.Time {
	out := make([]time.Time, 0, len(records))
	for _, r := range records {
		if r.DateRaw == nil {
			continue
		}
		if t, ok := ParseDate(*r.DateRaw); ok {
			out = append(out, t)
		}
	}
	return out
}

// Summarize computes Totals for records whose parsed dates are dates.
func Summarize(records []record.MessageRecord, dates []time.Time) Totals {
	totals := Totals{
		Messages:        len(records),
		DistinctSenders: DistinctSenders(records),
		Dated:           len(dates),
	}
	if len(dates) == 0 {
		return totals
	}
	first, last := dates[0], dates[0]
	for _, t := range dates[1:] {
		if t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	first, last = first.UTC(), last.UTC()
	totals.FirstDate, totals.LastDate = &first, &last
	if span := DayOf(first).DaysUntil(DayOf(last)); span > 0 {
		avg := float64(len(records)) / float64(span)
		totals.AvgPerDay = &avg
	}
	return totals
}

// Histogram counts dates per calendar day, grouped by year. Years and the
// days within each year ascend.
func Histogram(dates []time.Time) []YearSeries {
	counts := make(map[Day]int)
	for _, t := range dates {
		counts[DayOf(t)]++
	}
	days := make([]Day, 0, len(counts))
	for d := range counts {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var out []YearSeries
	for _, d := range days {
		if len(out) == 0 || out[len(out)-1].Year != d.Year {
			out = append(out, YearSeries{Year: d.Year})
		}
		cur := &out[len(out)-1]
		cur.Days = append(cur.Days, DayCount{Day: d, Count: counts[d]})
	}
	return out
}

// Hours counts dates by hour of day in each message's own offset.
func Hours(dates []time.Time) [24]int {
	var out [24]int
	for _, t := range dates {
		out[t.Hour()]++
	}
	return out
}
