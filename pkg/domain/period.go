package domain

import (
	"fmt"
	"time"
)

// Period is a tax period: a calendar month ("YYYY-MM") for monthly forms or
// a year ("YYYY") for annual forms.
type Period struct {
	Year  int
	Month int // 0 for annual periods
}

// ParsePeriod accepts "YYYY-MM" and "YYYY".
func ParsePeriod(s string) (Period, error) {
	var y, m int
	if _, err := fmt.Sscanf(s, "%4d-%2d", &y, &m); err == nil && m >= 1 && m <= 12 {
		return Period{Year: y, Month: m}, nil
	}
	if _, err := fmt.Sscanf(s, "%4d", &y); err == nil && len(s) == 4 {
		return Period{Year: y}, nil
	}
	return Period{}, fmt.Errorf("invalid period %q", s)
}

// String renders the canonical form: "YYYY-MM" or "YYYY".
func (p Period) String() string {
	if p.Month == 0 {
		return fmt.Sprintf("%04d", p.Year)
	}
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Compact renders the portal form "YYYYMM" used by document listings.
func (p Period) Compact() string {
	return fmt.Sprintf("%04d%02d", p.Year, p.Month)
}

// Next returns the following period, carrying the year on December.
func (p Period) Next() Period {
	if p.Month == 0 {
		return Period{Year: p.Year + 1}
	}
	if p.Month == 12 {
		return Period{Year: p.Year + 1, Month: 1}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// NextQuarter returns the period three months ahead.
func (p Period) NextQuarter() Period {
	q := p
	for i := 0; i < 3; i++ {
		q = q.Next()
	}
	return q
}

// FirstDay returns the first day of the period in the given location.
func (p Period) FirstDay(loc *time.Location) time.Time {
	m := p.Month
	if m == 0 {
		m = 1
	}
	return time.Date(p.Year, time.Month(m), 1, 0, 0, 0, 0, loc)
}

// PeriodOf returns the monthly period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// PeriodsBetween enumerates monthly periods from the month of from to the
// month of to, inclusive at both ends.
func PeriodsBetween(from, to time.Time) []Period {
	start := PeriodOf(from)
	end := PeriodOf(to)
	var out []Period
	for p := start; p.Year < end.Year || (p.Year == end.Year && p.Month <= end.Month); p = p.Next() {
		out = append(out, p)
	}
	return out
}
