// Package dates maps date ids to calendar dates.
//
// A date id is a sequence index over business days counted backward from a
// reference day. Fresh ids are resolved by walking business days (weekends
// and holidays skipped); once any id has been persisted, later ids are
// anchored to the nearest smaller persisted id by plain calendar-day
// arithmetic so mappings do not drift as the reference day moves.
package dates

import (
	"fmt"
	"strings"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/us"
)

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Calendar decides which days are business days.
type Calendar struct {
	holidays map[time.Time]struct{}
}

// NewCalendar returns a weekday calendar excluding the given holidays.
func NewCalendar(holidays ...time.Time) *Calendar {
	c := &Calendar{holidays: make(map[time.Time]struct{}, len(holidays))}
	for _, h := range holidays {
		c.holidays[Day(h)] = struct{}{}
	}
	return c
}

// CountryCalendar builds a calendar with the national holidays of country
// for every year in [fromYear, toYear]. "NONE" yields weekends only.
func CountryCalendar(country string, fromYear, toYear int) (*Calendar, error) {
	var set []*cal.Holiday
	switch strings.ToUpper(country) {
	case "US":
		set = us.Holidays
	case "NONE", "":
		return NewCalendar(), nil
	default:
		return nil, fmt.Errorf("no holiday set for country %q", country)
	}

	var days []time.Time
	for year := fromYear; year <= toYear; year++ {
		for _, h := range set {
			actual, observed := h.Calc(year)
			if !actual.IsZero() {
				days = append(days, actual)
			}
			if !observed.IsZero() && !observed.Equal(actual) {
				days = append(days, observed)
			}
		}
	}
	return NewCalendar(days...), nil
}

// IsHoliday reports whether d is in the holiday set.
func (c *Calendar) IsHoliday(d time.Time) bool {
	_, ok := c.holidays[Day(d)]
	return ok
}

// IsBusinessDay reports whether d is neither a weekend nor a holiday.
func (c *Calendar) IsBusinessDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.IsHoliday(d)
}

// RollForward returns d if it is a business day, else the next business day.
func (c *Calendar) RollForward(d time.Time) time.Time {
	d = Day(d)
	for !c.IsBusinessDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// OffsetBusinessDays rolls from forward to a business day and then moves n
// business days, backward when n is negative.
func (c *Calendar) OffsetBusinessDays(from time.Time, n int) time.Time {
	d := c.RollForward(from)
	step := 1
	if n < 0 {
		step = -1
		n = -n
	}
	for n > 0 {
		d = d.AddDate(0, 0, step)
		if c.IsBusinessDay(d) {
			n--
		}
	}
	return d
}

// Holidays returns the number of holidays in the set.
func (c *Calendar) Holidays() int {
	return len(c.holidays)
}
