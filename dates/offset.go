package dates

import (
	"fmt"
	"time"

	"optiver-forecast/apperr"
)

// OffsetVariant selects how many business days separate a date id from the
// reference day. The two variants differ by one day and are chosen per
// entry point.
type OffsetVariant int

const (
	// Inclusive subtracts total - dateID days.
	Inclusive OffsetVariant = iota
	// Exclusive subtracts total - (dateID + 1) days.
	Exclusive
)

// ParseVariant accepts "inclusive" or "exclusive".
func ParseVariant(s string) (OffsetVariant, error) {
	switch s {
	case "inclusive":
		return Inclusive, nil
	case "exclusive":
		return Exclusive, nil
	}
	return 0, fmt.Errorf("unknown offset variant %q", s)
}

func (v OffsetVariant) String() string {
	if v == Exclusive {
		return "exclusive"
	}
	return "inclusive"
}

// DaysToSubtract returns the business-day distance from the reference day.
func (v OffsetVariant) DaysToSubtract(dateID, totalIDs int) int {
	if v == Exclusive {
		return totalIDs - (dateID + 1)
	}
	return totalIDs - dateID
}

// Compute resolves dateID from scratch: walk back DaysToSubtract business
// days from today on c.
func Compute(dateID, totalIDs int, v OffsetVariant, today time.Time, c *Calendar) (time.Time, error) {
	if dateID < 0 {
		return time.Time{}, apperr.InvalidDateID("date_id must be non-negative, got %d", dateID)
	}
	return c.OffsetBusinessDays(today, -v.DaysToSubtract(dateID, totalIDs)), nil
}
