package dates

import (
	"strconv"
	"strings"
	"time"

	"optiver-forecast/apperr"
)

// SessionOffset is the wall-clock time of seconds_in_bucket = 0.
const SessionOffset = 15*time.Hour + 51*time.Minute

// RowID is the parsed form of "{date_id}_{seconds_in_bucket}_{stock_id}".
type RowID struct {
	DateID  int
	Seconds int
	StockID int
}

// ParseRowID parses a row identifier. The stock id part may be omitted.
func ParseRowID(s string) (RowID, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 2 || len(parts) > 3 {
		return RowID{}, apperr.InvalidDateID("row_id %q is not {date_id}_{seconds}_{stock_id}", s)
	}

	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return RowID{}, apperr.InvalidDateID("row_id %q has a non-numeric component %q", s, p)
		}
		nums[i] = n
	}

	id := RowID{DateID: nums[0], Seconds: nums[1]}
	if len(nums) == 3 {
		id.StockID = nums[2]
	}
	if id.DateID < 0 {
		return RowID{}, apperr.InvalidDateID("row_id %q has a negative date_id", s)
	}
	if id.Seconds < 0 {
		return RowID{}, apperr.InvalidDateID("row_id %q has a negative seconds offset", s)
	}
	return id, nil
}

func (r RowID) String() string {
	return strconv.Itoa(r.DateID) + "_" + strconv.Itoa(r.Seconds) + "_" + strconv.Itoa(r.StockID)
}

// Timestamp places seconds inside the closing session of day.
func Timestamp(day time.Time, seconds int) time.Time {
	return Day(day).Add(SessionOffset + time.Duration(seconds)*time.Second)
}

// RowTimestamp converts a row id to a wall-clock timestamp, resolving its
// date id through resolve.
func RowTimestamp(rowID string, resolve func(dateID int) (time.Time, error)) (time.Time, error) {
	id, err := ParseRowID(rowID)
	if err != nil {
		return time.Time{}, err
	}
	day, err := resolve(id.DateID)
	if err != nil {
		return time.Time{}, err
	}
	return Timestamp(day, id.Seconds), nil
}
