package domain

import (
	"fmt"
	"time"
)

// DateLayout is the ISO calendar date format used for partitions and CSV cells.
const DateLayout = "2006-01-02"

// ParseDate parses an ISO calendar date into UTC midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Day truncates t to UTC midnight of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// BuildTimeInterval returns the imagery search window around date as RFC3339
// instants: [date-windowDays 00:00:00, date+windowDays 23:59:59] in UTC.
func BuildTimeInterval(date time.Time, windowDays int) (string, string) {
	day := Day(date)
	start := day.AddDate(0, 0, -windowDays)
	end := day.AddDate(0, 0, windowDays)
	return FormatDate(start) + "T00:00:00Z", FormatDate(end) + "T23:59:59Z"
}
