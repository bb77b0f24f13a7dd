package domain

import (
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// CivilDate returns the calendar day of t as observed in loc, encoded as
// midnight UTC. Business dates are compared in this form everywhere.
func CivilDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

func ParseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

// NormalizeDate drops any time-of-day and zone from a date read back from a
// store, keeping its calendar day.
func NormalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
