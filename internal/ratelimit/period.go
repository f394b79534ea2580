package ratelimit

import (
	"fmt"
	"time"
)

// Period names the width of a rate-limit bucket.
type Period string

// Supported bucket widths.
const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
	PeriodMonth  Period = "month"
)

// ParsePeriod validates a period name from configuration.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodMinute, PeriodHour, PeriodDay, PeriodMonth:
		return p, nil
	default:
		return "", fmt.Errorf("unknown rate limit period %q (valid: minute, hour, day, month)", s)
	}
}

// PeriodBounds returns the half-open interval [start, end) of the period
// containing t. Boundaries are computed in UTC so every process agrees on
// which bucket an instant belongs to.
func PeriodBounds(p Period, t time.Time) (start, end time.Time, err error) {
	t = t.UTC()
	switch p {
	case PeriodMinute:
		start = t.Truncate(time.Minute)
		end = start.Add(time.Minute)
	case PeriodHour:
		start = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
		end = start.Add(time.Hour)
	case PeriodDay:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	case PeriodMonth:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		if t.Month() == time.December {
			end = time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
		} else {
			end = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		}
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown rate limit period %q", p)
	}
	return start, end, nil
}
