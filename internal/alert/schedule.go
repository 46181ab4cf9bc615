// Package alert evaluates scheduled threshold alerts: it matches schedules,
// runs the alert query, checks the condition and dispatches the rendered
// notification.
package alert

import (
	"fmt"
	"slices"
	"time"
)

// Schedule says when an alert is due. Times holds "HH:MM" entries; empty
// Weekdays (0=Sunday) or MonthDays (1..31) mean any day.
type Schedule struct {
	Times     []string
	Weekdays  []int
	MonthDays []int
}

// Matches reports whether t falls on a scheduled minute. t must already be
// in the alert's time zone. A schedule without times never matches.
func (s Schedule) Matches(t time.Time) bool {
	if !s.matchesTime(t) {
		return false
	}
	if len(s.Weekdays) > 0 && !slices.Contains(s.Weekdays, int(t.Weekday())) {
		return false
	}
	if len(s.MonthDays) > 0 && !slices.Contains(s.MonthDays, t.Day()) {
		return false
	}
	return true
}

func (s Schedule) matchesTime(t time.Time) bool {
	for _, hm := range s.Times {
		h, m, err := ParseClock(hm)
		if err != nil {
			continue
		}
		if t.Hour() == h && t.Minute() == m {
			return true
		}
	}
	return false
}

// ParseClock parses "HH:MM" (or "H:MM") into hour and minute.
func ParseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour(), t.Minute(), nil
}
