// Package duedate folds the record system's heterogeneous due date/time
// representations into a single instant in the reference time zone.
package duedate

import (
	"strings"
	"time"

	"crewline/internal/domain"
)

// Due is a normalized due date. The zero value means "undated".
type Due struct {
	Instant     time.Time
	Date        string // calendar date in the reference zone, 2006-01-02
	DisplayDate string
	DisplayTime string
}

// Normalizer converts raw due fields. Source is the zone inbound due times
// are expressed in; Reference is the zone all output is rendered in.
type Normalizer struct {
	Reference *time.Location
	Source    *time.Location
}

// Numeric due times below this are minutes of the day; larger values are
// seconds of the day.
const minutesThreshold = 1440

// endOfDay is substituted when an activity has a date but no time, so it
// sorts after same-day timed activities.
var endOfDay = struct{ h, m, s int }{23, 59, 0}

// Normalize returns the due value for a raw date string and time field, or
// false if the date is absent or unparsable. It never fails loudly; callers
// treat a false result as "undated".
func (n Normalizer) Normalize(dueDate string, dueTime domain.RawField) (Due, bool) {
	ref := n.Reference
	if ref == nil {
		ref = time.UTC
	}
	src := n.Source
	if src == nil {
		src = ref
	}
	date, ok := parseDate(dueDate)
	if !ok {
		return Due{}, false
	}
	hour, minute, sec, timed := splitTime(dueTime)
	var instant time.Time
	if timed {
		instant = time.Date(date.Year(), date.Month(), date.Day(), hour, minute, sec, 0, src).In(ref)
	} else {
		instant = time.Date(date.Year(), date.Month(), date.Day(), endOfDay.h, endOfDay.m, endOfDay.s, 0, ref)
	}
	due := Due{
		Instant:     instant,
		Date:        instant.Format("2006-01-02"),
		DisplayDate: instant.Format("02.01.2006"),
	}
	if timed {
		due.DisplayTime = instant.Format("15:04")
	}
	return due, true
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if len(raw) > 10 {
		raw = raw[:10]
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// splitTime normalizes a raw due-time value to hours/minutes/seconds.
// Numeric values are normalized to seconds of the day first.
func splitTime(f domain.RawField) (hour, minute, sec int, ok bool) {
	switch f.Kind {
	case domain.FieldNumber:
		return splitSeconds(f.Number)
	case domain.FieldText, domain.FieldLabeled:
		s := strings.TrimSpace(f.String())
		if s == "" {
			return 0, 0, 0, false
		}
		for _, layout := range []string{"15:04:05", "15:04"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Hour(), t.Minute(), t.Second(), true
			}
		}
		return 0, 0, 0, false
	}
	return 0, 0, 0, false
}

func splitSeconds(n float64) (hour, minute, sec int, ok bool) {
	if n < 0 {
		return 0, 0, 0, false
	}
	total := int(n)
	if total < minutesThreshold {
		total *= 60
	}
	if total >= 24*3600 {
		return 0, 0, 0, false
	}
	return total / 3600, (total % 3600) / 60, total % 60, true
}
