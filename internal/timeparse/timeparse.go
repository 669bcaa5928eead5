// Package timeparse converts free-form schedule text into a concrete
// publication time.
//
// Parsing is stateless: the same (text, now, location) triple always
// yields the same result. Parse only decides what the text means; the
// scheduling window (min lead, max horizon) is enforced by the post
// store, so "unparseable" and "parsed but unusable" stay distinct
// user-facing outcomes.
package timeparse

import (
	"fmt"
	"strings"
	"time"
)

// Result is a successfully parsed schedule time.
//
// ExplicitDate reports whether the user supplied a calendar date. A bare
// clock time is not explicit: if it lands in the past it silently rolls
// to the next day, while an explicit past date must be rejected by
// Validate instead.
type Result struct {
	When         time.Time
	ExplicitDate bool
}

// layouts with a full or partial calendar date, in priority order.
// Day/month wins over month/day for ambiguous slash dates; the US form
// only kicks in when the first number cannot be a day of month.
var dateLayouts = []struct {
	layout   string
	yearless bool
}{
	{"2006-01-02 15:04:05", false},
	{"2006-01-02 15:04", false},
	{"02/01/2006 15:04:05", false},
	{"02/01/2006 15:04", false},
	{"01/02/2006 15:04:05", false},
	{"01/02/2006 15:04", false},
	{"January 2 2006 15:04", false},
	{"January 2, 2006 15:04", false},
	{"02/01 15:04", true},
}

var timeLayouts = []string{"15:04:05", "15:04"}

const defaultNaturalTime = "09:00"

// Parse interprets text as a schedule time relative to now in loc.
// It returns ok=false when no supported format matches.
func Parse(text string, now time.Time, loc *time.Location) (Result, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, false
	}
	now = now.In(loc)

	for _, dl := range dateLayouts {
		dt, err := time.ParseInLocation(dl.layout, text, loc)
		if err != nil {
			continue
		}
		if dl.yearless {
			dt = dt.AddDate(now.Year(), 0, 0)
		}
		return Result{When: dt, ExplicitDate: true}, true
	}

	for _, tl := range timeLayouts {
		clock, err := time.ParseInLocation(tl, text, loc)
		if err != nil {
			continue
		}
		dt := time.Date(now.Year(), now.Month(), now.Day(),
			clock.Hour(), clock.Minute(), clock.Second(), 0, loc)
		// A bare clock time in the past means the next occurrence.
		if !dt.After(now) {
			dt = dt.AddDate(0, 0, 1)
		}
		return Result{When: dt, ExplicitDate: false}, true
	}

	if r, ok := parseNatural(text, now, loc); ok {
		return r, true
	}
	return Result{}, false
}

func parseNatural(text string, now time.Time, loc *time.Location) (Result, bool) {
	lower := strings.ToLower(text)

	days := 0
	var rest string
	switch {
	case strings.HasPrefix(lower, "day after tomorrow"):
		days = 2
		rest = strings.TrimSpace(lower[len("day after tomorrow"):])
	case strings.HasPrefix(lower, "overmorrow"):
		days = 2
		rest = strings.TrimSpace(lower[len("overmorrow"):])
	case strings.HasPrefix(lower, "tomorrow"):
		days = 1
		rest = strings.TrimSpace(lower[len("tomorrow"):])
	default:
		return Result{}, false
	}

	if rest == "" {
		rest = defaultNaturalTime
	}
	clock, err := time.ParseInLocation("15:04", rest, loc)
	if err != nil {
		return Result{}, false
	}
	base := now.AddDate(0, 0, days)
	dt := time.Date(base.Year(), base.Month(), base.Day(),
		clock.Hour(), clock.Minute(), 0, 0, loc)
	return Result{When: dt, ExplicitDate: true}, true
}

// FormatUntil renders the remaining time until target in a compact
// human form, e.g. "in 2h 30min" or "in 3d 4h".
func FormatUntil(target, now time.Time) string {
	d := target.Sub(now)
	if d <= 0 {
		return "due now"
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%dmin", minutes))
	}
	return "in " + strings.Join(parts, " ")
}
