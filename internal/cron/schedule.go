package cron

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// parseSpec parses expr in the given timezone.
func parseSpec(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("set the timezone field instead of a TZ prefix")
	}
	loc, err := resolveTimezone(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	spec := expr
	if loc != time.Local {
		spec = "CRON_TZ=" + loc.String() + " " + expr
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// NextRun returns the next fire time of expr after now.
func NextRun(expr, tz string, now time.Time) (time.Time, error) {
	sched, err := parseSpec(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

func resolveTimezone(tz string) (*time.Location, error) {
	switch strings.TrimSpace(tz) {
	case "", "local", "Local":
		return time.Local, nil
	case "utc", "UTC":
		return time.UTC, nil
	default:
		return time.LoadLocation(strings.TrimSpace(tz))
	}
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]|24):([0-5]\d)$`)

// parseClock parses HH:MM into minutes since midnight.
func parseClock(s string, allow24 bool) (int, error) {
	if !clockPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", s)
	}
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, err
	}
	if hour == 24 {
		if !allow24 || minute != 0 {
			return 0, fmt.Errorf("24:00 is only valid as an end time")
		}
		return 24 * 60, nil
	}
	return hour*60 + minute, nil
}

// bounds returns the window in minutes since midnight. A window whose start
// equals its end is rejected; an all-day window is written 00:00-24:00.
func (a *ActiveHours) bounds() (start, end int, err error) {
	if start, err = parseClock(a.Start, false); err != nil {
		return 0, 0, fmt.Errorf("start: %w", err)
	}
	if end, err = parseClock(a.End, true); err != nil {
		return 0, 0, fmt.Errorf("end: %w", err)
	}
	if start == end {
		return 0, 0, fmt.Errorf("empty window %s-%s (use 00:00-24:00 for all day)", a.Start, a.End)
	}
	return start, end, nil
}

// Validate checks the window bounds and day filter.
func (a *ActiveHours) Validate() error {
	if _, _, err := a.bounds(); err != nil {
		return err
	}
	for _, d := range a.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("invalid weekday %d", d)
		}
	}
	return nil
}

// Contains reports whether t, viewed in loc, falls inside the window.
// A nil window is always open.
func (a *ActiveHours) Contains(t time.Time, loc *time.Location) (bool, error) {
	if a == nil {
		return true, nil
	}
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)

	if len(a.Days) > 0 {
		weekday := int(local.Weekday())
		dayOK := false
		for _, d := range a.Days {
			if d == weekday {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false, nil
		}
	}

	start, end, err := a.bounds()
	if err != nil {
		return false, err
	}
	current := local.Hour()*60 + local.Minute()
	if start < end {
		return current >= start && current < end, nil
	}
	// overnight window, e.g. 22:00-06:00
	return current >= start || current < end, nil
}
