// Package schedule evaluates availability windows against wall-clock time in
// a named IANA zone. Evaluation is pure; callers decide what a missing
// schedule means (blocklist entries default to "never available", allowlist
// entries to "always available").
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeRange is a wall-clock window in HH:MM 24-hour form. A range whose end
// is before its start crosses midnight: it begins on the rule's weekday and
// ends the following day. Equal start and end is an empty window.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Rule grants availability on a set of weekdays during one or more ranges.
type Rule struct {
	Days       []string    `json:"days"`
	TimeRanges []TimeRange `json:"time_ranges"`
}

// Schedule is an ordered list of availability rules. A domain is available
// at an instant iff any rule matches.
type Schedule struct {
	AvailableHours []Rule `json:"available_hours"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ValidWeekday reports whether name is a lowercase full English weekday.
func ValidWeekday(name string) bool {
	_, ok := weekdayNames[name]
	return ok
}

// ParseClock parses an HH:MM string into minutes since midnight. 00:00 is
// accepted, 24:00 is not.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q (hours 00-23, minutes 00-59)", s)
	}
	return h*60 + m, nil
}

// IsAvailable reports whether the schedule grants availability at the given
// instant evaluated in zone. The schedule must be non-nil; a nil schedule's
// meaning depends on which list the entry lives in and is resolved by the
// caller.
//
// Overlapping ranges act as a union. During a spring-forward gap the
// converted wall clock skips the missing hour, so a range nominally starting
// inside the gap begins at the first instant that exists; during fall-back
// the first occurrence of the repeated hour is the one observed.
func IsAvailable(s *Schedule, at time.Time, zone string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("nil schedule")
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return false, fmt.Errorf("unknown timezone %q: %w", zone, err)
	}

	local := at.In(loc)
	day := local.Weekday()
	prevDay := (day + 6) % 7
	cur := local.Hour()*60 + local.Minute()

	for _, rule := range s.AvailableHours {
		today := ruleHasDay(rule, day)
		yesterday := ruleHasDay(rule, prevDay)
		if !today && !yesterday {
			continue
		}
		for _, tr := range rule.TimeRanges {
			start, err := ParseClock(tr.Start)
			if err != nil {
				return false, err
			}
			end, err := ParseClock(tr.End)
			if err != nil {
				return false, err
			}

			switch {
			case start == end:
				// Empty window, matches nothing.
			case start < end:
				if today && cur >= start && cur < end {
					return true, nil
				}
			default:
				// Overnight: starts on the rule's weekday, spills into
				// the next day strictly before end.
				if today && cur >= start {
					return true, nil
				}
				if yesterday && cur < end {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func ruleHasDay(r Rule, d time.Weekday) bool {
	for _, name := range r.Days {
		if wd, ok := weekdayNames[name]; ok && wd == d {
			return true
		}
	}
	return false
}
