package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Unblock delay sentinels.
const (
	DelayInstant = "0"
	DelayNever   = "never"
)

var delayPattern = regexp.MustCompile(`^([1-9][0-9]*)([mhd])$`)

// ValidDelay reports whether s conforms to the delay grammar:
// "0", "never", or <n>m|<n>h|<n>d with n a positive integer. Mixed units
// are rejected.
func ValidDelay(s string) bool {
	if s == DelayInstant || s == DelayNever {
		return true
	}
	return delayPattern.MatchString(s)
}

// ParseDelay converts a delay string to a duration. The second return is
// false for "never", meaning the target can not be unblocked at all.
func ParseDelay(s string) (time.Duration, bool, error) {
	switch s {
	case DelayNever:
		return 0, false, nil
	case DelayInstant:
		return 0, true, nil
	}
	m := delayPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false, fmt.Errorf("invalid delay %q (use 0, <n>m, <n>h, <n>d or never)", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	switch m[2] {
	case "m":
		return time.Duration(n) * time.Minute, true, nil
	case "h":
		return time.Duration(n) * time.Hour, true, nil
	default:
		return time.Duration(n) * 24 * time.Hour, true, nil
	}
}
