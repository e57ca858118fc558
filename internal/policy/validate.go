package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"ndb/internal/schedule"
)

// ConfigError marks a policy that failed validation. The reconciler keeps
// the previous good snapshot when it sees one.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

var (
	domainLabel       = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	categoryIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,49}$`)
)

// NormalizeDomain lowercases and trims a domain name for comparison.
func NormalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(d, ".")))
}

// ValidDomain reports whether d is a syntactically valid fully-qualified
// domain name: 1-253 chars, DNS label rules, at least two labels.
func ValidDomain(d string) bool {
	d = NormalizeDomain(d)
	if len(d) < 1 || len(d) > 253 {
		return false
	}
	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if !domainLabel.MatchString(l) {
			return false
		}
	}
	return true
}

// ValidCategoryID reports whether id is a well-formed user category id:
// lowercase letters/digits/hyphens, starts with a letter, at most 50 chars.
func ValidCategoryID(id string) bool {
	return categoryIDPattern.MatchString(id)
}

func validateSchedule(s *schedule.Schedule, subject string) error {
	if s == nil {
		return nil
	}
	var errs *multierror.Error
	if len(s.AvailableHours) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s: schedule has no available_hours", subject))
	}
	for i, rule := range s.AvailableHours {
		if len(rule.Days) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: rule #%d has no days", subject, i))
		}
		for _, day := range rule.Days {
			if !schedule.ValidWeekday(day) {
				errs = multierror.Append(errs, fmt.Errorf("%s: invalid day %q", subject, day))
			}
		}
		if len(rule.TimeRanges) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s: rule #%d has no time_ranges", subject, i))
		}
		for _, tr := range rule.TimeRanges {
			if _, err := schedule.ParseClock(tr.Start); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", subject, err))
			}
			if _, err := schedule.ParseClock(tr.End); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", subject, err))
			}
		}
	}
	return errs.ErrorOrNil()
}

func validateEntry(e DomainEntry, subject string) error {
	var errs *multierror.Error
	if !ValidDomain(e.Domain) {
		errs = multierror.Append(errs, fmt.Errorf("%s: invalid domain %q", subject, e.Domain))
	}
	if e.UnblockDelay != "" && !ValidDelay(e.UnblockDelay) {
		errs = multierror.Append(errs, fmt.Errorf("%s: invalid unblock_delay %q", subject, e.UnblockDelay))
	}
	if err := validateSchedule(e.Schedule, subject); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Validate checks the whole policy and returns a ConfigError on the first
// pass through all rules, plus non-fatal warnings (subdomain relationships
// between blocklist and allowlist).
func (p *Policy) Validate() ([]string, error) {
	var errs *multierror.Error
	var warnings []string

	switch p.Version {
	case "1", "1.0", "2", "2.0":
	default:
		errs = multierror.Append(errs, fmt.Errorf("unrecognized config version %q", p.Version))
	}

	if p.Settings.Timezone == "" {
		errs = multierror.Append(errs, fmt.Errorf("settings.timezone is required"))
	} else if _, err := time.LoadLocation(p.Settings.Timezone); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("unknown timezone %q", p.Settings.Timezone))
	}

	seen := map[string]string{} // domain -> owning list
	record := func(domain, owner string) {
		d := NormalizeDomain(domain)
		if prev, dup := seen[d]; dup {
			errs = multierror.Append(errs,
				fmt.Errorf("domain %q appears in both %s and %s", d, prev, owner))
			return
		}
		seen[d] = owner
	}

	for i, e := range p.Blocklist {
		if err := validateEntry(e, fmt.Sprintf("blocklist #%d", i)); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		record(e.Domain, "blocklist")
	}
	for i, e := range p.Allowlist {
		if err := validateEntry(e, fmt.Sprintf("allowlist #%d", i)); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		record(e.Domain, "allowlist")
	}

	catIDs := map[string]bool{}
	for _, c := range p.Categories {
		subject := fmt.Sprintf("category %q", c.ID)
		if !ValidCategoryID(c.ID) {
			errs = multierror.Append(errs, fmt.Errorf("invalid category id %q", c.ID))
		}
		if catIDs[c.ID] {
			errs = multierror.Append(errs, fmt.Errorf("duplicate category id %q", c.ID))
		}
		catIDs[c.ID] = true
		if c.UnblockDelay != "" && !ValidDelay(c.UnblockDelay) {
			errs = multierror.Append(errs, fmt.Errorf("%s: invalid unblock_delay %q", subject, c.UnblockDelay))
		}
		if err := validateSchedule(c.Schedule, subject); err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, d := range c.Domains {
			if !ValidDomain(d) {
				errs = multierror.Append(errs, fmt.Errorf("%s: invalid domain %q", subject, d))
				continue
			}
			record(d, subject)
		}
	}

	if p.NextDNS != nil {
		for _, c := range p.NextDNS.Categories {
			if !NativeCategories[c.ID] {
				errs = multierror.Append(errs, fmt.Errorf("unknown native category %q", c.ID))
			}
			if c.UnblockDelay != "" && !ValidDelay(c.UnblockDelay) {
				errs = multierror.Append(errs, fmt.Errorf("native category %q: invalid unblock_delay %q", c.ID, c.UnblockDelay))
			}
			if err := validateSchedule(c.Schedule, fmt.Sprintf("native category %q", c.ID)); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		for _, s := range p.NextDNS.Services {
			if !NativeServices[s.ID] {
				errs = multierror.Append(errs, fmt.Errorf("unknown native service %q", s.ID))
			}
			if s.UnblockDelay != "" && !ValidDelay(s.UnblockDelay) {
				errs = multierror.Append(errs, fmt.Errorf("native service %q: invalid unblock_delay %q", s.ID, s.UnblockDelay))
			}
			if err := validateSchedule(s.Schedule, fmt.Sprintf("native service %q", s.ID)); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if p.Protection != nil && p.Protection.UnlockDelayHours != 0 &&
		p.Protection.UnlockDelayHours < MinUnlockDelayHours {
		errs = multierror.Append(errs,
			fmt.Errorf("protection.unlock_delay_hours must be >= %d", MinUnlockDelayHours))
	}

	// A parent in the blocklist with a child in the allowlist is legal and
	// worth a warning, not an error.
	for _, a := range p.Allowlist {
		child := NormalizeDomain(a.Domain)
		for _, b := range p.Blocklist {
			parent := NormalizeDomain(b.Domain)
			if child != parent && strings.HasSuffix(child, "."+parent) {
				warnings = append(warnings,
					fmt.Sprintf("allowlist %q is a subdomain of blocklisted %q; allowlist wins for that host", child, parent))
			}
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return warnings, &ConfigError{Err: err}
	}
	return warnings, nil
}
