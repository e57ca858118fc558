// Package analytics aggregates the audit log into usage statistics: what got
// blocked, how often the operator bypassed it, and when activity clusters.
package analytics

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Entry is one parsed audit line.
type Entry struct {
	At       time.Time
	Watchdog bool
	Verb     string
	Object   string
	Detail   map[string]string
}

const timeLayout = "2006-01-02T15:04:05Z"

// ParseLine parses one audit line of the form
//
//	2024-01-15T19:30:00Z | BLOCK | reddit.com | reason=schedule
//
// with an optional WD marker after the timestamp. Malformed lines report ok
// false and are skipped by callers.
func ParseLine(line string) (Entry, bool) {
	parts := strings.Split(strings.TrimRight(line, "\n"), " | ")
	if len(parts) < 3 {
		return Entry{}, false
	}
	at, err := time.Parse(timeLayout, parts[0])
	if err != nil {
		return Entry{}, false
	}
	e := Entry{At: at}
	rest := parts[1:]
	if rest[0] == "WD" {
		e.Watchdog = true
		rest = rest[1:]
	}
	if len(rest) < 2 {
		return Entry{}, false
	}
	e.Verb = rest[0]
	e.Object = rest[1]
	if len(rest) > 2 {
		e.Detail = map[string]string{}
		for _, pair := range strings.Fields(rest[2]) {
			if k, v, found := strings.Cut(pair, "="); found {
				e.Detail[k] = v
			}
		}
	}
	return e, true
}

// ReadLog parses every well-formed line of the audit log at path. A missing
// log is an empty history, not an error.
func ReadLog(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if e, ok := ParseLine(scanner.Text()); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	return entries, nil
}

// DomainStats accumulates per-domain activity.
type DomainStats struct {
	Domain           string
	Blocks           int
	Unblocks         int
	Allows           int
	Disallows        int
	PendingCreated   int
	PendingCancelled int
	PendingExecuted  int
	LastBlocked      time.Time
	LastUnblocked    time.Time
}

// Effectiveness scores a domain 0-100: the share of blocks that were not
// manually undone. No blocks means nothing was bypassed.
func (d DomainStats) Effectiveness() float64 {
	if d.Blocks == 0 {
		return 100
	}
	score := float64(d.Blocks-d.Unblocks) / float64(d.Blocks) * 100
	return lo.Clamp(score, 0, 100)
}

// Hour is the activity histogram bucket for one hour of day.
type Hour struct {
	Hour      int
	Blocks    int
	Unblocks  int
	Allows    int
	Disallows int
}

// Total is the bucket's combined activity.
func (h Hour) Total() int { return h.Blocks + h.Unblocks + h.Allows + h.Disallows }

// Report is the aggregate over a window of audit entries.
type Report struct {
	Entries   int
	From, To  time.Time
	Verbs     map[string]int
	Blocks    int
	Unblocks  int
	Allows    int
	Disallows int
	Pauses    int
	Resumes   int
	Domains   []DomainStats
	Hours     [24]Hour
}

// Effectiveness is the overall 0-100 score across all domains.
func (r *Report) Effectiveness() float64 {
	if r.Blocks == 0 {
		return 100
	}
	score := float64(r.Blocks-r.Unblocks) / float64(r.Blocks) * 100
	return lo.Clamp(score, 0, 100)
}

// Filter restricts which entries a report covers. Zero Since means all
// history; empty Domain means all domains.
type Filter struct {
	Since  time.Time
	Domain string
}

// entryDomain extracts the domain an entry concerns, "" when none. Domain
// verbs carry it as the object; pending verbs carry it in the detail.
func entryDomain(e Entry) string {
	switch e.Verb {
	case "BLOCK", "UNBLOCK", "ALLOW", "DISALLOW":
		return e.Object
	case "PENDING_CREATE":
		return e.Detail["domain"]
	case "PENDING_EXECUTE", "PENDING_CANCEL":
		if d := e.Detail["domain"]; d != "" {
			return d
		}
		return e.Detail["target"]
	}
	return ""
}

// Build aggregates entries into a report. Domains are sorted by block count
// descending, ties broken by name.
func Build(entries []Entry, f Filter) *Report {
	entries = lo.Filter(entries, func(e Entry, _ int) bool {
		if !f.Since.IsZero() && e.At.Before(f.Since) {
			return false
		}
		if f.Domain != "" && !strings.EqualFold(entryDomain(e), f.Domain) {
			return false
		}
		return true
	})

	r := &Report{Entries: len(entries), Verbs: map[string]int{}}
	for i := range r.Hours {
		r.Hours[i].Hour = i
	}
	byDomain := map[string]*DomainStats{}

	for _, e := range entries {
		if r.From.IsZero() || e.At.Before(r.From) {
			r.From = e.At
		}
		if e.At.After(r.To) {
			r.To = e.At
		}
		r.Verbs[e.Verb]++

		h := &r.Hours[e.At.Hour()]
		switch e.Verb {
		case "BLOCK":
			r.Blocks++
			h.Blocks++
		case "UNBLOCK":
			r.Unblocks++
			h.Unblocks++
		case "ALLOW":
			r.Allows++
			h.Allows++
		case "DISALLOW":
			r.Disallows++
			h.Disallows++
		case "PAUSE":
			r.Pauses++
		case "RESUME":
			r.Resumes++
		}

		domain := entryDomain(e)
		if domain == "" {
			continue
		}
		d, ok := byDomain[domain]
		if !ok {
			d = &DomainStats{Domain: domain}
			byDomain[domain] = d
		}
		switch e.Verb {
		case "BLOCK":
			d.Blocks++
			d.LastBlocked = e.At
		case "UNBLOCK":
			d.Unblocks++
			d.LastUnblocked = e.At
		case "ALLOW":
			d.Allows++
		case "DISALLOW":
			d.Disallows++
		case "PENDING_CREATE":
			d.PendingCreated++
		case "PENDING_CANCEL":
			d.PendingCancelled++
		case "PENDING_EXECUTE":
			d.PendingExecuted++
		}
	}

	for _, d := range byDomain {
		r.Domains = append(r.Domains, *d)
	}
	sort.Slice(r.Domains, func(i, j int) bool {
		if r.Domains[i].Blocks != r.Domains[j].Blocks {
			return r.Domains[i].Blocks > r.Domains[j].Blocks
		}
		return r.Domains[i].Domain < r.Domains[j].Domain
	})
	return r
}
