package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"ndb/internal/audit"
	"ndb/internal/fsutil"
	"ndb/internal/nextdns"
	"ndb/internal/notify"
	"ndb/internal/override"
	"ndb/internal/pending"
	"ndb/internal/policy"
	"ndb/internal/protection"
)

// ErrTickInProgress means another process holds the run token.
var ErrTickInProgress = errors.New("another sync is already running")

// Remote is the mutation surface the runner needs. *nextdns.Client satisfies
// it; tests inject a fake.
type Remote interface {
	GetDenylist(ctx context.Context) ([]string, error)
	GetAllowlist(ctx context.Context) ([]string, error)
	AddDeny(ctx context.Context, domain string) error
	RemoveDeny(ctx context.Context, domain string) error
	AddAllow(ctx context.Context, domain string) error
	RemoveAllow(ctx context.Context, domain string) error
	GetParentalControl(ctx context.Context) (*nextdns.ParentalControl, error)
	SetCategory(ctx context.Context, id string, active bool) error
	SetService(ctx context.Context, id string, active bool) error
	UpdateParentalControlGlobal(ctx context.Context, flags nextdns.GlobalFlags) error
}

// Summary is the published result of one tick.
type Summary struct {
	At              time.Time `json:"at"`
	DurationMS      int64     `json:"duration_ms"`
	DryRun          bool      `json:"dry_run,omitempty"`
	Blocked         int       `json:"blocked"`
	Unblocked       int       `json:"unblocked"`
	Allowed         int       `json:"allowed"`
	Disallowed      int       `json:"disallowed"`
	PCActivated     int       `json:"pc_activated"`
	PCDeactivated   int       `json:"pc_deactivated"`
	PendingExecuted int       `json:"pending_executed"`
	Errors          int       `json:"errors"`
	Warnings        []string  `json:"warnings,omitempty"`
}

// Runner wires one tick: snapshot, plan, apply, record.
type Runner struct {
	Remote    Remote
	Policy    *policy.Policy
	Pending   *pending.Store
	Overrides *override.Store
	Audit     *audit.Logger
	Notifier  *notify.Notifier
	Gate      *protection.Gate
	DataDir   string
	Actor     string

	now func() time.Time
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Runner) summaryPath() string { return filepath.Join(r.DataDir, "last_sync.json") }

// LastSummary reads the most recent published tick summary, nil when none.
func (r *Runner) LastSummary() (*Summary, error) {
	data, err := os.ReadFile(r.summaryPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing last sync summary: %w", err)
	}
	return &s, nil
}

// Tick runs one reconciliation. With dryRun the plan is computed and
// summarized but nothing is mutated, executed, or published.
func (r *Runner) Tick(ctx context.Context, dryRun bool) (*Summary, error) {
	start := r.clock()

	lock, err := fsutil.TryLockExclusive(filepath.Join(r.DataDir, ".run"))
	if errors.Is(err, fsutil.ErrWouldBlock) {
		return nil, ErrTickInProgress
	}
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	plan, err := r.buildPlan(ctx, start)
	if err != nil {
		return nil, err
	}

	summary := &Summary{At: start.UTC(), DryRun: dryRun, Warnings: plan.Warnings}
	if dryRun {
		summary.Blocked = len(plan.DenyAdds)
		summary.Unblocked = len(plan.DenyRemoves)
		summary.Allowed = len(plan.AllowAdds)
		summary.Disallowed = len(plan.AllowRemoves)
		summary.PCActivated = len(plan.CategoriesOn) + len(plan.ServicesOn)
		summary.PCDeactivated = len(plan.CategoriesOff) + len(plan.ServicesOff)
		summary.PendingExecuted = len(plan.Execute)
		summary.DurationMS = r.clock().Sub(start).Milliseconds()
		return summary, nil
	}

	errs := r.apply(ctx, plan, summary)

	if removed, gcErr := r.Pending.GC(r.clock()); gcErr != nil {
		errs = multierror.Append(errs, gcErr)
	} else if removed > 0 {
		slog.Debug("pruned pending history", "removed", removed)
	}

	if errs != nil {
		summary.Errors = len(errs.Errors)
	}
	summary.DurationMS = r.clock().Sub(start).Milliseconds()
	r.recordTick(plan, summary)

	if err := r.publish(summary); err != nil {
		errs = multierror.Append(errs, err)
	}
	return summary, errs.ErrorOrNil()
}

func (r *Runner) buildPlan(ctx context.Context, now time.Time) (*Plan, error) {
	panicActive, _, err := r.Overrides.PanicActive()
	if err != nil {
		return nil, err
	}
	pauseActive, _, err := r.Overrides.PauseActive()
	if err != nil {
		return nil, err
	}
	due, err := r.Pending.Due(now)
	if err != nil {
		return nil, err
	}
	remoteDeny, err := r.Remote.GetDenylist(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching denylist: %w", err)
	}
	remoteAllow, err := r.Remote.GetAllowlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching allowlist: %w", err)
	}
	var pc *nextdns.ParentalControl
	if r.Policy.NextDNS != nil {
		if pc, err = r.Remote.GetParentalControl(ctx); err != nil {
			return nil, fmt.Errorf("fetching parental control: %w", err)
		}
	}

	return BuildPlan(Inputs{
		Policy:      r.Policy,
		Now:         now,
		PanicActive: panicActive,
		PauseActive: pauseActive,
		RemoteDeny:  remoteDeny,
		RemoteAllow: remoteAllow,
		PC:          pc,
		Due:         due,
	})
}

// apply walks the plan in a fixed order: removals before additions so a
// domain moving between lists never overlaps, then parental control, then
// global flags, then pending transitions. Failures are collected and the
// rest of the plan still runs.
func (r *Runner) apply(ctx context.Context, plan *Plan, summary *Summary) *multierror.Error {
	var errs *multierror.Error
	failed := map[string]bool{}

	step := func(items []string, op func(context.Context, string) error, verb string, counter *int) {
		for _, item := range items {
			if err := op(ctx, item); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", verb, item, err))
				failed[verb+"|"+item] = true
				continue
			}
			*counter++
			r.auditRecord(verb, item, nil)
		}
	}

	step(plan.DenyRemoves, r.Remote.RemoveDeny, audit.VerbUnblock, &summary.Unblocked)
	step(plan.DenyAdds, r.Remote.AddDeny, audit.VerbBlock, &summary.Blocked)
	step(plan.AllowRemoves, r.Remote.RemoveAllow, audit.VerbDisallow, &summary.Disallowed)
	step(plan.AllowAdds, r.Remote.AddAllow, audit.VerbAllow, &summary.Allowed)

	toggle := func(items []string, kind string, active bool, verb string, counter *int) {
		for _, id := range items {
			var err error
			if kind == "category" {
				err = r.Remote.SetCategory(ctx, id, active)
			} else {
				err = r.Remote.SetService(ctx, id, active)
			}
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s %s %s: %w", verb, kind, id, err))
				failed[verb+"|"+id] = true
				continue
			}
			*counter++
			r.auditRecord(verb, id, map[string]string{"type": kind})
		}
	}

	toggle(plan.CategoriesOff, "category", false, audit.VerbPCDeactivate, &summary.PCDeactivated)
	toggle(plan.ServicesOff, "service", false, audit.VerbPCDeactivate, &summary.PCDeactivated)
	toggle(plan.CategoriesOn, "category", true, audit.VerbPCActivate, &summary.PCActivated)
	toggle(plan.ServicesOn, "service", true, audit.VerbPCActivate, &summary.PCActivated)

	if plan.Flags != nil {
		if err := r.Remote.UpdateParentalControlGlobal(ctx, *plan.Flags); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("updating global flags: %w", err))
		} else {
			r.auditRecord(audit.VerbPCActivate, "global-flags", nil)
		}
	}

	dependencyVerb := map[string]string{
		pending.KindUnblock:    audit.VerbUnblock,
		pending.KindDisallow:   audit.VerbDisallow,
		pending.KindDeactivate: audit.VerbPCDeactivate,
	}

	for _, action := range plan.Execute {
		// An action completes only when its paired mutation landed; on
		// failure it stays pending and the next tick retries.
		if verb, ok := dependencyVerb[action.Kind]; ok && failed[verb+"|"+action.Target] {
			slog.Warn("pending action retained, paired mutation failed",
				"id", action.ID, "kind", action.Kind, "target", action.Target)
			continue
		}
		if action.TargetType == pending.TargetPIN && r.Gate != nil {
			if err := r.Gate.Remove(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("removing PIN: %w", err))
				continue
			}
		}
		if err := r.Pending.MarkExecuted(action.ID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("marking %s executed: %w", action.ID, err))
			continue
		}
		summary.PendingExecuted++
		r.auditRecord(audit.VerbPendingExecute, action.ID,
			map[string]string{"target": action.Target, "kind": action.Kind})
	}

	return errs
}

func (r *Runner) auditRecord(verb, object string, detail map[string]string) {
	if r.Audit == nil {
		return
	}
	if err := r.Audit.Record(r.Actor, verb, object, detail); err != nil {
		slog.Warn("audit write failed", "verb", verb, "object", object, "error", err)
	}
}

func (r *Runner) recordTick(plan *Plan, summary *Summary) {
	mutations := summary.Blocked + summary.Unblocked + summary.Allowed + summary.Disallowed +
		summary.PCActivated + summary.PCDeactivated
	r.auditRecord(audit.VerbSync, "tick", map[string]string{
		"mutations": fmt.Sprintf("%d", mutations),
		"pending":   fmt.Sprintf("%d", summary.PendingExecuted),
		"errors":    fmt.Sprintf("%d", summary.Errors),
	})
	for _, c := range plan.Conflicts {
		slog.Error("domain present in both blocklist and allowlist, skipped", "domain", c)
	}
	if r.Notifier != nil {
		for _, w := range plan.Warnings {
			r.Notifier.Warnf("delayed unblock conflict", "%s", w)
		}
	}
}

func (r *Runner) publish(summary *Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(r.summaryPath(), data, 0o644)
}
