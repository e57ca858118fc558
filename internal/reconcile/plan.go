// Package reconcile computes and applies the minimal diff between the
// operator policy and the remote profile state. Plan construction is a pure
// function of its inputs so the same snapshot always yields the same plan.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"ndb/internal/nextdns"
	"ndb/internal/pending"
	"ndb/internal/policy"
	"ndb/internal/schedule"
)

// Inputs is the immutable snapshot a plan is computed from.
type Inputs struct {
	Policy      *policy.Policy
	Now         time.Time
	PanicActive bool
	PauseActive bool
	RemoteDeny  []string
	RemoteAllow []string
	PC          *nextdns.ParentalControl
	Due         []pending.Action
}

// Plan is the ordered set of mutations for one tick. All slices are sorted
// lexically so identical inputs produce byte-identical plans.
type Plan struct {
	DenyAdds     []string
	DenyRemoves  []string
	AllowAdds    []string
	AllowRemoves []string

	CategoriesOn  []string
	CategoriesOff []string
	ServicesOn    []string
	ServicesOff   []string

	// Flags holds only the global parental-control fields that differ from
	// the remote; nil when nothing changes.
	Flags *nextdns.GlobalFlags

	// Execute lists due pending actions to run this tick.
	Execute []pending.Action

	Conflicts []string
	Warnings  []string
}

// Empty reports whether the plan mutates nothing.
func (p *Plan) Empty() bool {
	return len(p.DenyAdds) == 0 && len(p.DenyRemoves) == 0 &&
		len(p.AllowAdds) == 0 && len(p.AllowRemoves) == 0 &&
		len(p.CategoriesOn) == 0 && len(p.CategoriesOff) == 0 &&
		len(p.ServicesOn) == 0 && len(p.ServicesOff) == 0 &&
		p.Flags == nil && len(p.Execute) == 0
}

// blockedNow decides whether an entry should currently be enforced. Panic
// forces everything on; a nil schedule means always blocked; otherwise the
// entry is blocked exactly when its schedule says it is not available.
func blockedNow(sched *schedule.Schedule, panicActive bool, now time.Time, zone string) (bool, error) {
	if panicActive {
		return true, nil
	}
	if sched == nil {
		return true, nil
	}
	available, err := schedule.IsAvailable(sched, now, zone)
	if err != nil {
		return false, err
	}
	return !available, nil
}

// BuildPlan computes the tick plan. It performs no I/O.
func BuildPlan(in Inputs) (*Plan, error) {
	plan := &Plan{}
	zone := in.Policy.Timezone()

	desiredBlock := map[string]bool{}
	addBlocked := func(domain string, sched *schedule.Schedule) error {
		blocked, err := blockedNow(sched, in.PanicActive, in.Now, zone)
		if err != nil {
			return fmt.Errorf("evaluating schedule for %s: %w", domain, err)
		}
		if blocked {
			desiredBlock[policy.NormalizeDomain(domain)] = true
		}
		return nil
	}
	for _, e := range in.Policy.Blocklist {
		if err := addBlocked(e.Domain, e.Schedule); err != nil {
			return nil, err
		}
	}
	for _, c := range in.Policy.Categories {
		for _, member := range c.Domains {
			if err := addBlocked(member, c.Schedule); err != nil {
				return nil, err
			}
		}
	}

	desiredAllow := map[string]bool{}
	if !in.PanicActive {
		for _, e := range in.Policy.Allowlist {
			available := true
			if e.Schedule != nil {
				var err error
				available, err = schedule.IsAvailable(e.Schedule, in.Now, zone)
				if err != nil {
					return nil, fmt.Errorf("evaluating schedule for %s: %w", e.Domain, err)
				}
			}
			if available {
				desiredAllow[policy.NormalizeDomain(e.Domain)] = true
			}
		}
	}

	// A domain in both desired sets is a policy bug. Freeze it for this
	// tick: no mutation in either direction.
	for domain := range desiredBlock {
		if desiredAllow[domain] {
			plan.Conflicts = append(plan.Conflicts, domain)
			delete(desiredBlock, domain)
			delete(desiredAllow, domain)
		}
	}
	sort.Strings(plan.Conflicts)

	forcedPCOff := map[string]bool{}
	if !in.PanicActive {
		for _, action := range in.Due {
			switch action.TargetType {
			case pending.TargetDomain:
				switch action.Kind {
				case pending.KindUnblock:
					if desiredBlock[action.Target] {
						plan.Warnings = append(plan.Warnings, fmt.Sprintf(
							"%s: delayed unblock executed while its schedule blocks it; it will be re-blocked next tick",
							action.Target))
					}
					delete(desiredBlock, action.Target)
				case pending.KindDisallow:
					delete(desiredAllow, action.Target)
				}
			case pending.TargetCategory, pending.TargetService:
				forcedPCOff[action.Target] = true
			}
			plan.Execute = append(plan.Execute, action)
		}
	}

	frozen := map[string]bool{}
	for _, d := range plan.Conflicts {
		frozen[d] = true
	}
	remoteDeny := lo.Reject(normalizeAll(in.RemoteDeny), func(d string, _ int) bool { return frozen[d] })
	remoteAllow := lo.Reject(normalizeAll(in.RemoteAllow), func(d string, _ int) bool { return frozen[d] })

	denyAdds, denyRemoves := diffSets(lo.Keys(desiredBlock), remoteDeny)
	if in.PauseActive && !in.PanicActive {
		denyAdds = nil
	}
	plan.DenyAdds = denyAdds
	plan.DenyRemoves = denyRemoves

	if !in.PanicActive {
		plan.AllowAdds, plan.AllowRemoves = diffSets(lo.Keys(desiredAllow), remoteAllow)
	}

	if in.Policy.NextDNS != nil && in.PC != nil {
		var err error
		plan.CategoriesOn, plan.CategoriesOff, err = diffNative(
			in.Policy.NextDNS.Categories, in.PC.Categories, forcedPCOff, in, zone)
		if err != nil {
			return nil, err
		}
		plan.ServicesOn, plan.ServicesOff, err = diffNative(
			in.Policy.NextDNS.Services, in.PC.Services, forcedPCOff, in, zone)
		if err != nil {
			return nil, err
		}
		if in.PauseActive && !in.PanicActive {
			plan.CategoriesOn = nil
			plan.ServicesOn = nil
		}
		plan.Flags = diffFlags(in.Policy.NextDNS.ParentalControl, in.PC)
	}

	return plan, nil
}

func normalizeAll(domains []string) []string {
	return lo.Map(domains, func(d string, _ int) string { return policy.NormalizeDomain(d) })
}

// diffSets returns desired-minus-current and current-minus-desired, sorted.
func diffSets(desired, current []string) (adds, removes []string) {
	adds, removes = lo.Difference(desired, current)
	sort.Strings(adds)
	sort.Strings(removes)
	return adds, removes
}

func diffNative(entries []policy.NativeEntry, current map[string]bool, forcedOff map[string]bool, in Inputs, zone string) (on, off []string, err error) {
	for _, e := range entries {
		want, berr := blockedNow(e.Schedule, in.PanicActive, in.Now, zone)
		if berr != nil {
			return nil, nil, fmt.Errorf("evaluating schedule for %s: %w", e.ID, berr)
		}
		if forcedOff[e.ID] {
			want = false
		}
		switch {
		case want && !current[e.ID]:
			on = append(on, e.ID)
		case !want && current[e.ID]:
			off = append(off, e.ID)
		}
	}
	sort.Strings(on)
	sort.Strings(off)
	return on, off, nil
}

// diffFlags returns the global flags that differ from the remote, nil when
// none do or none are configured.
func diffFlags(want *policy.ParentalControlFlags, pc *nextdns.ParentalControl) *nextdns.GlobalFlags {
	if want == nil {
		return nil
	}
	out := &nextdns.GlobalFlags{}
	changed := false
	if want.SafeSearch != nil && *want.SafeSearch != pc.SafeSearch {
		out.SafeSearch = want.SafeSearch
		changed = true
	}
	if want.YouTubeRestrictedMode != nil && *want.YouTubeRestrictedMode != pc.YouTubeRestrictedMode {
		out.YouTubeRestrictedMode = want.YouTubeRestrictedMode
		changed = true
	}
	if want.BlockBypass != nil && *want.BlockBypass != pc.BlockBypass {
		out.BlockBypass = want.BlockBypass
		changed = true
	}
	if !changed {
		return nil
	}
	return out
}
