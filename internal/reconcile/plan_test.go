package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ndb/internal/nextdns"
	"ndb/internal/pending"
	"ndb/internal/policy"
	"ndb/internal/schedule"
)

func weekdaySchedule(ranges ...schedule.TimeRange) *schedule.Schedule {
	return &schedule.Schedule{AvailableHours: []schedule.Rule{{
		Days:       []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		TimeRanges: ranges,
	}}}
}

func basePolicy() *policy.Policy {
	return &policy.Policy{
		Version:  "1.0",
		Settings: policy.Settings{Timezone: "UTC"},
	}
}

// Monday.
var monday = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

func TestBuildPlan_WeekdayEvaluation(t *testing.T) {
	p := basePolicy()
	p.Settings.Timezone = "America/New_York"
	p.Blocklist = []policy.DomainEntry{{
		Domain: "reddit.com",
		Schedule: weekdaySchedule(
			schedule.TimeRange{Start: "12:00", End: "13:00"},
			schedule.TimeRange{Start: "18:00", End: "22:00"},
		),
	}}

	// 14:30 New York on a Monday: outside available hours, block.
	at := time.Date(2024, 1, 15, 14, 30, 0, 0, time.FixedZone("EST", -5*3600))
	plan, err := BuildPlan(Inputs{Policy: p, Now: at})
	require.NoError(t, err)
	require.Equal(t, []string{"reddit.com"}, plan.DenyAdds)
	require.Empty(t, plan.DenyRemoves)

	// 12:30: inside available hours, remove from remote.
	at = time.Date(2024, 1, 15, 12, 30, 0, 0, time.FixedZone("EST", -5*3600))
	plan, err = BuildPlan(Inputs{Policy: p, Now: at, RemoteDeny: []string{"reddit.com"}})
	require.NoError(t, err)
	require.Empty(t, plan.DenyAdds)
	require.Equal(t, []string{"reddit.com"}, plan.DenyRemoves)
}

func TestBuildPlan_PanicDominates(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{
		{Domain: "a.com", Schedule: weekdaySchedule(schedule.TimeRange{Start: "00:00", End: "23:59"})},
		{Domain: "b.com", Schedule: weekdaySchedule(schedule.TimeRange{Start: "00:00", End: "23:59"})},
	}
	p.Allowlist = []policy.DomainEntry{{Domain: "ok.com"}}
	p.NextDNS = &policy.NextDNSSection{Categories: []policy.NativeEntry{
		{ID: "gambling", Schedule: weekdaySchedule(schedule.TimeRange{Start: "00:00", End: "23:59"})},
	}}

	plan, err := BuildPlan(Inputs{
		Policy:      p,
		Now:         monday,
		PanicActive: true,
		PC:          &nextdns.ParentalControl{Categories: map[string]bool{}, Services: map[string]bool{}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a.com", "b.com"}, plan.DenyAdds)
	require.Equal(t, []string{"gambling"}, plan.CategoriesOn)
	require.Empty(t, plan.AllowAdds, "no allowlist additions under panic")
	require.Empty(t, plan.AllowRemoves, "no allowlist removals under panic either")
}

func TestBuildPlan_PanicDefersPending(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "bumble.com"}}
	due := []pending.Action{{
		ID: "pnd_20240114_143000_abc123", Target: "bumble.com",
		TargetType: pending.TargetDomain, Kind: pending.KindUnblock,
		Status: pending.StatusPending, ExecuteAt: monday.Add(-time.Hour),
	}}

	plan, err := BuildPlan(Inputs{
		Policy: p, Now: monday, PanicActive: true,
		RemoteDeny: []string{"bumble.com"}, Due: due,
	})
	require.NoError(t, err)
	require.Empty(t, plan.Execute, "pending executions deferred under panic")
	require.Empty(t, plan.DenyRemoves)
}

func TestBuildPlan_DueUnblockExecutesWithWarning(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "bumble.com"}}
	due := []pending.Action{{
		ID: "pnd_20240114_143000_abc123", Target: "bumble.com",
		TargetType: pending.TargetDomain, Kind: pending.KindUnblock,
		Status: pending.StatusPending, ExecuteAt: monday.Add(-time.Second),
	}}

	plan, err := BuildPlan(Inputs{
		Policy: p, Now: monday,
		RemoteDeny: []string{"bumble.com"}, Due: due,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"bumble.com"}, plan.DenyRemoves,
		"delayed unblock wins over the schedule for this tick")
	require.Len(t, plan.Execute, 1)
	require.Len(t, plan.Warnings, 1)
}

func TestBuildPlan_AllowlistSubdomainOverride(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "amazon.com"}}
	p.Allowlist = []policy.DomainEntry{{Domain: "aws.amazon.com"}}

	plan, err := BuildPlan(Inputs{Policy: p, Now: monday})
	require.NoError(t, err)
	require.Equal(t, []string{"amazon.com"}, plan.DenyAdds)
	require.Equal(t, []string{"aws.amazon.com"}, plan.AllowAdds)
}

func TestBuildPlan_PauseDropsDenyAdds(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{
		Domain:   "x.com",
		Schedule: weekdaySchedule(schedule.TimeRange{Start: "09:00", End: "17:00"}),
	}}

	// Monday 17:01 UTC: outside available hours, would normally be added.
	at := time.Date(2024, 1, 15, 17, 1, 0, 0, time.UTC)
	plan, err := BuildPlan(Inputs{Policy: p, Now: at, PauseActive: true})
	require.NoError(t, err)
	require.Empty(t, plan.DenyAdds)
	require.True(t, plan.Empty())

	// Removals still proceed under pause.
	p.Blocklist[0].Schedule = weekdaySchedule(schedule.TimeRange{Start: "00:00", End: "23:59"})
	plan, err = BuildPlan(Inputs{
		Policy: p, Now: at, PauseActive: true, RemoteDeny: []string{"x.com"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"x.com"}, plan.DenyRemoves)
}

func TestBuildPlan_ConflictFreezesDomain(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "both.com"}, {Domain: "only.com"}}
	p.Allowlist = []policy.DomainEntry{{Domain: "both.com"}}

	plan, err := BuildPlan(Inputs{
		Policy: p, Now: monday,
		RemoteDeny: []string{"both.com"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"both.com"}, plan.Conflicts)
	require.Equal(t, []string{"only.com"}, plan.DenyAdds)
	require.Empty(t, plan.DenyRemoves, "conflicted domain is not touched")
	require.Empty(t, plan.AllowAdds)
}

func TestBuildPlan_CategoryMembersInherit(t *testing.T) {
	p := basePolicy()
	p.Categories = []policy.Category{{
		ID:      "distractions",
		Domains: []string{"news.ycombinator.com", "reddit.com"},
	}}

	plan, err := BuildPlan(Inputs{Policy: p, Now: monday})
	require.NoError(t, err)
	require.Equal(t, []string{"news.ycombinator.com", "reddit.com"}, plan.DenyAdds)
}

func TestBuildPlan_GlobalFlagsDiffOnly(t *testing.T) {
	yes := true
	p := basePolicy()
	p.NextDNS = &policy.NextDNSSection{
		ParentalControl: &policy.ParentalControlFlags{SafeSearch: &yes, BlockBypass: &yes},
	}

	// SafeSearch already matches; only BlockBypass needs a patch.
	plan, err := BuildPlan(Inputs{
		Policy: p, Now: monday,
		PC: &nextdns.ParentalControl{
			Categories: map[string]bool{}, Services: map[string]bool{},
			SafeSearch: true, BlockBypass: false,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, plan.Flags)
	require.Nil(t, plan.Flags.SafeSearch)
	require.NotNil(t, plan.Flags.BlockBypass)

	// Everything matches: no patch at all.
	plan, err = BuildPlan(Inputs{
		Policy: p, Now: monday,
		PC: &nextdns.ParentalControl{
			Categories: map[string]bool{}, Services: map[string]bool{},
			SafeSearch: true, BlockBypass: true,
		},
	})
	require.NoError(t, err)
	require.Nil(t, plan.Flags)
}

func TestBuildPlan_Deterministic(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "z.com"}, {Domain: "a.com"}, {Domain: "m.com"}}
	in := Inputs{Policy: p, Now: monday, RemoteDeny: []string{"gone.com"}}

	first, err := BuildPlan(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := BuildPlan(in)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	require.Equal(t, []string{"a.com", "m.com", "z.com"}, first.DenyAdds)
}
