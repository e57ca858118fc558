package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ndb/internal/audit"
	"ndb/internal/fsutil"
	"ndb/internal/nextdns"
	"ndb/internal/override"
	"ndb/internal/pending"
	"ndb/internal/policy"
)

// fakeRemote is an in-memory profile.
type fakeRemote struct {
	deny, allow   map[string]bool
	categories    map[string]bool
	services      map[string]bool
	flags         nextdns.GlobalFlags
	calls         []string
	removeDenyErr error
}

func newFakeRemote(deny ...string) *fakeRemote {
	f := &fakeRemote{
		deny: map[string]bool{}, allow: map[string]bool{},
		categories: map[string]bool{}, services: map[string]bool{},
	}
	for _, d := range deny {
		f.deny[d] = true
	}
	return f
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (f *fakeRemote) GetDenylist(context.Context) ([]string, error)  { return keys(f.deny), nil }
func (f *fakeRemote) GetAllowlist(context.Context) ([]string, error) { return keys(f.allow), nil }

func (f *fakeRemote) AddDeny(_ context.Context, d string) error {
	f.calls = append(f.calls, "add-deny:"+d)
	f.deny[d] = true
	return nil
}

func (f *fakeRemote) RemoveDeny(_ context.Context, d string) error {
	f.calls = append(f.calls, "remove-deny:"+d)
	if f.removeDenyErr != nil {
		return f.removeDenyErr
	}
	delete(f.deny, d)
	return nil
}

func (f *fakeRemote) AddAllow(_ context.Context, d string) error {
	f.calls = append(f.calls, "add-allow:"+d)
	f.allow[d] = true
	return nil
}

func (f *fakeRemote) RemoveAllow(_ context.Context, d string) error {
	f.calls = append(f.calls, "remove-allow:"+d)
	delete(f.allow, d)
	return nil
}

func (f *fakeRemote) GetParentalControl(context.Context) (*nextdns.ParentalControl, error) {
	return &nextdns.ParentalControl{
		Categories:            f.categories,
		Services:              f.services,
		SafeSearch:            f.flags.SafeSearch != nil && *f.flags.SafeSearch,
		YouTubeRestrictedMode: f.flags.YouTubeRestrictedMode != nil && *f.flags.YouTubeRestrictedMode,
		BlockBypass:           f.flags.BlockBypass != nil && *f.flags.BlockBypass,
	}, nil
}

func (f *fakeRemote) SetCategory(_ context.Context, id string, active bool) error {
	f.calls = append(f.calls, "set-category:"+id)
	f.categories[id] = active
	return nil
}

func (f *fakeRemote) SetService(_ context.Context, id string, active bool) error {
	f.calls = append(f.calls, "set-service:"+id)
	f.services[id] = active
	return nil
}

func (f *fakeRemote) UpdateParentalControlGlobal(_ context.Context, flags nextdns.GlobalFlags) error {
	f.calls = append(f.calls, "set-flags")
	f.flags = flags
	return nil
}

func testRunner(t *testing.T, p *policy.Policy, remote *fakeRemote) *Runner {
	t.Helper()
	dir := t.TempDir()
	return &Runner{
		Remote:    remote,
		Policy:    p,
		Pending:   pending.NewStore(dir),
		Overrides: override.NewStore(dir),
		Audit:     audit.New(dir),
		DataDir:   dir,
		Actor:     audit.ActorReconciler,
	}
}

func TestTick_AppliesAndPublishes(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "reddit.com"}}
	remote := newFakeRemote()
	r := testRunner(t, p, remote)

	summary, err := r.Tick(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Blocked)
	require.True(t, remote.deny["reddit.com"])

	last, err := r.LastSummary()
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, 1, last.Blocked)

	// Second tick converges: nothing to do.
	summary, err = r.Tick(context.Background(), false)
	require.NoError(t, err)
	require.Zero(t, summary.Blocked)
}

func TestTick_DryRunMutatesNothing(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "reddit.com"}}
	remote := newFakeRemote()
	r := testRunner(t, p, remote)

	summary, err := r.Tick(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Blocked, "dry run reports what it would do")
	require.Empty(t, remote.calls)

	last, err := r.LastSummary()
	require.NoError(t, err)
	require.Nil(t, last, "dry run publishes nothing")
}

func TestTick_RemovalsBeforeAdditions(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "new.com"}}
	remote := newFakeRemote("old.com")
	r := testRunner(t, p, remote)

	_, err := r.Tick(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, []string{"remove-deny:old.com", "add-deny:new.com"}, remote.calls)
}

func TestTick_ExecutesDuePending(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "bumble.com", UnblockDelay: "24h"}}
	remote := newFakeRemote("bumble.com")
	r := testRunner(t, p, remote)

	action, err := r.Pending.Create(pending.TargetDomain, "bumble.com", pending.KindUnblock, "24h", -time.Second, nil)
	require.NoError(t, err)

	summary, err := r.Tick(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.PendingExecuted)
	require.Equal(t, 1, summary.Unblocked)
	require.False(t, remote.deny["bumble.com"])

	got, err := r.Pending.Get(action.ID)
	require.NoError(t, err)
	require.Equal(t, pending.StatusExecuted, got.Status)
}

func TestTick_PendingRetainedWhenRemovalFails(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "bumble.com", UnblockDelay: "24h"}}
	remote := newFakeRemote("bumble.com")
	remote.removeDenyErr = errors.New("api unavailable")
	r := testRunner(t, p, remote)

	_, err := r.Pending.Create(pending.TargetDomain, "bumble.com", pending.KindUnblock, "24h", -time.Second, nil)
	require.NoError(t, err)

	summary, err := r.Tick(context.Background(), false)
	require.Error(t, err)
	require.Zero(t, summary.PendingExecuted)
	require.Zero(t, summary.Unblocked)

	still, err := r.Pending.PendingFor(pending.TargetDomain, "bumble.com")
	require.NoError(t, err)
	require.NotNil(t, still, "action stays pending until the removal lands")

	// Next tick retries and completes.
	remote.removeDenyErr = nil
	summary, err = r.Tick(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.PendingExecuted)
	require.Equal(t, 1, summary.Unblocked)
	require.False(t, remote.deny["bumble.com"])
}

func TestTick_PanicDefersPendingAndForcesBlocks(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "a.com"}, {Domain: "b.com"}}
	remote := newFakeRemote()
	r := testRunner(t, p, remote)

	_, err := r.Pending.Create(pending.TargetDomain, "a.com", pending.KindUnblock, "1h", -time.Minute, nil)
	require.NoError(t, err)
	_, err = r.Overrides.StartPanic(time.Hour)
	require.NoError(t, err)

	summary, err := r.Tick(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Blocked)
	require.Zero(t, summary.PendingExecuted)

	still, err := r.Pending.PendingFor(pending.TargetDomain, "a.com")
	require.NoError(t, err)
	require.NotNil(t, still, "pending record preserved through panic")
}

func TestTick_SecondRunnerRefused(t *testing.T) {
	p := basePolicy()
	remote := newFakeRemote()
	r := testRunner(t, p, remote)

	lockPath := filepath.Join(r.DataDir, ".run")
	require.NoError(t, os.MkdirAll(r.DataDir, 0o755))

	// Hold the run token the way a concurrent tick would.
	held, err := fsutil.TryLockExclusive(lockPath)
	require.NoError(t, err)
	defer held.Unlock()

	_, err = r.Tick(context.Background(), false)
	require.ErrorIs(t, err, ErrTickInProgress)
}

func TestTick_AuditTrail(t *testing.T) {
	p := basePolicy()
	p.Blocklist = []policy.DomainEntry{{Domain: "reddit.com"}}
	remote := newFakeRemote()
	r := testRunner(t, p, remote)

	_, err := r.Tick(context.Background(), false)
	require.NoError(t, err)

	data, err := os.ReadFile(r.Audit.Path())
	require.NoError(t, err)
	require.Contains(t, string(data), "| BLOCK | reddit.com")
	require.Contains(t, string(data), "| SYNC | tick")
}
