package watchdog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 1, 15, 19, 30, 0, 0, time.UTC)

type fakeScheduler struct {
	installed bool
	lastExe   string
}

func (f *fakeScheduler) Name() string { return "fake" }

func (f *fakeScheduler) Install(exe string) error {
	f.installed = true
	f.lastExe = exe
	return nil
}

func (f *fakeScheduler) Uninstall() error {
	f.installed = false
	return nil
}

func (f *fakeScheduler) Registered() (bool, error) { return f.installed, nil }

func testWatchdog(t *testing.T) (*Watchdog, *time.Time) {
	t.Helper()
	at := baseTime
	w := &Watchdog{DataDir: t.TempDir(), Scheduler: &fakeScheduler{}}
	w.now = func() time.Time { return at }
	return w, &at
}

func TestDisable_Timed(t *testing.T) {
	w, clock := testWatchdog(t)
	require.NoError(t, w.Disable(time.Hour))

	disabled, until, err := w.Disabled()
	require.NoError(t, err)
	require.True(t, disabled)
	require.Equal(t, baseTime.Add(time.Hour), until.UTC())

	*clock = baseTime.Add(2 * time.Hour)
	disabled, _, err = w.Disabled()
	require.NoError(t, err)
	require.False(t, disabled, "marker expired")

	_, err = os.Stat(w.markerPath())
	require.ErrorIs(t, err, os.ErrNotExist, "expired marker removed")
}

func TestDisable_Permanent(t *testing.T) {
	w, clock := testWatchdog(t)
	require.NoError(t, w.Disable(0))

	*clock = baseTime.Add(365 * 24 * time.Hour)
	disabled, until, err := w.Disabled()
	require.NoError(t, err)
	require.True(t, disabled)
	require.True(t, until.IsZero())
}

func TestEnable_ClearsMarker(t *testing.T) {
	w, _ := testWatchdog(t)
	require.NoError(t, w.Enable(), "enable without marker is fine")
	require.NoError(t, w.Disable(0))
	require.NoError(t, w.Enable())

	disabled, _, err := w.Disabled()
	require.NoError(t, err)
	require.False(t, disabled)
}

func TestDisabled_GarbageMarkerResumes(t *testing.T) {
	w, _ := testWatchdog(t)
	require.NoError(t, os.MkdirAll(w.DataDir, 0o755))
	require.NoError(t, os.WriteFile(w.markerPath(), []byte("???\n"), 0o600))

	disabled, _, err := w.Disabled()
	require.NoError(t, err)
	require.False(t, disabled, "unreadable marker fails toward enforcement")
}

func TestCurrentStatus(t *testing.T) {
	w, _ := testWatchdog(t)
	sched := w.Scheduler.(*fakeScheduler)
	sched.installed = true
	require.NoError(t, w.Disable(time.Hour))

	st, err := w.CurrentStatus(baseTime.Add(-10 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, "fake", st.Scheduler)
	require.True(t, st.Registered)
	require.True(t, st.Disabled)
	require.True(t, st.Stale, "last sync older than the stale threshold")

	st, err = w.CurrentStatus(baseTime.Add(-time.Minute))
	require.NoError(t, err)
	require.False(t, st.Stale)
}

func TestUninstall_RemovesMarker(t *testing.T) {
	w, _ := testWatchdog(t)
	require.NoError(t, w.Disable(0))
	require.NoError(t, w.Uninstall())

	_, err := os.Stat(w.markerPath())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestVerify_RestoresMissingRegistration(t *testing.T) {
	w, _ := testWatchdog(t)
	sched := w.Scheduler.(*fakeScheduler)

	reinstalled, err := w.Verify()
	require.NoError(t, err)
	require.True(t, reinstalled, "missing registration is restored")
	require.True(t, sched.installed)
	require.NotEmpty(t, sched.lastExe)

	reinstalled, err = w.Verify()
	require.NoError(t, err)
	require.False(t, reinstalled, "intact registration left alone")
}

func TestCronTabFiltering(t *testing.T) {
	tab := "0 * * * * backup.sh\n" +
		"*/2 * * * * /usr/local/bin/ndb sync " + cronMarker + "\n" +
		"*/5 * * * * /usr/local/bin/ndb watchdog verify " + cronVerifyMarker + "\n"
	kept := withoutMarkedLines(tab)
	require.Equal(t, []string{"0 * * * * backup.sh"}, kept)
}

func TestCronTabRendersBothJobs(t *testing.T) {
	tab := renderTab("0 * * * * backup.sh\n", "/usr/local/bin/ndb")
	require.Contains(t, tab, "0 * * * * backup.sh")
	require.Contains(t, tab, "*/2 * * * * /usr/local/bin/ndb sync # "+jobLabel)
	require.Contains(t, tab, "*/5 * * * * /usr/local/bin/ndb watchdog verify # "+verifyLabel)

	// Reinstalling over an existing tab does not duplicate the entries.
	again := renderTab(tab, "/usr/local/bin/ndb")
	require.Equal(t, 1, strings.Count(again, "# "+jobLabel+"\n"))
	require.Equal(t, 1, strings.Count(again, "# "+verifyLabel+"\n"))
}

func TestSystemdUnits_VerifyCadence(t *testing.T) {
	jobs := scheduledJobs()
	require.Len(t, jobs, 2)

	service, timer := systemdUnits("/usr/local/bin/ndb", jobs[1])
	require.Contains(t, service, "ExecStart=/usr/local/bin/ndb watchdog verify")
	require.Contains(t, timer, "OnUnitActiveSec=300sec")

	_, syncTimer := systemdUnits("/usr/local/bin/ndb", jobs[0])
	require.Contains(t, syncTimer, "OnUnitActiveSec=120sec")
}

func TestLaunchdPlist_VerifyJob(t *testing.T) {
	jobs := scheduledJobs()
	plist := launchdPlist(launchdLabelFor(jobs[1]), "/usr/local/bin/ndb", jobs[1])
	require.Contains(t, plist, "<string>io.nextdns.blocker.verify</string>")
	require.Contains(t, plist, "<string>watchdog</string>")
	require.Contains(t, plist, "<string>verify</string>")
	require.Contains(t, plist, "<integer>300</integer>")
}

func TestSystemdUnitPaths(t *testing.T) {
	s := &systemdScheduler{}
	dir, err := s.unitDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(os.Getenv("HOME"), ".config", "systemd", "user"), dir)
}
