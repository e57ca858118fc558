package override

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ndb/internal/audit"
	"ndb/internal/fsutil"
)

var baseTime = time.Date(2024, 1, 15, 19, 30, 0, 0, time.UTC)

func testStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	at := baseTime
	s := NewStore(t.TempDir())
	s.now = func() time.Time { return at }
	return s, &at
}

func TestPause_ActiveUntilExpiry(t *testing.T) {
	s, clock := testStore(t)

	until, err := s.Pause(30 * time.Minute)
	require.NoError(t, err)
	require.Equal(t, baseTime.Add(30*time.Minute), until)

	active, got, err := s.PauseActive()
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, until.UTC(), got.UTC())

	*clock = baseTime.Add(31 * time.Minute)
	active, _, err = s.PauseActive()
	require.NoError(t, err)
	require.False(t, active)

	// Expired marker is removed on read.
	_, err = os.Stat(filepath.Join(s.dir, ".paused"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPause_ReplacesExisting(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.Pause(10 * time.Minute)
	require.NoError(t, err)
	until, err := s.Pause(2 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, baseTime.Add(2*time.Hour), until)
}

func TestResume(t *testing.T) {
	s, _ := testStore(t)
	require.ErrorIs(t, s.Resume(), ErrNotActive)

	_, err := s.Pause(time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Resume())

	active, _, err := s.PauseActive()
	require.NoError(t, err)
	require.False(t, active)
}

func TestPanic_MinimumDuration(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.StartPanic(10 * time.Minute)
	require.ErrorIs(t, err, ErrPanicTooShort)

	_, err = s.StartPanic(15 * time.Minute)
	require.NoError(t, err)
}

func TestPanic_NoRestartWhileActive(t *testing.T) {
	s, clock := testStore(t)
	_, err := s.StartPanic(time.Hour)
	require.NoError(t, err)

	_, err = s.StartPanic(time.Hour)
	require.ErrorIs(t, err, ErrPanicActive)

	*clock = baseTime.Add(2 * time.Hour)
	_, err = s.StartPanic(time.Hour)
	require.NoError(t, err, "restart allowed after expiry")
}

func TestPanic_Extend(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.ExtendPanic(time.Hour)
	require.ErrorIs(t, err, ErrNotActive)

	until, err := s.StartPanic(time.Hour)
	require.NoError(t, err)

	extended, err := s.ExtendPanic(30 * time.Minute)
	require.NoError(t, err)
	require.Equal(t, until.Add(30*time.Minute).UTC(), extended.UTC())

	_, err = s.ExtendPanic(-time.Minute)
	require.Error(t, err)
}

func TestMarkerLock_SharedReadersCoexist(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.Pause(time.Hour)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(s.dir, ".paused.lock"))
	require.NoError(t, err, "mutation goes through the marker lock")

	// A reader holding the shared lock does not block another reader.
	held, err := fsutil.LockShared(filepath.Join(s.dir, ".paused.lock"))
	require.NoError(t, err)
	defer held.Unlock()

	active, _, err := s.PauseActive()
	require.NoError(t, err)
	require.True(t, active)
}

func TestPanicExpiry_Audited(t *testing.T) {
	s, clock := testStore(t)
	s.Audit = audit.New(s.dir)

	_, err := s.StartPanic(time.Hour)
	require.NoError(t, err)

	*clock = baseTime.Add(2 * time.Hour)
	active, _, err := s.PanicActive()
	require.NoError(t, err)
	require.False(t, active)

	data, err := os.ReadFile(s.Audit.Path())
	require.NoError(t, err)
	require.Contains(t, string(data), "| PANIC_END | enforcement")
	require.Contains(t, string(data), "expired_at="+baseTime.Add(time.Hour).UTC().Format(time.RFC3339))

	// The entry is emitted once: a later read finds no marker to clear.
	before := string(data)
	_, _, err = s.PanicActive()
	require.NoError(t, err)
	data, err = os.ReadFile(s.Audit.Path())
	require.NoError(t, err)
	require.Equal(t, before, string(data))
}

func TestCorruptMarker_QuarantinedAndInactive(t *testing.T) {
	s, _ := testStore(t)
	path := filepath.Join(s.dir, ".panic")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o600))

	active, _, err := s.PanicActive()
	require.NoError(t, err)
	require.False(t, active, "corruption fails closed")

	_, err = os.Stat(path + ".bak." + baseTime.Format("20060102T150405Z"))
	require.NoError(t, err)
}
