// Package watchdog registers the periodic sync with the platform scheduler
// (systemd user timers, cron, launchd, or schtasks) and reports on the
// health of the loop.
package watchdog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"ndb/internal/fsutil"
)

const (
	// SyncInterval is how often the scheduler fires the sync command.
	SyncInterval = 2 * time.Minute

	// VerifyInterval is how often the companion job checks that the sync
	// registration still exists and restores it when missing.
	VerifyInterval = 5 * time.Minute

	// StaleAfter is the sync age beyond which the loop counts as unhealthy.
	StaleAfter = 5 * time.Minute

	// DisabledPermanently is the marker body for an open-ended disable.
	DisabledPermanently = "permanent"
)

// ErrNoScheduler means no supported scheduler was found on this host.
var ErrNoScheduler = errors.New("no supported scheduler found")

// Scheduler registers and unregisters the periodic jobs: the sync tick and
// the verify job that re-registers the sync tick when it disappears.
// Registered reports on the sync job.
type Scheduler interface {
	Name() string
	Install(executable string) error
	Uninstall() error
	Registered() (bool, error)
}

// Watchdog manages scheduler registration and the disable marker.
type Watchdog struct {
	DataDir   string
	Scheduler Scheduler

	now func() time.Time
}

// New detects the platform scheduler and returns a Watchdog over dataDir.
func New(dataDir string) (*Watchdog, error) {
	sched, err := detectScheduler()
	if err != nil {
		return nil, err
	}
	return &Watchdog{DataDir: dataDir, Scheduler: sched, now: time.Now}, nil
}

// detectScheduler picks the scheduler for the current host. WSL reports
// linux but usually runs without a systemd init, so it falls back to cron.
func detectScheduler() (Scheduler, error) {
	switch runtime.GOOS {
	case "darwin":
		return &launchdScheduler{}, nil
	case "windows":
		return &schtasksScheduler{}, nil
	case "linux":
		if hasSystemd() && !isWSL() {
			return &systemdScheduler{}, nil
		}
		return &cronScheduler{}, nil
	default:
		return nil, fmt.Errorf("%w on %s", ErrNoScheduler, runtime.GOOS)
	}
}

func hasSystemd() bool {
	info, err := os.Stat("/run/systemd/system")
	return err == nil && info.IsDir()
}

func isWSL() bool {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
}

func (w *Watchdog) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

func (w *Watchdog) markerPath() string { return filepath.Join(w.DataDir, ".watchdog_disabled") }

// Install registers the sync and verify jobs for the current executable.
func (w *Watchdog) Install() error {
	exe, err := executablePath()
	if err != nil {
		return err
	}
	return w.Scheduler.Install(exe)
}

func executablePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("resolving executable: %w", err)
	}
	return exe, nil
}

// Verify checks that the sync job is still registered and re-registers it
// when it is not. It reports whether a reinstall happened.
func (w *Watchdog) Verify() (bool, error) {
	registered, err := w.Scheduler.Registered()
	if err != nil {
		return false, err
	}
	if registered {
		return false, nil
	}
	if err := w.Install(); err != nil {
		return false, fmt.Errorf("restoring sync registration: %w", err)
	}
	return true, nil
}

// Uninstall removes the sync job and any disable marker.
func (w *Watchdog) Uninstall() error {
	if err := w.Scheduler.Uninstall(); err != nil {
		return err
	}
	if err := os.Remove(w.markerPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Disable suppresses sync runs. A zero duration disables permanently.
func (w *Watchdog) Disable(d time.Duration) error {
	if err := os.MkdirAll(w.DataDir, 0o755); err != nil {
		return err
	}
	body := DisabledPermanently
	if d > 0 {
		body = w.clock().Add(d).UTC().Format(time.RFC3339)
	}
	return fsutil.AtomicWrite(w.markerPath(), []byte(body+"\n"), 0o600)
}

// Enable clears the disable marker.
func (w *Watchdog) Enable() error {
	if err := os.Remove(w.markerPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Disabled reports whether sync runs are currently suppressed, and until
// when (zero time for a permanent disable). An expired marker is removed.
func (w *Watchdog) Disabled() (bool, time.Time, error) {
	data, err := os.ReadFile(w.markerPath())
	if errors.Is(err, os.ErrNotExist) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, err
	}
	body := strings.TrimSpace(string(data))
	if body == DisabledPermanently {
		return true, time.Time{}, nil
	}
	until, perr := time.Parse(time.RFC3339, body)
	if perr != nil {
		// Unreadable marker: treat as not disabled so enforcement resumes.
		_ = os.Remove(w.markerPath())
		return false, time.Time{}, nil
	}
	if !w.clock().Before(until) {
		_ = os.Remove(w.markerPath())
		return false, time.Time{}, nil
	}
	return true, until, nil
}

// Status is the health snapshot shown by the status command.
type Status struct {
	Scheduler     string
	Registered    bool
	Disabled      bool
	DisabledUntil time.Time
	LastSyncAt    time.Time
	Stale         bool
	AgentRunning  bool
}

// CurrentStatus inspects the scheduler, the disable marker, the last sync
// summary, and the process table.
func (w *Watchdog) CurrentStatus(lastSyncAt time.Time) (*Status, error) {
	registered, err := w.Scheduler.Registered()
	if err != nil {
		return nil, err
	}
	disabled, until, err := w.Disabled()
	if err != nil {
		return nil, err
	}
	st := &Status{
		Scheduler:     w.Scheduler.Name(),
		Registered:    registered,
		Disabled:      disabled,
		DisabledUntil: until,
		LastSyncAt:    lastSyncAt,
		AgentRunning:  syncProcessRunning(),
	}
	if !lastSyncAt.IsZero() {
		st.Stale = w.clock().Sub(lastSyncAt) > StaleAfter
	}
	return st, nil
}

// syncProcessRunning scans the process table for a concurrent sync.
func syncProcessRunning() bool {
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	self := os.Getpid()
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		name, err := p.Name()
		if err != nil || !strings.HasPrefix(name, "ndb") {
			continue
		}
		cmdline, err := p.Cmdline()
		if err == nil && strings.Contains(cmdline, "sync") {
			return true
		}
	}
	return false
}
