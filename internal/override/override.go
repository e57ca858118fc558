// Package override manages the two temporary reconciliation overrides:
// pause (suspend enforcement additions) and panic (block-only lockdown).
// Each is a marker file holding a single RFC3339 expiry timestamp. Readers
// take a shared flock on the marker's lock file, mutators an exclusive one,
// so a watchdog tick and an operator command never race a check-then-write.
package override

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ndb/internal/audit"
	"ndb/internal/fsutil"
)

// MinPanicDuration is the shortest accepted panic window.
const MinPanicDuration = 15 * time.Minute

// DefaultPauseDuration applies when pause is invoked without a duration.
const DefaultPauseDuration = 30 * time.Minute

var (
	// ErrPanicActive means a panic session is already running; it cannot
	// be replaced, only extended.
	ErrPanicActive = errors.New("panic mode already active")

	// ErrPanicTooShort rejects sub-minimum panic durations.
	ErrPanicTooShort = fmt.Errorf("panic duration must be at least %s", MinPanicDuration)

	// ErrNotActive means there is no session to act on.
	ErrNotActive = errors.New("no active session")
)

// Store reads and writes the override marker files in one directory.
type Store struct {
	dir string
	now func() time.Time

	// Audit, when set, receives a PANIC_END entry the moment an expired
	// panic marker is cleared.
	Audit *audit.Logger
}

// NewStore returns a Store over dir/.paused and dir/.panic.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

func (s *Store) pausePath() string { return filepath.Join(s.dir, ".paused") }
func (s *Store) panicPath() string { return filepath.Join(s.dir, ".panic") }

func (s *Store) withExclusive(path string, fn func() error) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	lock, err := fsutil.LockExclusive(path + ".lock")
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}

// peekMarker reads a marker without mutating anything. corrupt is true when
// the file exists but does not parse; the caller decides what to do about it
// under the lock it already holds.
func peekMarker(path string) (expiry time.Time, corrupt bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	expiry, perr := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if perr != nil {
		return time.Time{}, true, nil
	}
	return expiry, false, nil
}

// clearCorrupt quarantines an unparsable marker and treats it as absent,
// which fails closed: enforcement resumes.
func (s *Store) clearCorrupt(path string) error {
	bak, err := fsutil.Quarantine(path, s.now())
	if err != nil {
		return fmt.Errorf("marker corrupted and quarantine failed: %w", err)
	}
	slog.Warn("override marker corrupted, cleared", "marker", filepath.Base(path), "quarantined", bak)
	return nil
}

func (s *Store) writeMarker(path string, expiry time.Time) error {
	return fsutil.AtomicWrite(path, []byte(expiry.UTC().Format(time.RFC3339)+"\n"), 0o600)
}

func removeMarker(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Pause begins a pause session ending at now+d. A new pause replaces any
// existing one. It returns the expiry.
func (s *Store) Pause(d time.Duration) (time.Time, error) {
	if d <= 0 {
		d = DefaultPauseDuration
	}
	expiry := s.now().Add(d)
	err := s.withExclusive(s.pausePath(), func() error {
		return s.writeMarker(s.pausePath(), expiry)
	})
	if err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// Resume ends the pause session. ErrNotActive when none is running.
func (s *Store) Resume() error {
	return s.withExclusive(s.pausePath(), func() error {
		expiry, corrupt, err := peekMarker(s.pausePath())
		if err != nil {
			return err
		}
		if corrupt {
			if err := s.clearCorrupt(s.pausePath()); err != nil {
				return err
			}
			return fmt.Errorf("%w: not paused", ErrNotActive)
		}
		if expiry.IsZero() || !s.now().Before(expiry) {
			_ = removeMarker(s.pausePath())
			return fmt.Errorf("%w: not paused", ErrNotActive)
		}
		return removeMarker(s.pausePath())
	})
}

// PauseActive reports whether a pause session is in effect and its expiry.
// An expired marker is cleaned up on read.
func (s *Store) PauseActive() (bool, time.Time, error) {
	return s.markerActive(s.pausePath())
}

// StartPanic begins a panic session of duration d. It fails when d is
// below the minimum or a session is already active. The existence check and
// the write happen under one exclusive lock so two concurrent invocations
// cannot both start a session.
func (s *Store) StartPanic(d time.Duration) (time.Time, error) {
	if d < MinPanicDuration {
		return time.Time{}, ErrPanicTooShort
	}
	var expiry time.Time
	err := s.withExclusive(s.panicPath(), func() error {
		current, corrupt, err := peekMarker(s.panicPath())
		if err != nil {
			return err
		}
		if corrupt {
			if err := s.clearCorrupt(s.panicPath()); err != nil {
				return err
			}
			current = time.Time{}
		}
		if !current.IsZero() && s.now().Before(current) {
			return fmt.Errorf("%w until %s", ErrPanicActive, current.Local().Format(time.RFC3339))
		}
		expiry = s.now().Add(d)
		return s.writeMarker(s.panicPath(), expiry)
	})
	if err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// ExtendPanic pushes the active session's expiry out by d. A panic session
// cannot be shortened or ended early. Read-modify-write happens under the
// exclusive lock so concurrent extensions never lose each other.
func (s *Store) ExtendPanic(d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, errors.New("extension must be positive")
	}
	var expiry time.Time
	err := s.withExclusive(s.panicPath(), func() error {
		current, corrupt, err := peekMarker(s.panicPath())
		if err != nil {
			return err
		}
		if corrupt {
			if err := s.clearCorrupt(s.panicPath()); err != nil {
				return err
			}
			current = time.Time{}
		}
		if current.IsZero() || !s.now().Before(current) {
			return fmt.Errorf("%w: panic mode is not active", ErrNotActive)
		}
		expiry = current.Add(d)
		return s.writeMarker(s.panicPath(), expiry)
	})
	if err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// PanicActive reports whether a panic session is in effect and its expiry.
func (s *Store) PanicActive() (bool, time.Time, error) {
	return s.markerActive(s.panicPath())
}

// markerActive reads a marker under a shared lock. When the marker needs
// cleanup (expired or corrupted) it re-checks under an exclusive lock before
// touching the file.
func (s *Store) markerActive(path string) (bool, time.Time, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return false, time.Time{}, err
	}
	lock, err := fsutil.LockShared(path + ".lock")
	if err != nil {
		return false, time.Time{}, err
	}
	expiry, corrupt, err := peekMarker(path)
	lock.Unlock()
	if err != nil {
		return false, time.Time{}, err
	}
	if !corrupt {
		if expiry.IsZero() {
			return false, time.Time{}, nil
		}
		if s.now().Before(expiry) {
			return true, expiry, nil
		}
	}
	return s.cleanupMarker(path)
}

func (s *Store) cleanupMarker(path string) (bool, time.Time, error) {
	var active bool
	var expiry time.Time
	err := s.withExclusive(path, func() error {
		current, corrupt, err := peekMarker(path)
		if err != nil {
			return err
		}
		if corrupt {
			return s.clearCorrupt(path)
		}
		if current.IsZero() {
			return nil
		}
		if s.now().Before(current) {
			active, expiry = true, current
			return nil
		}
		expiry = current
		if err := removeMarker(path); err != nil {
			slog.Warn("removing expired marker", "marker", filepath.Base(path), "error", err)
			return nil
		}
		if path == s.panicPath() && s.Audit != nil {
			if aerr := s.Audit.Record(audit.ActorReconciler, audit.VerbPanicEnd, "enforcement",
				map[string]string{"expired_at": current.UTC().Format(time.RFC3339)}); aerr != nil {
				slog.Warn("recording panic end", "error", aerr)
			}
		}
		return nil
	})
	return active, expiry, err
}
