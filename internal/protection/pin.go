// Package protection implements the PIN gate guarding loosening commands.
// The PIN hash, session marker, and failure window live beside the rest of
// the agent state so a second admin process sees the same gate.
package protection

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"ndb/internal/fsutil"
)

const (
	pbkdf2Iterations = 600_000
	saltBytes        = 32
	keyBytes         = 32

	// SessionDuration is how long a verified PIN stays valid.
	SessionDuration = 30 * time.Minute

	// Lockout engages after maxFailures failed attempts inside failWindow.
	maxFailures = 3
	failWindow  = 15 * time.Minute

	// RemovalDelay is the mandatory wait before a PIN removal takes effect.
	RemovalDelay = 24 * time.Hour
)

var (
	// ErrNoPIN means no PIN has been configured.
	ErrNoPIN = errors.New("no PIN is set")

	// ErrBadPIN is a failed verification.
	ErrBadPIN = errors.New("incorrect PIN")

	// ErrLockedOut means too many recent failures.
	ErrLockedOut = errors.New("too many failed attempts, try again later")

	pinPattern = regexp.MustCompile(`^[0-9]{4,8}$`)
)

// GatedCommands lists the operations that require a valid PIN session when
// a PIN is configured. Tightening operations are never gated.
var GatedCommands = map[string]bool{
	"unblock":     true,
	"pause":       true,
	"allow":       true,
	"config edit": true,
}

// Gate owns the PIN state files in one directory.
type Gate struct {
	dir string
	now func() time.Time
}

// NewGate returns a Gate over dir.
func NewGate(dir string) *Gate {
	return &Gate{dir: dir, now: time.Now}
}

func (g *Gate) hashPath() string     { return filepath.Join(g.dir, ".pin_hash") }
func (g *Gate) sessionPath() string  { return filepath.Join(g.dir, ".pin_session") }
func (g *Gate) attemptsPath() string { return filepath.Join(g.dir, ".pin_attempts") }
func (g *Gate) lockPath() string     { return filepath.Join(g.dir, ".pin.lock") }

// withLock serializes gate state access: exclusive for mutations, shared for
// reads. One lock covers the hash, session and attempts files so a
// verification never interleaves with a concurrent set or remove.
func (g *Gate) withLock(exclusive bool, fn func() error) error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return err
	}
	var lock *fsutil.FileLock
	var err error
	if exclusive {
		lock, err = fsutil.LockExclusive(g.lockPath())
	} else {
		lock, err = fsutil.LockShared(g.lockPath())
	}
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}

// IsSet reports whether a PIN is configured.
func (g *Gate) IsSet() bool {
	_, err := os.Stat(g.hashPath())
	return err == nil
}

// Set configures or replaces the PIN. Replacing requires the caller to have
// verified the old PIN first; that policy lives in the command layer.
func (g *Gate) Set(pin string) error {
	if !pinPattern.MatchString(pin) {
		return errors.New("PIN must be 4 to 8 digits")
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	key := pbkdf2.Key([]byte(pin), salt, pbkdf2Iterations, keyBytes, sha256.New)
	record := hex.EncodeToString(salt) + ":" + hex.EncodeToString(key) + "\n"

	return g.withLock(true, func() error {
		if err := fsutil.AtomicWrite(g.hashPath(), []byte(record), 0o600); err != nil {
			return err
		}
		// A fresh PIN invalidates prior sessions and failure history.
		_ = os.Remove(g.sessionPath())
		_ = os.Remove(g.attemptsPath())
		return nil
	})
}

// Remove deletes the PIN and all gate state. Callers are expected to route
// removal through the pending-action delay rather than calling this directly.
func (g *Gate) Remove() error {
	return g.withLock(true, func() error {
		if err := os.Remove(g.hashPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		_ = os.Remove(g.sessionPath())
		_ = os.Remove(g.attemptsPath())
		return nil
	})
}

// Verify checks pin against the stored hash. Success opens a session;
// failure is recorded toward the lockout window. The whole check runs under
// the exclusive gate lock so the attempt record and session write cannot
// interleave with a concurrent verification.
func (g *Gate) Verify(pin string) error {
	return g.withLock(true, func() error {
		if !g.IsSet() {
			return ErrNoPIN
		}
		if locked, until := g.lockedOut(); locked {
			return fmt.Errorf("%w (until %s)", ErrLockedOut, until.Local().Format("15:04:05"))
		}

		data, err := os.ReadFile(g.hashPath())
		if err != nil {
			return fmt.Errorf("reading PIN hash: %w", err)
		}
		parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
		if len(parts) != 2 {
			return errors.New("PIN hash file is malformed, reset the PIN")
		}
		salt, err := hex.DecodeString(parts[0])
		if err != nil {
			return errors.New("PIN hash file is malformed, reset the PIN")
		}
		want, err := hex.DecodeString(parts[1])
		if err != nil {
			return errors.New("PIN hash file is malformed, reset the PIN")
		}

		got := pbkdf2.Key([]byte(pin), salt, pbkdf2Iterations, len(want), sha256.New)
		if !hmac.Equal(got, want) {
			g.recordFailure()
			return ErrBadPIN
		}

		g.clearFailures()
		return g.openSession()
	})
}

// SessionActive reports whether a verified session is still open.
func (g *Gate) SessionActive() bool {
	active := false
	_ = g.withLock(false, func() error {
		data, err := os.ReadFile(g.sessionPath())
		if err != nil {
			return nil
		}
		expiry, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
		if err != nil {
			_ = os.Remove(g.sessionPath())
			return nil
		}
		active = g.now().Before(expiry)
		return nil
	})
	return active
}

// Authorize returns nil when command may proceed: either no PIN is set, the
// command is not gated, or a session is open.
func (g *Gate) Authorize(command string) error {
	if !GatedCommands[command] || !g.IsSet() {
		return nil
	}
	if g.SessionActive() {
		return nil
	}
	return fmt.Errorf("%q requires PIN verification, run: protection pin verify", command)
}

// Status describes the gate for display.
type Status struct {
	PINSet         bool
	SessionOpen    bool
	SessionEnds    time.Time
	LockedOut      bool
	LockoutEnds    time.Time
	RecentFailures int
}

// CurrentStatus snapshots the gate state.
func (g *Gate) CurrentStatus() Status {
	var st Status
	_ = g.withLock(false, func() error {
		st.PINSet = g.IsSet()
		if data, err := os.ReadFile(g.sessionPath()); err == nil {
			if expiry, perr := time.Parse(time.RFC3339, strings.TrimSpace(string(data))); perr == nil && g.now().Before(expiry) {
				st.SessionOpen = true
				st.SessionEnds = expiry
			}
		}
		recent := g.recentFailures()
		st.RecentFailures = len(recent)
		if len(recent) >= maxFailures {
			st.LockedOut = true
			st.LockoutEnds = recent[0].Add(failWindow)
		}
		return nil
	})
	return st
}

func (g *Gate) openSession() error {
	expiry := g.now().Add(SessionDuration).UTC().Format(time.RFC3339)
	return fsutil.AtomicWrite(g.sessionPath(), []byte(expiry+"\n"), 0o600)
}

// EndSession closes an open session early.
func (g *Gate) EndSession() error {
	return g.withLock(true, func() error {
		if err := os.Remove(g.sessionPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
}

type attemptFile struct {
	Failures []time.Time `json:"failures"`
}

// recentFailures returns failures inside the rolling window, oldest first.
func (g *Gate) recentFailures() []time.Time {
	data, err := os.ReadFile(g.attemptsPath())
	if err != nil {
		return nil
	}
	var af attemptFile
	if err := json.Unmarshal(data, &af); err != nil {
		return nil
	}
	cutoff := g.now().Add(-failWindow)
	var recent []time.Time
	for _, ts := range af.Failures {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	return recent
}

func (g *Gate) lockedOut() (bool, time.Time) {
	recent := g.recentFailures()
	if len(recent) < maxFailures {
		return false, time.Time{}
	}
	return true, recent[0].Add(failWindow)
}

func (g *Gate) recordFailure() {
	failures := append(g.recentFailures(), g.now().UTC())
	data, err := json.Marshal(attemptFile{Failures: failures})
	if err != nil {
		return
	}
	if err := fsutil.AtomicWrite(g.attemptsPath(), data, 0o600); err != nil {
		slog.Warn("recording failed PIN attempt", "error", err)
	}
}

func (g *Gate) clearFailures() {
	_ = os.Remove(g.attemptsPath())
}
