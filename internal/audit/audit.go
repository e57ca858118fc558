// Package audit appends the decision record: one line per mutation or
// override event, separate from the application log.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ndb/internal/fsutil"
)

// Verbs recorded in the audit stream.
const (
	VerbBlock          = "BLOCK"
	VerbUnblock        = "UNBLOCK"
	VerbAllow          = "ALLOW"
	VerbDisallow       = "DISALLOW"
	VerbPCActivate     = "PC_ACTIVATE"
	VerbPCDeactivate   = "PC_DEACTIVATE"
	VerbPanicStart     = "PANIC_START"
	VerbPanicEnd       = "PANIC_END"
	VerbPause          = "PAUSE"
	VerbResume         = "RESUME"
	VerbPendingCreate  = "PENDING_CREATE"
	VerbPendingExecute = "PENDING_EXECUTE"
	VerbPendingCancel  = "PENDING_CANCEL"
	VerbCategoryCreate = "CATEGORY_CREATE"
	VerbCategoryAdd    = "CATEGORY_ADD"
	VerbCategoryRemove = "CATEGORY_REMOVE"
	VerbCategoryDelete = "CATEGORY_DELETE"
	VerbConfigEdit     = "CONFIG_EDIT"
	VerbSync           = "SYNC"
)

// Actors.
const (
	ActorReconciler = "reconciler"
	ActorUser       = "user"
	ActorWatchdog   = "watchdog"
)

// Logger writes append-only audit lines of the form
//
//	2024-01-15T19:30:00Z | BLOCK | reddit.com | reason=schedule
//
// Watchdog-actor entries carry a WD marker after the timestamp. Each write
// is flushed before the exclusive lock is released so concurrent processes
// never interleave partial lines.
type Logger struct {
	path string
	now  func() time.Time
}

// New returns a Logger appending to dir/audit.log.
func New(dir string) *Logger {
	return &Logger{path: filepath.Join(dir, "audit.log"), now: time.Now}
}

// Path returns the audit log location.
func (l *Logger) Path() string { return l.path }

// Record appends one audit line. detail keys are emitted sorted as k=v
// pairs; an empty detail map drops the trailing field.
func (l *Logger) Record(actor, verb, object string, detail map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}

	var b strings.Builder
	b.WriteString(l.now().UTC().Format("2006-01-02T15:04:05Z"))
	if actor == ActorWatchdog {
		b.WriteString(" | WD")
	}
	b.WriteString(" | ")
	b.WriteString(verb)
	b.WriteString(" | ")
	b.WriteString(object)
	if len(detail) > 0 {
		keys := make([]string, 0, len(detail))
		for k := range detail {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, detail[k])
		}
	}
	b.WriteString("\n")

	lock, err := fsutil.LockExclusive(l.path + ".lock")
	if err != nil {
		return err
	}
	defer lock.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return f.Sync()
}
