// Package pending persists delayed actions: unblocks and other loosening
// operations that only take effect after their configured delay elapses.
package pending

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ndb/internal/fsutil"
)

// Target types.
const (
	TargetDomain   = "domain"
	TargetCategory = "category"
	TargetService  = "service"
	TargetPIN      = "pin"
)

// Action kinds.
const (
	KindUnblock    = "unblock"
	KindDisallow   = "disallow"
	KindDeactivate = "deactivate"
	KindRemovePIN  = "remove_pin"
)

// Statuses.
const (
	StatusPending   = "pending"
	StatusExecuted  = "executed"
	StatusCancelled = "cancelled"
)

// Terminal actions are garbage collected after this long.
const historyRetention = 7 * 24 * time.Hour

// ErrDuplicate means a pending action already exists for the same target.
var ErrDuplicate = errors.New("a pending action already exists for this target")

// Action is one scheduled operation.
type Action struct {
	ID         string            `json:"id"`
	Target     string            `json:"target"`
	TargetType string            `json:"target_type"`
	Kind       string            `json:"kind"`
	CreatedAt  time.Time         `json:"created_at"`
	ExecuteAt  time.Time         `json:"execute_at"`
	Delay      string            `json:"delay"`
	Status     string            `json:"status"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// Due reports whether the action is pending and ripe at now.
func (a *Action) Due(now time.Time) bool {
	return a.Status == StatusPending && !now.Before(a.ExecuteAt)
}

type fileState struct {
	Actions []Action `json:"actions"`
}

// Store keeps actions in a single JSON file guarded by an advisory lock.
type Store struct {
	path string
	now  func() time.Time
}

// NewStore returns a Store over dir/pending.json.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, "pending.json"), now: time.Now}
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

func (s *Store) lockPath() string { return s.path + ".lock" }

// load reads the state file. A corrupted file is quarantined and replaced
// with an empty state rather than blocking all future scheduling.
func (s *Store) load() (*fileState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pending actions: %w", err)
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		bak, qerr := fsutil.Quarantine(s.path, s.now())
		if qerr != nil {
			return nil, fmt.Errorf("pending state corrupted and quarantine failed: %w", qerr)
		}
		slog.Warn("pending state corrupted, starting fresh", "quarantined", bak, "error", err)
		return &fileState{}, nil
	}
	return &st, nil
}

func (s *Store) save(st *fileState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pending actions: %w", err)
	}
	return fsutil.AtomicWrite(s.path, data, 0o600)
}

// mutate runs fn over the locked state and persists the result when fn
// reports a change.
func (s *Store) mutate(fn func(st *fileState) (bool, error)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	lock, err := fsutil.LockExclusive(s.lockPath())
	if err != nil {
		return err
	}
	defer lock.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	dirty, err := fn(st)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return s.save(st)
}

// Create schedules a new action. At most one pending action may exist per
// target; a second attempt returns ErrDuplicate with the existing action.
func (s *Store) Create(targetType, target, kind, delay string, wait time.Duration, detail map[string]string) (*Action, error) {
	now := s.now().UTC()
	action := Action{
		ID:         newID(now),
		Target:     target,
		TargetType: targetType,
		Kind:       kind,
		CreatedAt:  now,
		ExecuteAt:  now.Add(wait),
		Delay:      delay,
		Status:     StatusPending,
		Detail:     detail,
	}
	err := s.mutate(func(st *fileState) (bool, error) {
		for i := range st.Actions {
			a := &st.Actions[i]
			if a.Status == StatusPending && a.TargetType == targetType && a.Target == target {
				return false, fmt.Errorf("%w: %s (executes %s)", ErrDuplicate, a.ID,
					a.ExecuteAt.Format(time.RFC3339))
			}
		}
		st.Actions = append(st.Actions, action)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// Cancel marks the identified pending action cancelled. It returns false
// when no pending action matches id.
func (s *Store) Cancel(id string) (bool, error) {
	found := false
	err := s.mutate(func(st *fileState) (bool, error) {
		for i := range st.Actions {
			a := &st.Actions[i]
			if a.ID == id && a.Status == StatusPending {
				a.Status = StatusCancelled
				found = true
				return true, nil
			}
		}
		return false, nil
	})
	return found, err
}

// CancelByTarget cancels the pending action for a target, if any.
func (s *Store) CancelByTarget(targetType, target string) (*Action, error) {
	var cancelled *Action
	err := s.mutate(func(st *fileState) (bool, error) {
		for i := range st.Actions {
			a := &st.Actions[i]
			if a.Status == StatusPending && a.TargetType == targetType && a.Target == target {
				a.Status = StatusCancelled
				copied := *a
				cancelled = &copied
				return true, nil
			}
		}
		return false, nil
	})
	return cancelled, err
}

// Get returns the action with the given id, or nil.
func (s *Store) Get(id string) (*Action, error) {
	st, err := s.loadShared()
	if err != nil {
		return nil, err
	}
	for i := range st.Actions {
		if st.Actions[i].ID == id {
			a := st.Actions[i]
			return &a, nil
		}
	}
	return nil, nil
}

// List returns pending actions ordered by execution time. With history,
// executed and cancelled actions still within retention are included too.
func (s *Store) List(history bool) ([]Action, error) {
	st, err := s.loadShared()
	if err != nil {
		return nil, err
	}
	out := make([]Action, 0, len(st.Actions))
	for _, a := range st.Actions {
		if a.Status == StatusPending || history {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecuteAt.Equal(out[j].ExecuteAt) {
			return out[i].ExecuteAt.Before(out[j].ExecuteAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Due returns ripe pending actions ordered by execution time.
func (s *Store) Due(now time.Time) ([]Action, error) {
	all, err := s.List(false)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Due(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// PendingFor returns the pending action for a target, or nil.
func (s *Store) PendingFor(targetType, target string) (*Action, error) {
	st, err := s.loadShared()
	if err != nil {
		return nil, err
	}
	for i := range st.Actions {
		a := st.Actions[i]
		if a.Status == StatusPending && a.TargetType == targetType && a.Target == target {
			return &a, nil
		}
	}
	return nil, nil
}

// MarkExecuted records that an action ran.
func (s *Store) MarkExecuted(id string) error {
	return s.mutate(func(st *fileState) (bool, error) {
		for i := range st.Actions {
			a := &st.Actions[i]
			if a.ID == id && a.Status == StatusPending {
				a.Status = StatusExecuted
				a.Detail = withExecutedAt(a.Detail, s.now().UTC())
				return true, nil
			}
		}
		return false, nil
	})
}

// GC drops executed and cancelled actions older than the retention window.
func (s *Store) GC(now time.Time) (int, error) {
	removed := 0
	err := s.mutate(func(st *fileState) (bool, error) {
		kept := st.Actions[:0]
		for _, a := range st.Actions {
			if a.Status != StatusPending && now.Sub(terminalAt(a)) > historyRetention {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		st.Actions = kept
		return removed > 0, nil
	})
	return removed, err
}

func (s *Store) loadShared() (*fileState, error) {
	lock, err := fsutil.LockShared(s.lockPath())
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()
	return s.load()
}

func withExecutedAt(detail map[string]string, at time.Time) map[string]string {
	if detail == nil {
		detail = map[string]string{}
	}
	detail["executed_at"] = at.Format(time.RFC3339)
	return detail
}

// terminalAt approximates when the action left the pending state. Executed
// actions carry the exact time in their detail; cancelled actions fall back
// to their execute-at mark.
func terminalAt(a Action) time.Time {
	if at, ok := a.Detail["executed_at"]; ok {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			return t
		}
	}
	if a.ExecuteAt.After(a.CreatedAt) {
		return a.ExecuteAt
	}
	return a.CreatedAt
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newID builds ids like pnd_20240115_193000_x7k2q9: sortable by creation
// time with a random suffix to break same-second collisions.
func newID(now time.Time) string {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	for i, b := range suffix {
		suffix[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return fmt.Sprintf("pnd_%s_%s", now.Format("20060102_150405"), suffix)
}
