// Package fsutil provides the file primitives every piece of on-disk state
// goes through: atomic whole-file replacement and advisory locks.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AtomicWrite replaces the file at path with data. The content is written to
// a temporary file in the same directory, fsynced, then renamed over the
// target, so a crash leaves either the old or the new version, never a
// partial write.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("setting mode on %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return syncDir(dir)
}

// Quarantine moves a corrupted state file aside with a timestamped .bak
// suffix so the caller can start from empty state without destroying
// evidence. Returns the quarantine path.
func Quarantine(path string, now time.Time) (string, error) {
	backup := fmt.Sprintf("%s.bak.%s", path, now.UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("quarantining %s: %w", path, err)
	}
	return backup, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil // best effort; rename already landed
	}
	defer d.Close()
	d.Sync()
	return nil
}
