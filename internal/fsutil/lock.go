package fsutil

import (
	"errors"
	"fmt"
	"os"
)

// ErrWouldBlock is returned by TryLockExclusive when another process holds
// the lock.
var ErrWouldBlock = errors.New("lock held by another process")

// FileLock is an advisory lock on a dedicated lock file. Readers take shared
// locks, writers exclusive ones; cross-process coordination (watchdog tick
// vs operator command) happens through the same path.
type FileLock struct {
	f *os.File
}

// LockShared blocks until a shared lock on path is acquired.
func LockShared(path string) (*FileLock, error) {
	return lock(path, false, true)
}

// LockExclusive blocks until an exclusive lock on path is acquired.
func LockExclusive(path string) (*FileLock, error) {
	return lock(path, true, true)
}

// TryLockExclusive attempts a non-blocking exclusive lock. Returns
// ErrWouldBlock if the lock is held elsewhere.
func TryLockExclusive(path string) (*FileLock, error) {
	return lock(path, true, false)
}

func lock(path string, exclusive, block bool) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := flock(f, exclusive, block); err != nil {
		f.Close()
		return nil, err
	}
	return &FileLock{f: f}, nil
}

// Unlock releases the lock and closes the underlying file.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := funlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return closeErr
}
