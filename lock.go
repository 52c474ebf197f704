package kvs

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DirLock is an advisory, process-exclusive lock on a data directory,
// held via flock(2) on a sentinel file that is created once and never
// removed — only ever unlocked.
type DirLock struct {
	f *os.File
}

// LockDir acquires an exclusive, non-blocking flock on dir/.lock. It
// fails immediately (rather than waiting) if another process already
// holds it, since two processes sharing one bitcask directory would
// corrupt each other's segment files.
func LockDir(dir string) (*DirLock, error) {
	path := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, newErr(KindIO, "lock", fmt.Errorf("opening %s: %w", path, err))
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, newErr(KindIO, "lock", fmt.Errorf("flock %s: %w (already held by another process?)", path, err))
	}
	return &DirLock{f: f}, nil
}

// Unlock releases the flock and closes the sentinel file descriptor.
// The sentinel file itself is left in place for the next LockDir call.
func (l *DirLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return newErr(KindIO, "unlock", err)
	}
	return closeErr
}
