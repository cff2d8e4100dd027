// Package filelock implements the exclusive advisory locks a host's or
// shard's LOCK file needs: the whole file stands in for a [0,1) byte
// range, non-blocking on the first attempt and blocking on retry. Locks
// are per-file-descriptor (BSD flock semantics) rather than per-process
// (POSIX fcntl semantics), so that two lock attempts from the same
// process correctly conflict — required by the "a pass must not
// cross-lock" discipline this package's own tests assume.
package filelock

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrBusy is returned by TryLock when the lock is already held elsewhere.
var ErrBusy = errors.New("lock unavailable")

// Lock represents one held advisory lock on a LOCK file. The underlying
// file descriptor is kept open for the lifetime of the lock; closing it
// (via Unlock) releases the lock.
type Lock struct {
	f *os.File
}

// TryLock attempts a non-blocking exclusive lock on path, creating the
// file if it does not exist. It returns ErrBusy, not an error wrapping
// ErrBusy, when another holder has the lock, so callers can branch with
// errors.Is.
func TryLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrBusy
		}
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	return &Lock{f: f}, nil
}

// BlockingLock behaves like TryLock but waits for the lock to become
// available instead of returning ErrBusy.
func BlockingLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "lock %s (blocking)", path)
	}
	return &Lock{f: f}, nil
}

// Unlock releases the lock and closes the underlying descriptor.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
