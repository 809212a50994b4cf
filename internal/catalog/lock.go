package catalog

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrDatabaseLocked is returned by Lock when another process already
// holds the database file's advisory exclusive lock.
var ErrDatabaseLocked = fmt.Errorf("catalog: database file is locked by another process")

// Lock holds an advisory exclusive flock on a database file for the
// lifetime of one Database handle, per spec section 6's "File Header &
// advisory exclusive file lock (flock-style)".
type Lock struct {
	f *os.File
}

// AcquireLock opens path and takes a non-blocking exclusive flock on
// it, returning ErrDatabaseLocked if another process holds it already.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrDatabaseLocked
		}
		return nil, fmt.Errorf("catalog: flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the underlying descriptor.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("catalog: unlock: %w", err)
	}
	return l.f.Close()
}
