package flock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var ErrAcquireLock = errors.New("could not acquire lock")

// FileLocker is an advisory exclusive lock backed by flock(2).
//
// It is used to enforce exclusive ownership of a staging directory
// for the duration of one migration.
type FileLocker struct {
	f *os.File
}

// NewLocker creates new locker instance for a file path.
func NewLocker(filepath string) (*FileLocker, error) {
	f, err := os.OpenFile(filepath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	return &FileLocker{f}, nil
}

// TryAcquire attempts to take the lock without blocking.
func (l *FileLocker) TryAcquire() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return ErrAcquireLock
	}

	return nil
}

// Release releases the lock on the file.
func (l *FileLocker) Release() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)

	l.f.Close()
}
