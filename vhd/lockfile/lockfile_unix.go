//go:build !windows
// +build !windows

// Package lockfile takes a shared advisory lock on a parent image while
// it's open for reading, so a concurrent writer to that parent (an
// in-place compaction, say) doesn't race a differencing child's reads.
package lockfile

import (
	"golang.org/x/sys/unix"
)

// Lock holds a shared (LOCK_SH) advisory lock on an open file. Multiple
// readers may hold one at once; Unlock releases it.
type Lock struct {
	fd int
}

// Acquire takes a shared advisory lock on fd. It's non-blocking: if
// another process holds an exclusive lock, Acquire returns the
// underlying error rather than waiting.
func Acquire(fd int) (*Lock, error) {
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return nil, err
	}
	return &Lock{fd: fd}, nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return unix.Flock(l.fd, unix.LOCK_UN)
}
