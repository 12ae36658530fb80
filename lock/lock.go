// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package lock implements an exclusive advisory file lock used to elect a
// single leader process per lock path.
//
// The lock is tied to an open file descriptor and is released by the
// operating system when the descriptor closes, including when the holding
// process exits or crashes. A holder that wants to remain the leader must
// therefore keep the returned [File] reachable and unreleased for its whole
// lifetime; letting it be closed silently forfeits leadership.
package lock

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is reported by [Acquire] when the lock is held by another
// process. It is the expected signal for follower instances, not a fault.
var ErrLocked = errors.New("lock already held")

// A File is an acquired exclusive lock on a filesystem path. The underlying
// descriptor stays open until Release is called or the process exits.
type File struct {
	path string
	f    *os.File
}

// Acquire opens the file at path, creating it if necessary, and attempts a
// non-blocking exclusive lock on it. If the lock is held elsewhere, Acquire
// reports an error satisfying errors.Is(err, ErrLocked).
func Acquire(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := sysLock(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

// Path reports the filesystem path the lock was acquired on.
func (f *File) Path() string { return f.path }

// Release closes the underlying descriptor, dropping the lock. The lock
// file itself is left in place for the next leader to reuse.
func (f *File) Release() error {
	if f == nil || f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}
