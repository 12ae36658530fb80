// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

//go:build unix

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// sysLock attempts a non-blocking exclusive flock on f. The lock belongs to
// the open file description, so it conflicts with any other descriptor on
// the same path, in this process or another.
func sysLock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrLocked
	}
	return err
}
