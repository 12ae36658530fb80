// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

//go:build windows

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// sysLock attempts a non-blocking exclusive range lock covering the first
// byte of f, which is how advisory whole-file locks are conventionally
// expressed with LockFileEx.
func sysLock(f *os.File) error {
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, new(windows.Overlapped))
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return ErrLocked
	}
	return err
}
