// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package file

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// LockKind selects shared-reader or exclusive-writer semantics for a
// byte-range lock.
type LockKind int16

const (
	SharedRead     LockKind = unix.F_RDLCK
	ExclusiveWrite LockKind = unix.F_WRLCK
)

// RangeLock is a scoped holder for an fcntl byte-range lock.  The zero
// value is unlocked; Unlock is idempotent and must run on every exit
// path.  Moving a RangeLock (by pointer) transfers ownership.
//
// Open-file-description (OFD) locks are used so that two handles to
// the same file conflict whether they live in one process or two.
type RangeLock struct {
	h      *Handle
	offset int64
	size   int64
	kind   LockKind
	held   bool
}

// NewRangeLock prepares (but does not acquire) a lock over
// [offset, offset+size) of h.
func NewRangeLock(h *Handle, offset, size int64, kind LockKind) *RangeLock {
	return &RangeLock{h: h, offset: offset, size: size, kind: kind}
}

func (l *RangeLock) fcntl(cmd int) error {
	flock := unix.Flock_t{
		Type:   int16(l.kind),
		Whence: io.SeekStart,
		Start:  l.offset,
		Len:    l.size,
	}
	return unix.FcntlFlock(uintptr(l.h.Fd()), cmd, &flock)
}

// Lock blocks until the range is acquired.
func (l *RangeLock) Lock() error {
	if l.held {
		return nil
	}
	if err := l.fcntl(unix.F_OFD_SETLKW); err != nil {
		return errors.Wrapf(err, "lock %q [%d,+%d)", l.h.path, l.offset, l.size)
	}
	l.held = true
	return nil
}

// TryLock attempts to acquire the range without blocking.  It returns
// false (and no error) if another open file description, in this or
// another process, holds a conflicting lock.
func (l *RangeLock) TryLock() (bool, error) {
	if l.held {
		return true, nil
	}
	err := l.fcntl(unix.F_OFD_SETLK)
	switch err {
	case nil:
		l.held = true
		return true, nil
	case unix.EACCES, unix.EAGAIN:
		return false, nil
	}
	return false, errors.Wrapf(err, "try-lock %q [%d,+%d)", l.h.path, l.offset, l.size)
}

// Unlock releases the range.  Calling it on an unheld lock is a no-op.
func (l *RangeLock) Unlock() error {
	if !l.held {
		return nil
	}
	flock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
		Start:  l.offset,
		Len:    l.size,
	}
	if err := unix.FcntlFlock(uintptr(l.h.Fd()), unix.F_OFD_SETLK, &flock); err != nil {
		return errors.Wrapf(err, "unlock %q [%d,+%d)", l.h.path, l.offset, l.size)
	}
	l.held = false
	return nil
}

// Held reports whether the lock is currently held.
func (l *RangeLock) Held() bool { return l.held }
