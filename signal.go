// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/step-security-bot/pstore/internal/head"
)

// ReleaseWriterLockOnSignal installs a best-effort hook that drops the
// database's writer lock if one of the given signals arrives, so a
// dying writer does not strand other processes.  The unlock is a bare
// fcntl call on a saved descriptor; no database state is touched.  It
// returns a function that uninstalls the hook.
func ReleaseWriterLockOnSignal(db *Database, signals ...os.Signal) func() {
	if len(signals) == 0 {
		signals = []os.Signal{unix.SIGINT, unix.SIGTERM}
	}
	fd := db.h.Fd()
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			flock := unix.Flock_t{
				Type:   unix.F_UNLCK,
				Whence: 0,
				Start:  head.WriterLockOffset,
				Len:    1,
			}
			_ = unix.FcntlFlock(uintptr(fd), unix.F_OFD_SETLK, &flock)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
