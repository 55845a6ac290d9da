// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package file wraps the OS file primitives the store needs: open-mode
// control, byte-range locking, atomic non-replacing rename and
// temporary files that clean up after themselves.
package file

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrExists reports that the destination of a non-replacing rename
	// already exists.
	ErrExists = errors.New("target file exists")
	// ErrLockUnavailable reports that a non-blocking byte-range lock
	// request found the range held by someone else.
	ErrLockUnavailable = errors.New("range lock unavailable")
	// ErrNotFound reports a missing file opened without MustExist;
	// with MustExist set, Open returns the wrapped OS error instead.
	ErrNotFound = errors.New("file not found")
)

// CreateMode controls how Open treats a missing or present file.
type CreateMode int

const (
	CreateNew    CreateMode = iota // fail if the file exists
	OpenExisting                   // fail if the file does not exist
	OpenAlways                     // open, creating if necessary
)

// Options configures Open.
type Options struct {
	Create    CreateMode
	Writable  bool
	MustExist bool
}

// Handle is an open store file.
type Handle struct {
	f        *os.File
	path     string
	writable bool
	isClosed atomic.Bool

	// removeOnClose is set for temporary files.
	removeOnClose bool
}

// Open opens or creates the file at path per opts.
func Open(path string, opts Options) (*Handle, error) {
	flags := os.O_RDONLY
	if opts.Writable {
		flags = os.O_RDWR
	}
	switch opts.Create {
	case CreateNew:
		flags |= os.O_CREATE | os.O_EXCL
	case OpenAlways:
		flags |= os.O_CREATE
	case OpenExisting:
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsNotExist(err) && !opts.MustExist {
			return nil, ErrNotFound
		}
		if os.IsExist(err) {
			return nil, errors.Wrapf(ErrExists, "open %q", path)
		}
		return nil, errors.Wrapf(err, "open %q", path)
	}
	return &Handle{f: f, path: path, writable: opts.Writable}, nil
}

// Path returns the name the handle was opened with.
func (h *Handle) Path() string { return h.path }

// Writable reports whether the handle was opened read-write.
func (h *Handle) Writable() bool { return h.writable }

// Fd returns the underlying descriptor for mmap and fcntl calls.
func (h *Handle) Fd() int { return int(h.f.Fd()) }

func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	n, err := h.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, errors.Wrapf(err, "read %q at %d", h.path, off)
	}
	return n, err
}

func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	n, err := h.f.WriteAt(p, off)
	if err != nil {
		return n, errors.Wrapf(err, "write %q at %d", h.path, off)
	}
	return n, nil
}

func (h *Handle) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h *Handle) Write(p []byte) (int, error) { return h.f.Write(p) }

func (h *Handle) Seek(off int64, whence int) (int64, error) {
	return h.f.Seek(off, whence)
}

// Tell returns the current file position.
func (h *Handle) Tell() (int64, error) {
	return h.f.Seek(0, io.SeekCurrent)
}

func (h *Handle) Size() (int64, error) {
	st, err := h.f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %q", h.path)
	}
	return st.Size(), nil
}

func (h *Handle) Truncate(size int64) error {
	if err := h.f.Truncate(size); err != nil {
		return errors.Wrapf(err, "truncate %q to %d", h.path, size)
	}
	return nil
}

func (h *Handle) Sync() error {
	if err := h.f.Sync(); err != nil {
		return errors.Wrapf(err, "sync %q", h.path)
	}
	return nil
}

func (h *Handle) Close() error {
	if h.isClosed.Swap(true) {
		return nil
	}
	err := h.f.Close()
	if h.removeOnClose {
		_ = os.Remove(h.path)
	}
	if err != nil {
		return errors.Wrapf(err, "close %q", h.path)
	}
	return nil
}

// RenameTo atomically renames the file to dst, failing with ErrExists
// if dst is already present.  The strongest primitive the kernel
// offers is used: renameat2(RENAME_NOREPLACE) where available, then
// link+unlink, and as a last resort a stat check followed by a plain
// rename (which narrows but does not close the race window).
func (h *Handle) RenameTo(dst string) error {
	err := unix.Renameat2(unix.AT_FDCWD, h.path, unix.AT_FDCWD, dst, unix.RENAME_NOREPLACE)
	switch {
	case err == nil:
		h.path = dst
		return nil
	case err == unix.EEXIST:
		return errors.Wrapf(ErrExists, "rename %q to %q", h.path, dst)
	case err != unix.ENOSYS && err != unix.EINVAL:
		return errors.Wrapf(err, "rename %q to %q", h.path, dst)
	}

	// Fallback: a hard link fails if dst exists, and is atomic.
	if err := os.Link(h.path, dst); err == nil {
		if err := os.Remove(h.path); err != nil {
			return errors.Wrapf(err, "unlink %q after link", h.path)
		}
		h.path = dst
		return nil
	} else if os.IsExist(err) {
		return errors.Wrapf(ErrExists, "rename %q to %q", h.path, dst)
	}

	// Last resort: check-then-rename.
	if _, err := os.Lstat(dst); err == nil {
		return errors.Wrapf(ErrExists, "rename %q to %q", h.path, dst)
	}
	if err := os.Rename(h.path, dst); err != nil {
		return errors.Wrapf(err, "rename %q to %q", h.path, dst)
	}
	h.path = dst
	return nil
}

// tempDirEnvVars is the search order for temporary-file locations.
var tempDirEnvVars = []string{"TMPDIR", "TMP", "TEMP", "TEMPDIR"}

// DefaultTempDir returns the first usable temporary directory from the
// environment, falling back to the OS default.
func DefaultTempDir() string {
	for _, v := range tempDirEnvVars {
		if dir := os.Getenv(v); dir != "" {
			return dir
		}
	}
	return "/tmp"
}

// NewTemporary creates a writable temporary file in dir (or the
// default temp dir if dir is empty) that is removed when closed.
func NewTemporary(dir string) (*Handle, error) {
	if dir == "" {
		dir = DefaultTempDir()
	}
	f, err := os.CreateTemp(dir, "pst-*.tmp")
	if err != nil {
		return nil, errors.Wrapf(err, "create temporary in %q", dir)
	}
	return &Handle{
		f:             f,
		path:          filepath.Join(dir, filepath.Base(f.Name())),
		writable:      true,
		removeOnClose: true,
	}, nil
}
