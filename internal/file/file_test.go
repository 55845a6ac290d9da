// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Modes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.db")

	// OpenExisting on a missing file fails.
	_, err := Open(path, Options{Create: OpenExisting})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	// CreateNew succeeds once.
	h, err := Open(path, Options{Create: CreateNew, Writable: true})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	// ...and fails the second time.
	_, err = Open(path, Options{Create: CreateNew, Writable: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExists))

	// OpenAlways succeeds either way.
	h, err = Open(path, Options{Create: OpenAlways, Writable: true})
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestHandle_SizeTruncateSeek(t *testing.T) {
	h := newTempHandle(t)

	_, err := h.Write([]byte("hello, world"))
	require.NoError(t, err)

	size, err := h.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)

	pos, err := h.Tell()
	require.NoError(t, err)
	assert.Equal(t, int64(12), pos)

	require.NoError(t, h.Truncate(5))
	size, err = h.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	buf := make([]byte, 5)
	_, err = h.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestRenameTo_NonReplacing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	h, err := Open(src, Options{Create: CreateNew, Writable: true})
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	require.NoError(t, os.WriteFile(dst, []byte("occupied"), 0o644))

	err = h.RenameTo(dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExists))

	require.NoError(t, os.Remove(dst))
	require.NoError(t, h.RenameTo(dst))
	assert.Equal(t, dst, h.Path())
}

func TestNewTemporary_RemovedOnClose(t *testing.T) {
	h, err := NewTemporary(t.TempDir())
	require.NoError(t, err)
	path := h.Path()

	_, err = os.Lstat(path)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	_, err = os.Lstat(path)
	assert.True(t, os.IsNotExist(err))

	// double close is fine
	require.NoError(t, h.Close())
}

func TestRangeLock_Idempotence(t *testing.T) {
	h := newTempHandle(t)

	l := NewRangeLock(h, 0, 1, ExclusiveWrite)
	require.NoError(t, l.Lock())
	assert.True(t, l.Held())
	require.NoError(t, l.Lock()) // held; no-op

	require.NoError(t, l.Unlock())
	assert.False(t, l.Held())
	require.NoError(t, l.Unlock()) // idempotent

	ok, err := l.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Unlock())
}

func TestRangeLock_ConflictBetweenHandles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked")

	a, err := Open(path, Options{Create: CreateNew, Writable: true})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := Open(path, Options{Create: OpenExisting, Writable: true})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	la := NewRangeLock(a, 8, 1, ExclusiveWrite)
	require.NoError(t, la.Lock())

	lb := NewRangeLock(b, 8, 1, ExclusiveWrite)
	ok, err := lb.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	// a disjoint range does not conflict
	lc := NewRangeLock(b, 9, 1, ExclusiveWrite)
	ok, err = lc.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lc.Unlock())

	require.NoError(t, la.Unlock())
	ok, err = lb.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lb.Unlock())

	// shared readers coexist
	ra := NewRangeLock(a, 8, 1, SharedRead)
	rb := NewRangeLock(b, 8, 1, SharedRead)
	require.NoError(t, ra.Lock())
	ok, err = rb.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, ra.Unlock())
	require.NoError(t, rb.Unlock())
}

func TestDefaultTempDir(t *testing.T) {
	t.Setenv("TMPDIR", "")
	t.Setenv("TMP", "")
	t.Setenv("TEMP", "")
	t.Setenv("TEMPDIR", "/var/custom-tmp")
	assert.Equal(t, "/var/custom-tmp", DefaultTempDir())

	t.Setenv("TMPDIR", "/first")
	assert.Equal(t, "/first", DefaultTempDir())
}

func newTempHandle(t *testing.T) *Handle {
	t.Helper()
	h, err := NewTemporary(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}
