// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package region manages the memory-mapped windows onto the store
// file.  Each region maps a contiguous file range whose offset and
// length are whole multiples of the segment size; the factory extends
// the set of regions as the file grows.
package region

import (
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/file"
)

const (
	// FullSize is the preferred mapping granule: one big mapping keeps
	// the segment table dense and the mmap count low.
	FullSize = uint64(1) << 32 // 4 GiB
	// MinSize is the smallest mapping we will create, equal to the
	// segment size.
	MinSize = address.SegmentSize // 4 MiB
)

// Region owns one memory mapping of a contiguous file range.  Regions
// are reference counted: the segment address table holds the initial
// reference and Retain adds more; the mapping is unmapped when the
// last reference is released.  Slices returned by Base are not
// counted and do not keep the mapping alive.
type Region struct {
	data   []byte
	offset uint64
	refs   atomic.Int32
}

// Map creates a region covering [offset, offset+size) of h.  The
// caller owns the initial reference.
func Map(h *file.Handle, offset, size uint64, writable bool) (*Region, error) {
	if offset%address.SegmentSize != 0 || size%address.SegmentSize != 0 {
		return nil, errors.Errorf("region [%d,+%d) not segment aligned", offset, size)
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(h.Fd(), int64(offset), int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %q [%d,+%d)", h.Path(), offset, size)
	}
	// The store is read in no particular order.
	_ = unix.Madvise(data, unix.MADV_RANDOM)

	r := &Region{data: data, offset: offset}
	r.refs.Store(1)
	return r, nil
}

// Base returns the mapped bytes.
func (r *Region) Base() []byte { return r.data }

// Offset returns the file offset of the first mapped byte.
func (r *Region) Offset() uint64 { return r.offset }

// Size returns the length of the mapping in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.data)) }

// End returns the file offset one past the last mapped byte.
func (r *Region) End() uint64 { return r.offset + r.Size() }

// Retain adds a reference.
func (r *Region) Retain() { r.refs.Add(1) }

// Release drops a reference, unmapping the region when the last one
// goes away.
func (r *Region) Release() error {
	if r.refs.Add(-1) != 0 {
		return nil
	}
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return errors.Wrapf(err, "munmap region at %d", r.offset)
	}
	return nil
}

// ReadOnly revokes write permission for the pages covering
// [from, to), expressed as file offsets.  The range is rounded outward
// to page boundaries; offsets outside the region are clamped.  The
// caller is responsible for never passing a range that reaches back
// into the header's footer-pointer slot.
func (r *Region) ReadOnly(from, to uint64) error {
	pageSize := uint64(os.Getpagesize())
	if from < r.offset {
		from = r.offset
	}
	if to > r.End() {
		to = r.End()
	}
	if from >= to {
		return nil
	}
	first := (from - r.offset) &^ (pageSize - 1)
	last := ((to - r.offset) + pageSize - 1) &^ (pageSize - 1)
	if last > r.Size() {
		last = r.Size()
	}
	if err := unix.Mprotect(r.data[first:last], unix.PROT_READ); err != nil {
		return errors.Wrapf(err, "mprotect region [%d,+%d)", r.offset+first, last-first)
	}
	return nil
}

// Writable restores read-write permission for the pages covering
// [from, to), expressed as file offsets.  The range is rounded outward
// to page boundaries and clamped to the region, mirroring ReadOnly.
// Rollback uses it to undo the protection a failed commit applied to
// its own doomed range; committed pages outside that range keep their
// protection.
func (r *Region) Writable(from, to uint64) error {
	pageSize := uint64(os.Getpagesize())
	if from < r.offset {
		from = r.offset
	}
	if to > r.End() {
		to = r.End()
	}
	if from >= to {
		return nil
	}
	first := (from - r.offset) &^ (pageSize - 1)
	last := ((to - r.offset) + pageSize - 1) &^ (pageSize - 1)
	if last > r.Size() {
		last = r.Size()
	}
	if err := unix.Mprotect(r.data[first:last], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrapf(err, "mprotect region [%d,+%d)", r.offset+first, last-first)
	}
	return nil
}
