// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package storage maintains the segment address table: the per-process
// mapping from 64-bit store addresses to mmap'd memory.  It grows the
// region set as transactions allocate, drops regions on rollback, and
// implements the chunked copies needed when a request spans regions.
package storage

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/file"
	"github.com/step-security-bot/pstore/internal/region"
	"github.com/step-security-bot/pstore/internal/zero"
)

// ErrBadAddress reports an address outside the mapped store or
// inconsistent with its tag.
var ErrBadAddress = errors.New("bad address")

// satEntry maps one segment to its backing bytes.  value aliases the
// owning region's mapping; the entry is valid iff value lies within
// [region.Base, region.Base+region.Size).
type satEntry struct {
	value  []byte
	region *region.Region
}

func (e *satEntry) isNull() bool { return e.region == nil }

// Storage owns the segment address table and the region set for one
// open database.
type Storage struct {
	h       *file.Handle
	factory *region.Factory
	regions []*region.Region
	sat     []satEntry

	// protectFloor is the first file offset that Protect may mark
	// read-only; pages below it hold the header's footer-pointer slot.
	protectFloor uint64

	// alwaysSpanning forces every request down the chunked-copy path.
	// Test hook only.
	alwaysSpanning bool

	log *zap.Logger
}

// New creates storage over h.  protectFloor is the size of the file
// header (see Protect).
func New(h *file.Handle, factory *region.Factory, protectFloor uint64, log *zap.Logger) (*Storage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Storage{h: h, factory: factory, protectFloor: protectFloor, log: log}
	regions, err := factory.Init()
	if err != nil {
		return nil, err
	}
	s.regions = regions
	s.updateMasterPointers(0)
	return s, nil
}

// File returns the underlying file handle.
func (s *Storage) File() *file.Handle { return s.h }

// PhysicalSize returns the end offset of the last mapped region.
func (s *Storage) PhysicalSize() uint64 {
	if len(s.regions) == 0 {
		return 0
	}
	return s.regions[len(s.regions)-1].End()
}

// Regions exposes the region set for tests and the dump tool.
func (s *Storage) Regions() []*region.Region { return s.regions }

// SetAlwaysSpanning forces the spanning path; tests only.
func (s *Storage) SetAlwaysSpanning(v bool) { s.alwaysSpanning = v }

// MapBytes adjusts the physical allocation to accommodate a new
// logical size.  Growth maps new regions and populates their SAT
// entries; shrinking below the old logical size drops regions
// introduced since.
func (s *Storage) MapBytes(oldLogical, newLogical uint64) error {
	oldPhysical := s.PhysicalSize()
	if newLogical > oldPhysical {
		oldCount := len(s.regions)
		regions, err := s.factory.Add(s.regions, oldPhysical, newLogical)
		s.regions = regions
		if err != nil {
			return err
		}
		s.updateMasterPointers(oldCount)
		s.log.Debug("storage grew",
			zap.Uint64("physical", s.PhysicalSize()),
			zap.Int("regions", len(s.regions)))
		return nil
	}
	if newLogical < oldLogical {
		return s.Shrink(newLogical)
	}
	return nil
}

// Shrink drops every region lying entirely at or beyond newSize,
// clearing the corresponding SAT entries and releasing the SAT's
// reference.  Views handed out by AddressToBytes or Copy hold no
// reference, so once a dropped region is unmapped they no longer
// refer to mapped memory.
func (s *Storage) Shrink(newSize uint64) error {
	for len(s.regions) > 0 {
		r := s.regions[len(s.regions)-1]
		if r.Offset() < newSize {
			break
		}
		first := r.Offset() / address.SegmentSize
		last := r.End() / address.SegmentSize
		for i := first; i < last && i < uint64(len(s.sat)); i++ {
			s.sat[i] = satEntry{}
		}
		s.regions = s.regions[:len(s.regions)-1]
		if err := r.Release(); err != nil {
			return err
		}
	}
	s.log.Debug("storage shrank", zap.Uint64("size", newSize), zap.Int("regions", len(s.regions)))
	return nil
}

// TruncateToPhysical resizes the file to match the mapped regions.
func (s *Storage) TruncateToPhysical() error {
	return s.h.Truncate(int64(s.PhysicalSize()))
}

// TruncateToLogical resizes the file to exactly size bytes.  Called
// when a database closes so that the file doesn't keep the region
// rounding slack.
func (s *Storage) TruncateToLogical(size uint64) error {
	return s.h.Truncate(int64(size))
}

// updateMasterPointers populates SAT entries for regions added at or
// after index oldCount.
func (s *Storage) updateMasterPointers(oldCount int) {
	for _, r := range s.regions[oldCount:] {
		base := r.Offset() / address.SegmentSize
		n := r.Size() / address.SegmentSize
		for uint64(len(s.sat)) < base+n {
			s.sat = append(s.sat, satEntry{})
		}
		for i := uint64(0); i < n; i++ {
			e := &s.sat[base+i]
			e.value = r.Base()[i*address.SegmentSize:]
			e.region = r
		}
	}
}

// Close releases every region.  The file handle stays open; the
// database owns it.
func (s *Storage) Close() error {
	var firstErr error
	for _, r := range s.regions {
		if err := r.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.regions = nil
	s.sat = nil
	return firstErr
}

// SegmentBase returns the bytes backing the given segment.
func (s *Storage) SegmentBase(seg uint64) ([]byte, error) {
	if seg >= uint64(len(s.sat)) || s.sat[seg].isNull() {
		return nil, errors.Wrapf(ErrBadAddress, "segment %d unmapped", seg)
	}
	return s.sat[seg].value, nil
}

// regionFor returns the region containing addr.
func (s *Storage) regionFor(addr address.Address) (*region.Region, error) {
	seg := addr.Segment()
	if seg >= uint64(len(s.sat)) || s.sat[seg].isNull() {
		return nil, errors.Wrapf(ErrBadAddress, "address %#x unmapped", addr.Absolute())
	}
	return s.sat[seg].region, nil
}

// AddressToBytes returns a view of [addr, addr+n).  The view aliases
// the mapping directly, so the range must not span regions; spanning
// requests go through Copy.
func (s *Storage) AddressToBytes(addr address.Address, n uint64) ([]byte, error) {
	r, err := s.regionFor(addr)
	if err != nil {
		return nil, err
	}
	off := addr.Absolute() - r.Offset()
	if off+n > r.Size() {
		return nil, errors.Wrapf(ErrBadAddress, "range [%#x,+%d) spans regions", addr.Absolute(), n)
	}
	return r.Base()[off : off+n : off+n], nil
}

// RequestSpansRegions reports whether [addr, addr+n) touches more than
// one region.
func (s *Storage) RequestSpansRegions(addr address.Address, n uint64) bool {
	if n == 0 {
		return false
	}
	if s.alwaysSpanning {
		return true
	}
	first, errA := s.regionFor(addr)
	last, errB := s.regionFor(addr.Add(n - 1))
	if errA != nil || errB != nil {
		return true
	}
	return first != last
}

// Copy breaks [addr, addr+n) into per-region chunks and invokes copier
// once per chunk with the in-store bytes and the matching window of
// buf.  The copier decides the direction; Copy itself never moves
// data.  buf must be at least n bytes.
func (s *Storage) Copy(addr address.Address, n uint64, buf []byte, copier func(store, temp []byte)) error {
	if uint64(len(buf)) < n {
		return errors.Errorf("copy buffer too small: %d < %d", len(buf), n)
	}
	for n > 0 {
		r, err := s.regionFor(addr)
		if err != nil {
			return err
		}
		off := addr.Absolute() - r.Offset()
		chunk := r.Size() - off
		if chunk > n {
			chunk = n
		}
		copier(r.Base()[off:off+chunk:off+chunk], buf[:chunk])
		buf = buf[chunk:]
		addr = addr.Add(chunk)
		n -= chunk
	}
	return nil
}

// ZeroRange scrubs mapped bytes in [from, to), clamped to the mapped
// extent.  Rollback uses it so bytes abandoned mid-region cannot leak
// into a later transaction's reservations.
func (s *Storage) ZeroRange(from, to uint64) {
	for _, r := range s.regions {
		if r.End() <= from || r.Offset() >= to {
			continue
		}
		lo := from
		if lo < r.Offset() {
			lo = r.Offset()
		}
		hi := to
		if hi > r.End() {
			hi = r.End()
		}
		zero.Bytes(r.Base()[lo-r.Offset() : hi-r.Offset()])
	}
}

// Protect marks the whole pages in [first, last) read-only.  Both ends
// are rounded down to page boundaries, so the page holding last stays
// writable, and the range never reaches below protectFloor, so the
// header page holding the footer-pointer slot stays writable.
func (s *Storage) Protect(first, last address.Address) error {
	pageSize := uint64(os.Getpagesize())
	floor := (s.protectFloor + pageSize - 1) &^ (pageSize - 1)
	from := first.Absolute() &^ (pageSize - 1)
	if from < floor {
		from = floor
	}
	to := last.Absolute() &^ (pageSize - 1)
	if to <= from {
		return nil
	}
	for i := len(s.regions) - 1; i >= 0; i-- {
		r := s.regions[i]
		if r.End() < from {
			break
		}
		if err := r.ReadOnly(from, to); err != nil {
			return err
		}
	}
	return nil
}

// UnprotectRange restores write permission for the pages covering
// [first, last).  Rollback calls it with exactly the abandoned
// transaction's reservation, undoing what a failed commit's Protect
// did to that range; pages below first stay read-only, so committed
// revisions keep their protection.
func (s *Storage) UnprotectRange(first, last address.Address) error {
	pageSize := uint64(os.Getpagesize())
	floor := (s.protectFloor + pageSize - 1) &^ (pageSize - 1)
	from := first.Absolute() &^ (pageSize - 1)
	if from < floor {
		from = floor
	}
	to := (last.Absolute() + pageSize - 1) &^ (pageSize - 1)
	if to <= from {
		return nil
	}
	for i := len(s.regions) - 1; i >= 0; i-- {
		r := s.regions[i]
		if r.End() < from {
			break
		}
		if err := r.Writable(from, to); err != nil {
			return err
		}
	}
	return nil
}
