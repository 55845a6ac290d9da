// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package address defines the 64-bit store address type: the high bits
// select a fixed-size segment, the low bits an offset within it.
package address

// SegmentShift determines the segment granularity: 4 MiB, a multiple of
// every page size we run on.
const (
	SegmentShift = 22
	SegmentSize  = uint64(1) << SegmentShift
	OffsetMask   = SegmentSize - 1
)

// Address is an absolute byte offset into the store file.  Zero is the
// canonical null address: the file header occupies offset zero, so no
// allocation can ever return it.
type Address uint64

const Null = Address(0)

func New(segment uint64, offset uint64) Address {
	return Address(segment<<SegmentShift | offset&OffsetMask)
}

// Segment returns the index of the segment containing a.
func (a Address) Segment() uint64 {
	return uint64(a) >> SegmentShift
}

// Offset returns the byte offset of a within its segment.
func (a Address) Offset() uint64 {
	return uint64(a) & OffsetMask
}

func (a Address) Absolute() uint64 {
	return uint64(a)
}

func (a Address) IsNull() bool {
	return a == Null
}

// Add returns the address n bytes past a.
func (a Address) Add(n uint64) Address {
	return a + Address(n)
}

// AlignedTo rounds a up to the next multiple of align, which must be a
// power of two.
func (a Address) AlignedTo(align uint64) Address {
	return Address((uint64(a) + align - 1) &^ (align - 1))
}

// Typed is an address with a phantom element type.  It adds nothing at
// runtime; it keeps, say, a trailer address from being confused with a
// string-body address at API boundaries.
type Typed[T any] struct {
	a Address
}

func MakeTyped[T any](a Address) Typed[T] {
	return Typed[T]{a: a}
}

func (t Typed[T]) Address() Address {
	return t.a
}

func (t Typed[T]) IsNull() bool {
	return t.a.IsNull()
}
