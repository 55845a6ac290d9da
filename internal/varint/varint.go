// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package varint implements a prefix-style variable-length integer.
//
// Unlike LEB128, the total encoded length is recoverable from the first
// byte alone: the count of trailing zero bits in that byte is one less
// than the number of bytes in the encoding.  A value needing more than
// 56 significant bits is stored as a zero first byte followed by the
// eight raw little-endian bytes of the value.
package varint

import "math/bits"

// MaxLen is the largest number of bytes Encode will produce.
const MaxLen = 9

const nineByteThreshold = (uint64(1) << 56) - 1

// EncodedSize reports the number of bytes Encode will use for x.
func EncodedSize(x uint64) int {
	if x > nineByteThreshold {
		return 9
	}
	// OR with 1 so that zero (which still needs one byte) doesn't feed
	// a 64-bit leading-zero count into the divide below.
	significant := 64 - bits.LeadingZeros64(x|1)
	return (significant-1)/7 + 1
}

// Encode appends the encoding of x to dst and returns the extended
// slice.
func Encode(dst []byte, x uint64) []byte {
	significant := 64 - bits.LeadingZeros64(x|1)
	if significant > 56 {
		dst = append(dst, 0)
		for i := 0; i < 8; i++ {
			dst = append(dst, byte(x))
			x >>= 8
		}
		return dst
	}
	n := (significant-1)/7 + 1
	// Stash the byte count in the low bits of the value itself: n-1
	// zero bits and then a one bit.
	x = (2*x + 1) << (n - 1)
	for i := 0; i < n; i++ {
		dst = append(dst, byte(x))
		x >>= 8
	}
	return dst
}

// DecodeSize returns the total number of encoded bytes given only the
// first of them.
func DecodeSize(first byte) int {
	// OR with 0x100 so a zero first byte (the 9-byte escape) yields 9
	// rather than an undefined trailing-zero count.
	return bits.TrailingZeros32(uint32(first)|0x100) + 1
}

// Decode reads a value encoded by Encode from the front of src.  It
// returns the value and the number of bytes consumed, or n == 0 if src
// is too short.
func Decode(src []byte) (v uint64, n int) {
	if len(src) == 0 {
		return 0, 0
	}
	n = DecodeSize(src[0])
	if len(src) < n {
		return 0, 0
	}
	if n == 9 {
		for i := 8; i >= 1; i-- {
			v = v<<8 | uint64(src[i])
		}
		return v, 9
	}
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(src[i])
	}
	return v >> uint(n), n
}
