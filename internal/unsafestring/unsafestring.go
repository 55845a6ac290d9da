// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package unsafestring converts between strings and byte slices
// without copying.  The store hands out views of memory-mapped string
// bodies; copying every one would defeat the point of interning.
package unsafestring

import (
	"unsafe"
)

// ToBytes returns a byte slice referring to the contents of the input string.
// SAFETY: the returned byte slice must never be written to, only read.
func ToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// ToString returns a string referring to the contents of the input byte slice.
// SAFETY: the input must never be modified while the returned string is
// reachable.  Committed store bytes are immutable, so views of committed
// string bodies qualify.
func ToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
