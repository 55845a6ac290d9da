// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package zero provides functions to zero slices of specific types.
// Rolled-back transactions scrub the mapped tail they abandoned so
// that stale bytes never masquerade as records.
package zero

func Bytes(b []byte) {
	for i := 0; i < len(b); i++ {
		b[i] = 0
	}
}

func Words(w []uint64) {
	for i := 0; i < len(w); i++ {
		w[i] = 0
	}
}
