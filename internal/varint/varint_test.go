// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package varint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarint_RoundTrip(t *testing.T) {
	cases := []uint64{
		0, 1, 2, 63, 64, 127, 128,
		1<<7 - 1, 1 << 7, 1<<14 - 1, 1 << 14,
		1<<21 - 1, 1 << 21, 1<<28 - 1, 1 << 28,
		1<<35 - 1, 1 << 35, 1<<42 - 1, 1 << 42,
		1<<49 - 1, 1 << 49, 1<<56 - 1, 1 << 56,
		1<<63 - 1, 1 << 63, math.MaxUint64,
	}
	for _, x := range cases {
		enc := Encode(nil, x)
		require.Equal(t, EncodedSize(x), len(enc), "x=%d", x)
		require.Equal(t, len(enc), DecodeSize(enc[0]), "x=%d", x)

		got, n := Decode(enc)
		require.Equal(t, len(enc), n, "x=%d", x)
		require.Equal(t, x, got, "x=%d", x)
	}
}

func TestVarint_Widths(t *testing.T) {
	cases := []struct {
		x    uint64
		want int
	}{
		{0, 1},
		{1, 1},
		{1<<7 - 1, 1},
		{1 << 7, 2},
		{1<<14 - 1, 2},
		{1 << 14, 3},
		{1<<49 - 1, 7},
		{1 << 49, 8},
		{1<<56 - 1, 8},
		{1 << 56, 9},
		{math.MaxUint64, 9},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EncodedSize(tc.x), "x=%d", tc.x)
	}
}

func TestVarint_NineByteEscape(t *testing.T) {
	enc := Encode(nil, math.MaxUint64)
	require.Len(t, enc, 9)
	assert.Equal(t, byte(0), enc[0])
	assert.Equal(t, 9, DecodeSize(enc[0]))
}

func TestVarint_ShortBuffer(t *testing.T) {
	enc := Encode(nil, 1<<40)
	_, n := Decode(enc[:2])
	assert.Equal(t, 0, n)

	_, n = Decode(nil)
	assert.Equal(t, 0, n)
}
