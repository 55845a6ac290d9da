// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddress_SegmentOffsetSplit(t *testing.T) {
	cases := []struct {
		addr    Address
		segment uint64
		offset  uint64
	}{
		{Null, 0, 0},
		{Address(1), 0, 1},
		{Address(SegmentSize - 1), 0, SegmentSize - 1},
		{Address(SegmentSize), 1, 0},
		{Address(3*SegmentSize + 17), 3, 17},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.segment, tc.addr.Segment(), "%#x", tc.addr)
		assert.Equal(t, tc.offset, tc.addr.Offset(), "%#x", tc.addr)
		assert.Equal(t, tc.addr, New(tc.segment, tc.offset))
	}
}

func TestAddress_Null(t *testing.T) {
	assert.True(t, Null.IsNull())
	assert.False(t, Address(1).IsNull())
}

func TestAddress_AlignedTo(t *testing.T) {
	assert.Equal(t, Address(0), Address(0).AlignedTo(8))
	assert.Equal(t, Address(8), Address(1).AlignedTo(8))
	assert.Equal(t, Address(8), Address(8).AlignedTo(8))
	assert.Equal(t, Address(4096), Address(4089).AlignedTo(4096))
}

func TestTyped_RoundTrip(t *testing.T) {
	type record struct{ _ uint64 }
	ta := MakeTyped[record](Address(64))
	assert.Equal(t, Address(64), ta.Address())
	assert.False(t, ta.IsNull())
	assert.True(t, MakeTyped[record](Null).IsNull())
}
