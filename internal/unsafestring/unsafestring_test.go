// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package unsafestring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToBytes(t *testing.T) {
	for _, input := range []string{
		"",
		"abc",
		"😀",
	} {
		allocs := testing.AllocsPerRun(1, func() {
			initialLen := len(input)
			b := ToBytes(input)
			if input != string(b) {
				t.Fatal("expected contents equal")
			}
			if initialLen != len(b) {
				t.Fatal("expected lens equal")
			}
		})
		require.Zero(t, allocs)
	}
}

func TestToString(t *testing.T) {
	for _, input := range [][]byte{
		nil,
		[]byte("interned"),
	} {
		allocs := testing.AllocsPerRun(1, func() {
			s := ToString(input)
			if string(input) != s {
				t.Fatal("expected contents equal")
			}
		})
		require.Zero(t, allocs)
	}
}

func TestRoundTrip(t *testing.T) {
	s := "a string body"
	require.Equal(t, s, ToString(ToBytes(s)))
}
