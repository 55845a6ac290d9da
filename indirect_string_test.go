// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndirectString_HeapForms(t *testing.T) {
	a := "shared"
	b := "shared"
	c := "different"

	sa := NewHeapString(&a)
	sb := NewHeapString(&b)
	sc := NewHeapString(&c)

	// same pointer and same contents both compare equal
	assert.True(t, sa.Equal(sa))
	assert.True(t, sa.Equal(sb))
	assert.False(t, sa.Equal(sc))

	v, err := sa.View()
	require.NoError(t, err)
	assert.Equal(t, "shared", string(v))

	n, err := sa.Length()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n)

	assert.False(t, sa.IsInStore())
	_, err = sa.InStoreAddress()
	assert.ErrorIs(t, err, ErrBadAddress)
}

func TestIndirectString_StoreFormsCompareByAddress(t *testing.T) {
	db := openTest(t, testPath(t))
	addNames(t, db, "left", "right")

	names, err := db.Names()
	require.NoError(t, err)

	left, ok, err := names.Find("left")
	require.NoError(t, err)
	require.True(t, ok)
	right, ok, err := names.Find("right")
	require.NoError(t, err)
	require.True(t, ok)
	leftAgain, ok, err := names.Find("left")
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, left.IsInStore())
	require.True(t, right.IsInStore())

	assert.True(t, left.Equal(leftAgain))
	assert.False(t, left.Equal(right))

	la, err := left.InStoreAddress()
	require.NoError(t, err)
	lb, err := leftAgain.InStoreAddress()
	require.NoError(t, err)
	ra, err := right.InStoreAddress()
	require.NoError(t, err)
	assert.Equal(t, la, lb)
	assert.NotEqual(t, la, ra)

	// body addresses are 2-byte aligned by construction
	assert.Zero(t, la.Absolute()%2)
	assert.Zero(t, ra.Absolute()%2)

	// mixed heap/store comparison falls back to contents
	probe := "left"
	assert.True(t, left.Equal(NewHeapString(&probe)))
}

func TestIndirectString_GetString(t *testing.T) {
	db := openTest(t, testPath(t))
	addNames(t, db, "lookup-me")

	names, err := db.Names()
	require.NoError(t, err)
	slot, ok, err := names.FindSlot("lookup-me")
	require.NoError(t, err)
	require.True(t, ok)

	s, err := GetString(db, slot)
	require.NoError(t, err)
	assert.Equal(t, "lookup-me", s)
}

func TestAdder_BodiesClusterAtFlush(t *testing.T) {
	db := openTest(t, testPath(t))

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Abandon()
	set, err := db.Names()
	require.NoError(t, err)

	strs := []string{"aa", "bbb", "cccc", "ddddd"}
	adder := NewAdder(len(strs))
	for i := range strs {
		_, inserted, err := adder.Add(tx, set, &strs[i])
		require.NoError(t, err)
		require.True(t, inserted)
	}

	// bodies are written together at the end of the transaction
	beforeFlush := tx.Size()
	require.NoError(t, adder.Flush(tx))
	require.NoError(t, tx.Commit())

	names, err := db.Names()
	require.NoError(t, err)
	var addrs []uint64
	for _, s := range strs {
		ind, ok, err := names.Find(s)
		require.NoError(t, err)
		require.True(t, ok)
		a, err := ind.InStoreAddress()
		require.NoError(t, err)
		addrs = append(addrs, a.Absolute())
		require.GreaterOrEqual(t, a.Absolute(), uint64(4096)+beforeFlush)
	}
	// contiguity: consecutive bodies are within a few bytes of each
	// other (length prefix + padding)
	for i := 1; i < len(addrs); i++ {
		require.Less(t, addrs[i]-addrs[i-1], uint64(16))
	}
}

func TestAdder_FlushTwiceIsHarmless(t *testing.T) {
	db := openTest(t, testPath(t))

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Abandon()
	set, err := db.Names()
	require.NoError(t, err)

	adder := NewAdder(1)
	s := "once"
	_, _, err = adder.Add(tx, set, &s)
	require.NoError(t, err)
	require.NoError(t, adder.Flush(tx))

	size := tx.Size()
	require.NoError(t, adder.Flush(tx))
	assert.Equal(t, size, tx.Size())
	require.NoError(t, tx.Commit())
}
