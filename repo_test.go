// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/repo"
)

func addrOf(v uint64) address.Address { return address.Address(v) }

// putAligned appends raw bytes at 8-byte alignment.
func putAligned(tx *Transaction, p []byte) (address.Address, error) {
	addr, err := tx.Allocate(uint64(len(p)), 8)
	if err != nil {
		return address.Null, err
	}
	dst, err := tx.GetRW(addr, uint64(len(p)))
	if err != nil {
		return address.Null, err
	}
	copy(dst, p)
	return addr, nil
}

// Drive a complete compiler-shaped commit: intern names and a path,
// store fragments, tie them together in a compilation, index a
// debug-line header, and read everything back from a fresh open.
func TestRepo_EndToEnd(t *testing.T) {
	path := testPath(t)
	db := openTest(t, path)

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Abandon()

	names, err := db.Names()
	require.NoError(t, err)
	paths, err := db.Paths()
	require.NoError(t, err)
	fragments, err := db.Fragments()
	require.NoError(t, err)
	compilations, err := db.Compilations()
	require.NoError(t, err)
	debugLines, err := db.DebugLineHeaders()
	require.NoError(t, err)

	adder := NewAdder(4)
	strs := []string{"main", "helper", "x86_64-linux-gnu", "src/main.c"}
	slots := make(map[string]uint64, len(strs))
	for i := range strs[:3] {
		slot, _, err := adder.Add(tx, names, &strs[i])
		require.NoError(t, err)
		slots[strs[i]] = slot.Absolute()
	}
	pathSlot, _, err := adder.Add(tx, paths, &strs[3])
	require.NoError(t, err)

	mainFrag := &repo.Fragment{Sections: []repo.Section{
		{Type: repo.SectionText, Align: 4, Size: 3, Payload: []byte{0x31, 0xc0, 0xc3}},
		{Type: repo.SectionBSS, Align: 3, Size: 64},
	}}
	mainExt, err := mainFrag.Store(tx)
	require.NoError(t, err)
	mainDigest := mainFrag.Digest()
	_, err = fragments.Insert(tx, mainDigest, mainExt)
	require.NoError(t, err)

	helperFrag := &repo.Fragment{Sections: []repo.Section{
		{Type: repo.SectionText, Align: 4, Size: 1, Payload: []byte{0xc3}},
	}}
	helperExt, err := helperFrag.Store(tx)
	require.NoError(t, err)
	helperDigest := helperFrag.Digest()
	_, err = fragments.Insert(tx, helperDigest, helperExt)
	require.NoError(t, err)

	comp := &repo.Compilation{
		Triple: addrOf(slots["x86_64-linux-gnu"]),
		Members: []repo.Member{
			{Name: addrOf(slots["main"]), Digest: mainDigest, Fragment: mainExt},
			{Name: addrOf(slots["helper"]), Digest: helperDigest, Fragment: helperExt},
		},
	}
	compExt, err := comp.Store(tx)
	require.NoError(t, err)
	compDigest := comp.Digest()
	_, err = compilations.Insert(tx, compDigest, compExt)
	require.NoError(t, err)

	dlBody := []byte("debug line header bytes")
	dlAddr, err := putAligned(tx, dlBody)
	require.NoError(t, err)
	dlDigest := repo.DigestOf(dlBody)
	_, err = debugLines.Insert(tx, dlDigest, repo.Extent{Addr: dlAddr, Size: uint64(len(dlBody))})
	require.NoError(t, err)

	require.NoError(t, adder.Flush(tx))
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	// fresh reader
	db2 := openTest(t, path, ReadOnly())

	fragments2, err := db2.Fragments()
	require.NoError(t, err)
	require.Equal(t, uint64(2), fragments2.Size())
	ext, ok, err := fragments2.Find(mainDigest)
	require.NoError(t, err)
	require.True(t, ok)
	gotFrag, err := repo.LoadFragment(db2, ext)
	require.NoError(t, err)
	require.Len(t, gotFrag.Sections, 2)
	assert.Equal(t, []byte{0x31, 0xc0, 0xc3}, gotFrag.Sections[0].Payload)
	assert.Equal(t, uint64(64), gotFrag.Sections[1].Size)

	compilations2, err := db2.Compilations()
	require.NoError(t, err)
	cext, ok, err := compilations2.Find(compDigest)
	require.NoError(t, err)
	require.True(t, ok)
	gotComp, err := repo.LoadCompilation(db2, cext)
	require.NoError(t, err)
	require.Len(t, gotComp.Members, 2)

	// member names resolve through the interned slots
	triple, err := GetString(db2, gotComp.Triple)
	require.NoError(t, err)
	assert.Equal(t, "x86_64-linux-gnu", triple)
	name0, err := GetString(db2, gotComp.Members[0].Name)
	require.NoError(t, err)
	assert.Equal(t, "main", name0)

	paths2, err := db2.Paths()
	require.NoError(t, err)
	require.Equal(t, uint64(1), paths2.Size())
	srcPath, err := GetString(db2, pathSlot)
	require.NoError(t, err)
	assert.Equal(t, "src/main.c", srcPath)

	debugLines2, err := db2.DebugLineHeaders()
	require.NoError(t, err)
	dlExt, ok, err := debugLines2.Find(dlDigest)
	require.NoError(t, err)
	require.True(t, ok)
	raw, err := db2.Get(dlExt.Addr, dlExt.Size)
	require.NoError(t, err)
	assert.Equal(t, dlBody, raw)
}
