// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/head"
	"github.com/step-security-bot/pstore/repo"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "t.db")
}

func openTest(t *testing.T, path string, opts ...Option) *Database {
	t.Helper()
	db, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// addNames interns the given strings in one transaction and commits.
func addNames(t *testing.T, db *Database, names ...string) {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Abandon()

	set, err := db.Names()
	require.NoError(t, err)

	adder := NewAdder(len(names))
	held := make([]string, len(names))
	copy(held, names)
	for i := range held {
		_, _, err := adder.Add(tx, set, &held[i])
		require.NoError(t, err)
	}
	require.NoError(t, adder.Flush(tx))
	require.NoError(t, tx.Commit())
}

func TestDatabase_CreateCommitReopen(t *testing.T) {
	path := testPath(t)

	db := openTest(t, path)
	require.Equal(t, uint64(0), db.Revision())
	addNames(t, db, "alpha", "beta", "gamma")
	require.Equal(t, uint64(1), db.Revision())
	require.NoError(t, db.Close())

	db2 := openTest(t, path)
	assert.Equal(t, uint64(1), db2.Revision())

	names, err := db2.Names()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), names.Size())

	ind, ok, err := names.Find("beta")
	require.NoError(t, err)
	require.True(t, ok)
	v, err := ind.StoreView()
	require.NoError(t, err)
	assert.Equal(t, "beta", string(v))

	_, ok, err = names.Find("delta")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDatabase_RevisionHistory(t *testing.T) {
	path := testPath(t)
	db := openTest(t, path)

	// revision 1: x -> 0x11
	tx, err := db.Begin()
	require.NoError(t, err)
	fragments, err := db.Fragments()
	require.NoError(t, err)
	inserted, err := fragments.Insert(tx, repo.DigestOf([]byte("x")), repo.Extent{Addr: 0x11, Size: 1})
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, tx.Commit())
	footer1 := db.Footer()

	// revision 2: y -> 0x22
	tx, err = db.Begin()
	require.NoError(t, err)
	fragments, err = db.Fragments()
	require.NoError(t, err)
	_, err = fragments.Insert(tx, repo.DigestOf([]byte("y")), repo.Extent{Addr: 0x22, Size: 1})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	footer2 := db.Footer()

	assert.Greater(t, footer2.Absolute(), footer1.Absolute())

	// HEAD sees both keys
	fragments, err = db.Fragments()
	require.NoError(t, err)
	require.Equal(t, uint64(2), fragments.Size())
	ext, ok, err := fragments.Find(repo.DigestOf([]byte("x")))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, address.Address(0x11), ext.Addr)

	// revision 1 sees only x
	old, err := db.AtRevision(1)
	require.NoError(t, err)
	assert.Equal(t, footer1, old.Footer())
	oldFragments, err := old.Fragments()
	require.NoError(t, err)
	require.Equal(t, uint64(1), oldFragments.Size())
	_, ok, err = oldFragments.Find(repo.DigestOf([]byte("y")))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = oldFragments.Find(repo.DigestOf([]byte("x")))
	require.NoError(t, err)
	assert.True(t, ok)

	// the chain walks back to the empty revision
	var revs []uint64
	require.NoError(t, db.WalkRevisions(func(tr head.Trailer, _ address.Address) bool {
		revs = append(revs, tr.Revision)
		return true
	}))
	assert.Equal(t, []uint64{2, 1, 0}, revs)
}

func TestDatabase_AbandonRestoresSize(t *testing.T) {
	path := testPath(t)

	db := openTest(t, path)
	addNames(t, db, "keep")
	require.NoError(t, db.Close())

	before, err := os.Stat(path)
	require.NoError(t, err)
	footerBefore := reopenFooter(t, path)

	db = openTest(t, path)
	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Allocate(1<<20, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(1<<20), tx.Size())
	tx.Abandon()
	require.NoError(t, db.Close())

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())
	assert.Equal(t, footerBefore, reopenFooter(t, path))
}

func reopenFooter(t *testing.T, path string) uint64 {
	t.Helper()
	db, err := Open(path, ReadOnly())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	return db.Footer().Absolute()
}

func TestDatabase_ZeroAllocationCommit(t *testing.T) {
	db := openTest(t, testPath(t))

	footer0 := db.Footer()
	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, uint64(1), db.Revision())
	assert.Equal(t, uint64(0), db.Trailer().Size)
	// only the trailer record moved the footer
	assert.Equal(t, footer0.Absolute()+head.TrailerSize, db.Footer().Absolute())
}

func TestDatabase_WriterLockContention(t *testing.T) {
	path := testPath(t)

	dbA := openTest(t, path)
	dbB := openTest(t, path)

	txA, err := dbA.Begin()
	require.NoError(t, err)

	// non-blocking begin fails while A holds the lock
	_, err = dbB.TryBegin()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockUnavailable)

	// blocking begin completes once A commits
	done := make(chan error, 1)
	go func() {
		txB, err := dbB.Begin()
		if err != nil {
			done <- err
			return
		}
		done <- txB.Commit()
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("B acquired the writer lock while A held it")
	default:
	}

	require.NoError(t, txA.Commit())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("B never acquired the writer lock")
	}
}

func TestDatabase_ImmutabilityBelowFooter(t *testing.T) {
	path := testPath(t)

	db := openTest(t, path)
	addNames(t, db, "one", "two", "three")
	footer := db.Footer().Absolute()
	require.NoError(t, db.Close())

	snapshot, err := os.ReadFile(path)
	require.NoError(t, err)

	db = openTest(t, path)
	addNames(t, db, "four", "five")
	require.NoError(t, db.Close())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(after), len(snapshot))

	// every byte below the old footer is unchanged, except the 8-byte
	// footer slot itself
	limit := footer + head.TrailerSize
	for i := uint64(0); i < limit; i++ {
		if i >= head.FooterSlotOffset && i < head.FooterSlotOffset+8 {
			continue
		}
		require.Equal(t, snapshot[i], after[i], "byte %d changed", i)
	}
}

func TestDatabase_InternUniquenessAtScale(t *testing.T) {
	count := 100000
	if testing.Short() {
		count = 5000
	}

	rng := rand.New(rand.NewSource(42))
	unique := make(map[string]bool, count)
	strs := make([]string, 0, count)
	for len(strs) < count {
		var buf [16]byte
		_, _ = rng.Read(buf[:])
		s := fmt.Sprintf("%x", buf) // 32 bytes
		strs = append(strs, s)
		unique[s] = true
	}

	path := testPath(t)
	db := openTest(t, path)

	tx, err := db.Begin()
	require.NoError(t, err)
	set, err := db.Names()
	require.NoError(t, err)
	adder := NewAdder(count)
	for i := range strs {
		_, _, err := adder.Add(tx, set, &strs[i])
		require.NoError(t, err)
	}
	require.NoError(t, adder.Flush(tx))
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	db = openTest(t, path, ReadOnly())
	names, err := db.Names()
	require.NoError(t, err)
	require.Equal(t, uint64(len(unique)), names.Size())

	// every input resolves, and body addresses are unique per content
	bodies := make(map[uint64]string, len(unique))
	for _, s := range strs {
		ind, ok, err := names.Find(s)
		require.NoError(t, err)
		require.True(t, ok, s)
		addr, err := ind.InStoreAddress()
		require.NoError(t, err)
		v, err := ind.StoreView()
		require.NoError(t, err)
		require.Equal(t, s, string(v))
		if prev, seen := bodies[addr.Absolute()]; seen {
			require.Equal(t, prev, s)
		}
		bodies[addr.Absolute()] = s
	}
	assert.Equal(t, len(unique), len(bodies))
}

func TestDatabase_CorruptIndirectPayload(t *testing.T) {
	path := testPath(t)

	db := openTest(t, path)
	addNames(t, db, "victim")
	names, err := db.Names()
	require.NoError(t, err)
	slot, ok, err := names.FindSlot("victim")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.Close())

	// set the heap bit on the committed payload
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	var word [8]byte
	_, err = f.ReadAt(word[:], int64(slot.Absolute()))
	require.NoError(t, err)
	word[0] |= 0x01
	_, err = f.WriteAt(word[:], int64(slot.Absolute()))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db = openTest(t, path, ReadOnly())
	_, err = GetString(db, slot)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadAddress)

	// lookups on the poisoned index degrade to not-found, not a crash
	names, err = db.Names()
	require.NoError(t, err)
	_, ok, err = names.Find("victim")
	if err != nil {
		assert.ErrorIs(t, err, ErrBadAddress)
	} else {
		assert.False(t, ok)
	}
}

func TestDatabase_IdempotentInsertDoesNotGrow(t *testing.T) {
	db := openTest(t, testPath(t))
	addNames(t, db, "alpha")

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Abandon()
	set, err := db.Names()
	require.NoError(t, err)

	adder := NewAdder(1)
	s := "alpha"
	slot1, inserted, err := adder.Add(tx, set, &s)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, uint64(0), tx.Size())

	s2 := "alpha"
	slot2, inserted, err := adder.Add(tx, set, &s2)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, slot1, slot2)
}

func TestDatabase_ReadOnlyCannotBegin(t *testing.T) {
	path := testPath(t)
	db := openTest(t, path)
	require.NoError(t, db.Close())

	ro := openTest(t, path, ReadOnly())
	_, err := ro.Begin()
	require.Error(t, err)
}

func TestDatabase_OpenValidation(t *testing.T) {
	path := testPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not a store, definitely"), 0o644))
	_, err := Open(path)
	require.Error(t, err)
}
