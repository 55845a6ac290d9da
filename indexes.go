// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	"encoding/binary"
	"unsafe"

	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/archive"
	"github.com/step-security-bot/pstore/internal/head"
	"github.com/step-security-bot/pstore/internal/index"
	"github.com/step-security-bot/pstore/repo"
)

// IndexID re-exports the fixed index tags.
type IndexID = head.IndexID

const (
	FragmentIndex    = head.FragmentIndex
	CompilationIndex = head.CompilationIndex
	NameIndex        = head.NameIndex
	PathIndex        = head.PathIndex
	DebugLineIndex   = head.DebugLineIndex
)

// indexCache holds lazily loaded index facades for one database view.
type indexCache struct {
	names        *NameSet
	paths        *NameSet
	fragments    *ExtentMap
	compilations *ExtentMap
	debugLines   *ExtentMap
}

// nameCodec serializes an indirect string as its single 8-byte slot:
// on first insertion the slot carries the heap-tagged pointer, patched
// to the body address when the adder flushes.
type nameCodec struct{}

func (nameCodec) Encode(w *archive.TxWriter, k IndirectString, _ index.Empty) (address.Address, error) {
	if !k.isPointer {
		return address.Null, errors.Wrap(ErrBadAddress, "only heap strings may be inserted")
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(uintptr(unsafe.Pointer(k.str)))|heapMask)
	return w.PutAligned(buf[:], 8)
}

func (nameCodec) Decode(db archive.Getter, addr address.Address) (IndirectString, index.Empty, error) {
	s, err := readIndirectString(db, addr)
	return s, index.Empty{}, err
}

func hashIndirectString(s IndirectString) uint64 {
	v, err := s.View()
	if err != nil {
		return 0
	}
	return farm.Hash64(v)
}

// NameSet is the set of interned strings behind one of the string
// indices (names, paths).
type NameSet struct {
	m *index.Map[IndirectString, index.Empty]
}

// Size returns the number of interned strings.
func (s *NameSet) Size() uint64 { return s.m.Size() }

// Find looks up an interned string by contents.
func (s *NameSet) Find(str string) (IndirectString, bool, error) {
	addr, ok, err := s.m.Find(NewHeapString(&str))
	if err != nil || !ok {
		return IndirectString{}, false, err
	}
	ind, _, err := s.m.Decode(addr)
	return ind, err == nil, err
}

// FindSlot returns the address of a string's in-store slot.
func (s *NameSet) FindSlot(str string) (address.Address, bool, error) {
	return s.m.Find(NewHeapString(&str))
}

// Walk calls fn for every interned string in hash-prefix order.
func (s *NameSet) Walk(fn func(IndirectString) bool) error {
	it := s.m.Iter()
	for {
		addr, ok := it.Next()
		if !ok {
			return it.Err()
		}
		ind, _, err := s.m.Decode(addr)
		if err != nil {
			return err
		}
		if !fn(ind) {
			return nil
		}
	}
}

// extentCodec serializes a digest-keyed extent record.
type extentCodec struct{}

func (extentCodec) Encode(w *archive.TxWriter, k repo.Digest, v repo.Extent) (address.Address, error) {
	var buf [32]byte
	copy(buf[0:16], k[:])
	binary.LittleEndian.PutUint64(buf[16:24], v.Addr.Absolute())
	binary.LittleEndian.PutUint64(buf[24:32], v.Size)
	return w.PutAligned(buf[:], 8)
}

func (extentCodec) Decode(db archive.Getter, addr address.Address) (repo.Digest, repo.Extent, error) {
	raw, err := db.Get(addr, 32)
	if err != nil {
		return repo.Digest{}, repo.Extent{}, err
	}
	var d repo.Digest
	copy(d[:], raw[0:16])
	ext := repo.Extent{
		Addr: address.Address(binary.LittleEndian.Uint64(raw[16:24])),
		Size: binary.LittleEndian.Uint64(raw[24:32]),
	}
	return d, ext, nil
}

func hashDigest(d repo.Digest) uint64 { return farm.Hash64(d[:]) }

// ExtentMap maps content digests to record extents; it backs the
// fragment, compilation and debug-line indices.
type ExtentMap struct {
	m *index.Map[repo.Digest, repo.Extent]
}

// Size returns the number of records.
func (m *ExtentMap) Size() uint64 { return m.m.Size() }

// Insert records digest -> ext if absent.
func (m *ExtentMap) Insert(tx *Transaction, digest repo.Digest, ext repo.Extent) (bool, error) {
	_, inserted, err := m.m.Insert(tx, digest, ext)
	return inserted, err
}

// Find looks up the extent stored for digest.
func (m *ExtentMap) Find(digest repo.Digest) (repo.Extent, bool, error) {
	addr, ok, err := m.m.Find(digest)
	if err != nil || !ok {
		return repo.Extent{}, false, err
	}
	_, ext, err := m.m.Decode(addr)
	return ext, err == nil, err
}

// Walk calls fn for every record in hash-prefix order.
func (m *ExtentMap) Walk(fn func(repo.Digest, repo.Extent) bool) error {
	it := m.m.Iter()
	for {
		addr, ok := it.Next()
		if !ok {
			return it.Err()
		}
		d, ext, err := m.m.Decode(addr)
		if err != nil {
			return err
		}
		if !fn(d, ext) {
			return nil
		}
	}
}

func (db *Database) nameSet(id head.IndexID, slot **NameSet) (*NameSet, error) {
	if *slot != nil {
		return *slot, nil
	}
	m, err := index.Load[IndirectString, index.Empty](
		db, db.trailer.IndexRoots[id], id,
		hashIndirectString,
		func(a, b IndirectString) bool { return a.Equal(b) },
		nameCodec{},
	)
	if err != nil {
		return nil, err
	}
	*slot = &NameSet{m: m}
	return *slot, nil
}

func (db *Database) extentMap(id head.IndexID, slot **ExtentMap) (*ExtentMap, error) {
	if *slot != nil {
		return *slot, nil
	}
	m, err := index.Load[repo.Digest, repo.Extent](
		db, db.trailer.IndexRoots[id], id,
		hashDigest,
		func(a, b repo.Digest) bool { return a == b },
		extentCodec{},
	)
	if err != nil {
		return nil, err
	}
	*slot = &ExtentMap{m: m}
	return *slot, nil
}

// Names returns the interned-name index, creating it empty on first
// use.
func (db *Database) Names() (*NameSet, error) {
	return db.nameSet(head.NameIndex, &db.indexes.names)
}

// Paths returns the interned-path index.
func (db *Database) Paths() (*NameSet, error) {
	return db.nameSet(head.PathIndex, &db.indexes.paths)
}

// Fragments returns the fragment digest index.
func (db *Database) Fragments() (*ExtentMap, error) {
	return db.extentMap(head.FragmentIndex, &db.indexes.fragments)
}

// Compilations returns the compilation digest index.
func (db *Database) Compilations() (*ExtentMap, error) {
	return db.extentMap(head.CompilationIndex, &db.indexes.compilations)
}

// DebugLineHeaders returns the debug-line header index.
func (db *Database) DebugLineHeaders() (*ExtentMap, error) {
	return db.extentMap(head.DebugLineIndex, &db.indexes.debugLines)
}

// flushIndexes writes every dirty index and assembles the trailer's
// root table, reusing the previous revision's roots for untouched
// indices.
func (db *Database) flushIndexes(tx *Transaction) ([head.NumIndices]address.Address, error) {
	roots := db.trailer.IndexRoots

	flushSet := func(id head.IndexID, s *NameSet) error {
		if s == nil || !s.m.Dirty() {
			return nil
		}
		addr, err := s.m.Flush(tx)
		if err != nil {
			return err
		}
		roots[id] = addr
		return nil
	}
	flushMap := func(id head.IndexID, m *ExtentMap) error {
		if m == nil || !m.m.Dirty() {
			return nil
		}
		addr, err := m.m.Flush(tx)
		if err != nil {
			return err
		}
		roots[id] = addr
		return nil
	}

	if err := flushSet(head.NameIndex, db.indexes.names); err != nil {
		return roots, err
	}
	if err := flushSet(head.PathIndex, db.indexes.paths); err != nil {
		return roots, err
	}
	if err := flushMap(head.FragmentIndex, db.indexes.fragments); err != nil {
		return roots, err
	}
	if err := flushMap(head.CompilationIndex, db.indexes.compilations); err != nil {
		return roots, err
	}
	if err := flushMap(head.DebugLineIndex, db.indexes.debugLines); err != nil {
		return roots, err
	}
	return roots, nil
}

// discardDirtyIndexes drops every cached index facade; abandoned heap
// nodes may reference rolled-back addresses, so the next access
// reloads from the committed roots.
func (db *Database) discardDirtyIndexes() {
	db.indexes = indexCache{}
}
