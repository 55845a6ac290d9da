// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/archive"
	"github.com/step-security-bot/pstore/internal/head"
)

// Codec serializes a key/value pair as one store record: the leaf of
// the trie is the address of that record.
type Codec[K, V any] interface {
	// Encode writes k and v through w and returns the record address.
	Encode(w *archive.TxWriter, k K, v V) (address.Address, error)
	// Decode reads a record back.
	Decode(db archive.Getter, addr address.Address) (K, V, error)
}

// Empty is the value type of the set specialization; its serialized
// form is zero bytes.
type Empty = struct{}

// Map is a typed facade over the trie.  hash and equal close over
// whatever context key comparison needs (for indirect strings, the
// database).
type Map[K, V any] struct {
	db    archive.Getter
	kind  head.IndexID
	hash  func(K) uint64
	equal func(a, b K) bool
	codec Codec[K, V]

	root  indexPointer
	size  uint64
	dirty bool
	arena arena
}

// New creates an empty index.
func New[K, V any](db archive.Getter, kind head.IndexID, hash func(K) uint64, equal func(a, b K) bool, codec Codec[K, V]) *Map[K, V] {
	return &Map[K, V]{db: db, kind: kind, hash: hash, equal: equal, codec: codec}
}

// Load constructs an index from the header block recorded in a
// trailer.  A null address means the index has never been flushed and
// loads empty.
func Load[K, V any](db archive.Getter, blockAddr address.Address, kind head.IndexID, hash func(K) uint64, equal func(a, b K) bool, codec Codec[K, V]) (*Map[K, V], error) {
	m := New[K, V](db, kind, hash, equal, codec)
	if blockAddr.IsNull() {
		return m, nil
	}
	raw, err := db.Get(blockAddr, head.HeaderBlockSize)
	if err != nil {
		return nil, err
	}
	var block head.HeaderBlock
	if err := block.UnmarshalBytes(raw, kind); err != nil {
		return nil, err
	}
	m.size = block.Size
	m.root = pointerFromWord(block.Root.Absolute(), 0)
	return m, nil
}

// Size returns the number of keys.
func (m *Map[K, V]) Size() uint64 { return m.size }

// Dirty reports whether the index holds unflushed modifications.
func (m *Map[K, V]) Dirty() bool { return m.dirty }

// Kind returns the index id this map was loaded under.
func (m *Map[K, V]) Kind() head.IndexID { return m.kind }

// Decode reads back the key/value record at a leaf address.
func (m *Map[K, V]) Decode(addr address.Address) (K, V, error) {
	return m.codec.Decode(m.db, addr)
}

func (m *Map[K, V]) getBranch(p indexPointer, childShift uint) (*branch, error) {
	if p.kind == kindHeapBranch {
		return p.b, nil
	}
	return readBranch(m.db, p.addr, childShift)
}

func (m *Map[K, V]) getLinear(p indexPointer) (*linearNode, error) {
	if p.kind == kindHeapLinear {
		return p.l, nil
	}
	return readLinear(m.db, p.addr)
}

// Find locates key and returns the leaf address of its record.
func (m *Map[K, V]) Find(key K) (address.Address, bool, error) {
	node := m.root
	hash := m.hash(key)
	for shift := uint(0); ; shift += hashIndexBits {
		switch node.kind {
		case kindEmpty:
			return address.Null, false, nil

		case kindLeaf:
			stored, _, err := m.codec.Decode(m.db, node.addr)
			if err != nil {
				return address.Null, false, err
			}
			if m.equal(stored, key) {
				return node.addr, true, nil
			}
			return address.Null, false, nil

		case kindStoreBranch, kindHeapBranch:
			b, err := m.getBranch(node, shift+hashIndexBits)
			if err != nil {
				return address.Null, false, err
			}
			child, _, ok := b.lookup(uint(hash>>shift) & hashIndexMask)
			if !ok {
				return address.Null, false, nil
			}
			node = child

		case kindStoreLinear, kindHeapLinear:
			ln, err := m.getLinear(node)
			if err != nil {
				return address.Null, false, err
			}
			for _, leaf := range ln.leaves {
				stored, _, err := m.codec.Decode(m.db, leaf)
				if err != nil {
					return address.Null, false, err
				}
				if m.equal(stored, key) {
					return leaf, true, nil
				}
			}
			return address.Null, false, nil
		}
	}
}

// Insert adds key/value if key is absent.  It returns the leaf address
// of the (new or existing) record and whether an insertion happened.
// Inserting a present key allocates nothing.
func (m *Map[K, V]) Insert(tx archive.Allocator, key K, value V) (address.Address, bool, error) {
	w := archive.NewTxWriter(tx)
	hash := m.hash(key)

	if m.root.isEmpty() {
		leafAddr, err := m.codec.Encode(w, key, value)
		if err != nil {
			return address.Null, false, err
		}
		m.root = leafPointer(leafAddr)
		m.size++
		m.dirty = true
		return leafAddr, true, nil
	}

	newRoot, leafAddr, inserted, err := m.insertNode(w, m.root, key, value, hash, 0)
	if err != nil {
		return address.Null, false, err
	}
	m.root = newRoot
	if inserted {
		m.size++
		m.dirty = true
	}
	return leafAddr, inserted, nil
}

// makeWritable returns a heap branch that may be mutated: the node
// itself if already dirty, otherwise an arena copy (copy-on-write, so
// the store-resident original stays untouched).
func (m *Map[K, V]) makeWritable(node indexPointer, b *branch) *branch {
	if node.kind == kindHeapBranch {
		return b
	}
	return m.arena.copyBranch(b)
}

func heapBranchPointer(b *branch) indexPointer {
	return indexPointer{kind: kindHeapBranch, b: b}
}

func heapLinearPointer(l *linearNode) indexPointer {
	return indexPointer{kind: kindHeapLinear, l: l}
}

func (m *Map[K, V]) insertNode(w *archive.TxWriter, node indexPointer, key K, value V, hash uint64, shift uint) (indexPointer, address.Address, bool, error) {
	switch node.kind {
	case kindLeaf:
		stored, _, err := m.codec.Decode(m.db, node.addr)
		if err != nil {
			return node, address.Null, false, err
		}
		if m.equal(stored, key) {
			return node, node.addr, false, nil
		}
		leafAddr, err := m.codec.Encode(w, key, value)
		if err != nil {
			return node, address.Null, false, err
		}
		sub := m.makeSubtree(node, m.hash(stored), leafPointer(leafAddr), hash, shift)
		return sub, leafAddr, true, nil

	case kindStoreBranch, kindHeapBranch:
		b, err := m.getBranch(node, shift+hashIndexBits)
		if err != nil {
			return node, address.Null, false, err
		}
		chunk := uint(hash>>shift) & hashIndexMask
		child, pos, ok := b.lookup(chunk)
		if !ok {
			leafAddr, err := m.codec.Encode(w, key, value)
			if err != nil {
				return node, address.Null, false, err
			}
			wb := m.makeWritable(node, b)
			wb.insertChild(chunk, leafPointer(leafAddr))
			return heapBranchPointer(wb), leafAddr, true, nil
		}
		newChild, leafAddr, inserted, err := m.insertNode(w, child, key, value, hash, shift+hashIndexBits)
		if err != nil {
			return node, address.Null, false, err
		}
		if !inserted {
			return node, leafAddr, false, nil
		}
		wb := m.makeWritable(node, b)
		wb.children[pos] = newChild
		return heapBranchPointer(wb), leafAddr, true, nil

	case kindStoreLinear, kindHeapLinear:
		ln, err := m.getLinear(node)
		if err != nil {
			return node, address.Null, false, err
		}
		for _, leaf := range ln.leaves {
			stored, _, err := m.codec.Decode(m.db, leaf)
			if err != nil {
				return node, address.Null, false, err
			}
			if m.equal(stored, key) {
				return node, leaf, false, nil
			}
		}
		leafAddr, err := m.codec.Encode(w, key, value)
		if err != nil {
			return node, address.Null, false, err
		}
		if node.kind == kindHeapLinear {
			ln.leaves = append(ln.leaves, leafAddr)
			return node, leafAddr, true, nil
		}
		leaves := make([]address.Address, 0, len(ln.leaves)+1)
		leaves = append(leaves, ln.leaves...)
		leaves = append(leaves, leafAddr)
		return heapLinearPointer(m.arena.newLinear(leaves)), leafAddr, true, nil
	}
	return node, address.Null, false, errors.Wrap(ErrCorruptIndex, "insert into empty node")
}

// makeSubtree disambiguates two leaves whose hashes agree on all
// chunks up to shift: branches are nested until the hashes differ, or
// a linear node is created at maximum depth.
func (m *Map[K, V]) makeSubtree(existing indexPointer, existingHash uint64, added indexPointer, addedHash uint64, shift uint) indexPointer {
	if !depthIsBranch(shift) {
		return heapLinearPointer(m.arena.newLinear([]address.Address{existing.addr, added.addr}))
	}
	ec := uint(existingHash>>shift) & hashIndexMask
	ac := uint(addedHash>>shift) & hashIndexMask
	if ec != ac {
		return heapBranchPointer(m.arena.newBranch(newBranchPair(existing, existingHash, added, addedHash, shift)))
	}
	child := m.makeSubtree(existing, existingHash, added, addedHash, shift+hashIndexBits)
	return heapBranchPointer(m.arena.newBranch(newBranchSingle(child, ec)))
}

// Flush writes every dirty node to the store bottom-up, then a fresh
// header block, and returns the block's address for the trailer's root
// table.  Clean subtrees are never rewritten.
func (m *Map[K, V]) Flush(tx archive.Allocator) (address.Address, error) {
	w := archive.NewTxWriter(tx)
	rootWord := uint64(0)
	if !m.root.isEmpty() {
		var err error
		if rootWord, err = m.flushNode(tx, m.root, 0); err != nil {
			return address.Null, err
		}
	}

	block := head.HeaderBlock{Kind: m.kind, Size: m.size, Root: address.Address(rootWord)}
	var buf [head.HeaderBlockSize]byte
	if err := block.MarshalTo(buf[:]); err != nil {
		return address.Null, err
	}
	blockAddr, err := w.PutAligned(buf[:], 8)
	if err != nil {
		return address.Null, err
	}

	m.root = pointerFromWord(rootWord, 0)
	m.arena.discard()
	m.dirty = false
	return blockAddr, nil
}

func (m *Map[K, V]) flushNode(tx archive.Allocator, node indexPointer, shift uint) (uint64, error) {
	switch node.kind {
	case kindLeaf, kindStoreBranch, kindStoreLinear:
		return node.word(), nil

	case kindHeapBranch:
		b := node.b
		// Children first, so every child pointer we persist is a
		// store address.
		words := make([]uint64, len(b.children))
		for i, child := range b.children {
			w, err := m.flushNode(tx, child, shift+hashIndexBits)
			if err != nil {
				return 0, err
			}
			words[i] = w
		}
		size := branchSizeBytes(len(b.children))
		addr, err := tx.Allocate(size, 8)
		if err != nil {
			return 0, err
		}
		buf, err := tx.GetRW(addr, size)
		if err != nil {
			return 0, err
		}
		copy(buf[0:8], branchSignature[:])
		binary.LittleEndian.PutUint64(buf[8:16], b.bitmap)
		for i, w := range words {
			binary.LittleEndian.PutUint64(buf[16+8*i:], w)
		}
		return addr.Absolute() | branchBit, nil

	case kindHeapLinear:
		ln := node.l
		size := linearSizeBytes(len(ln.leaves))
		addr, err := tx.Allocate(size, 8)
		if err != nil {
			return 0, err
		}
		buf, err := tx.GetRW(addr, size)
		if err != nil {
			return 0, err
		}
		copy(buf[0:8], linearSignature[:])
		binary.LittleEndian.PutUint64(buf[8:16], uint64(len(ln.leaves)))
		for i, leaf := range ln.leaves {
			binary.LittleEndian.PutUint64(buf[16+8*i:], leaf.Absolute())
		}
		return addr.Absolute() | branchBit, nil
	}
	return 0, errors.Wrap(ErrCorruptIndex, "flush of empty node")
}
