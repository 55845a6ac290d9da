// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package index implements the hash-array-mapped trie that backs every
// store index.  Keys hash to 64 bits consumed six bits per level;
// branch nodes discriminate the first eleven levels and linear nodes
// mop up full-hash collisions past that.  Nodes live on the heap while
// a transaction mutates them and are appended to the store, never
// rewritten, at flush.
package index

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/archive"
)

const (
	// hashIndexBits is the chunk width: log2 of the 64 child slots a
	// branch can carry.
	hashIndexBits = 6
	hashIndexMask = 1<<hashIndexBits - 1

	// maxHashBits rounds the 64-bit hash up to whole chunks; shifts at
	// or past it fall off the end of the hash and land in linear
	// nodes.
	maxHashBits = (64 + hashIndexBits) / hashIndexBits * hashIndexBits

	// MaxBranchDepth is the number of branch levels before collision
	// resolution goes linear.
	MaxBranchDepth = maxHashBits / hashIndexBits
)

// On-disk child pointers use the two low bits freed by node alignment:
// branchBit marks a reference to a branch or linear node (as opposed
// to a leaf); heapBit marks a dirty heap node and is never persisted.
const (
	branchBit = 0x1
	heapBit   = 0x2
	tagMask   = branchBit | heapBit
)

var (
	branchSignature = [8]byte{'I', 'n', 't', 'e', 'r', 'n', 'a', 'l'}
	linearSignature = [8]byte{'l', 'i', 'n', 'e', 'a', 'r', 0, 0}
)

// ErrCorruptIndex reports an index node whose signature or layout
// disagrees with its address.
var ErrCorruptIndex = errors.New("corrupt index node")

func depthIsBranch(shift uint) bool { return shift < maxHashBits }

// nodeKind discriminates the three-way union the C-family original
// expressed with tag bits on a raw pointer.  Heap pointers stay typed
// so the collector can see them.
type nodeKind uint8

const (
	kindEmpty nodeKind = iota
	kindLeaf          // store address of a serialized key (or key/value)
	kindStoreBranch   // clean branch in the store
	kindStoreLinear   // clean linear node in the store
	kindHeapBranch    // dirty branch owned by the arena
	kindHeapLinear    // dirty linear node owned by the arena
)

// indexPointer is one child slot: a leaf address, a store node
// address, or a pointer to a dirty heap node.
type indexPointer struct {
	kind nodeKind
	addr address.Address
	b    *branch
	l    *linearNode
}

func (p indexPointer) isEmpty() bool { return p.kind == kindEmpty }
func (p indexPointer) isLeaf() bool  { return p.kind == kindLeaf }
func (p indexPointer) isHeap() bool {
	return p.kind == kindHeapBranch || p.kind == kindHeapLinear
}

func leafPointer(addr address.Address) indexPointer {
	return indexPointer{kind: kindLeaf, addr: addr}
}

// pointerFromWord decodes a persisted child word.  shift tells us
// whether a tagged reference is a branch or a linear node: linear
// nodes only ever appear past the last branch level.
func pointerFromWord(word uint64, shift uint) indexPointer {
	if word == 0 {
		return indexPointer{}
	}
	if word&branchBit != 0 {
		// heapBit never reaches the store; mask both tag bits so a
		// damaged word cannot alias a misaligned node address.
		addr := address.Address(word &^ uint64(tagMask))
		if depthIsBranch(shift) {
			return indexPointer{kind: kindStoreBranch, addr: addr}
		}
		return indexPointer{kind: kindStoreLinear, addr: addr}
	}
	return leafPointer(address.Address(word))
}

// word encodes p for the store.  Only clean pointers have a stored
// form; flush rewrites heap pointers before calling this.
func (p indexPointer) word() uint64 {
	switch p.kind {
	case kindEmpty:
		return 0
	case kindLeaf:
		return p.addr.Absolute()
	case kindStoreBranch, kindStoreLinear:
		return p.addr.Absolute() | branchBit
	}
	panic("index: heap pointer has no stored form")
}

// branch is an interior node: a bitmap with one bit per child slot and
// a packed child array whose length is the bitmap's popcount.
type branch struct {
	bitmap   uint64
	children []indexPointer
}

// branchSizeBytes is the stored size of a branch with n children.
func branchSizeBytes(n int) uint64 {
	return 8 + 8 + 8*uint64(n)
}

// newBranchPair builds a branch holding two leaves at the slots given
// by the two hash chunks, which must differ.
func newBranchPair(existing indexPointer, existingHash uint64, added indexPointer, addedHash uint64, shift uint) *branch {
	ec := uint(existingHash>>shift) & hashIndexMask
	ac := uint(addedHash>>shift) & hashIndexMask
	b := &branch{bitmap: 1<<ec | 1<<ac}
	if ac >= ec {
		b.children = []indexPointer{existing, added}
	} else {
		b.children = []indexPointer{added, existing}
	}
	return b
}

func newBranchSingle(child indexPointer, chunk uint) *branch {
	return &branch{bitmap: 1 << chunk, children: []indexPointer{child}}
}

// lookup returns the child at the 6-bit hash index, with its packed
// position.
func (b *branch) lookup(hashIndex uint) (indexPointer, int, bool) {
	bit := uint64(1) << hashIndex
	if b.bitmap&bit == 0 {
		return indexPointer{}, 0, false
	}
	pos := bits.OnesCount64(b.bitmap & (bit - 1))
	return b.children[pos], pos, true
}

// insertChild adds a leaf at an empty slot.
func (b *branch) insertChild(hashIndex uint, child indexPointer) {
	bit := uint64(1) << hashIndex
	pos := bits.OnesCount64(b.bitmap & (bit - 1))
	b.children = append(b.children, indexPointer{})
	copy(b.children[pos+1:], b.children[pos:])
	b.children[pos] = child
	b.bitmap |= bit
}

func (b *branch) size() int { return bits.OnesCount64(b.bitmap) }

// readBranch parses a branch from the store.  childShift is the hash
// shift of the branch's children; it decides whether tagged child
// words refer to branches or linear nodes.
func readBranch(db archive.Getter, addr address.Address, childShift uint) (*branch, error) {
	hdr, err := db.Get(addr, 16)
	if err != nil {
		return nil, err
	}
	var sig [8]byte
	copy(sig[:], hdr[0:8])
	if sig != branchSignature {
		return nil, errors.Wrapf(ErrCorruptIndex, "branch at %#x has signature %q", addr.Absolute(), string(sig[:]))
	}
	bitmap := binary.LittleEndian.Uint64(hdr[8:16])
	if bitmap == 0 {
		return nil, errors.Wrapf(ErrCorruptIndex, "branch at %#x is empty", addr.Absolute())
	}
	n := bits.OnesCount64(bitmap)
	raw, err := db.Get(addr.Add(16), 8*uint64(n))
	if err != nil {
		return nil, err
	}
	b := &branch{bitmap: bitmap, children: make([]indexPointer, n)}
	for i := 0; i < n; i++ {
		b.children[i] = pointerFromWord(binary.LittleEndian.Uint64(raw[8*i:]), childShift)
	}
	return b, nil
}

// linearNode resolves keys whose hashes collide beyond the trie's
// discriminative depth: a flat list of leaf addresses.
type linearNode struct {
	leaves []address.Address
}

func linearSizeBytes(n int) uint64 {
	return 8 + 8 + 8*uint64(n)
}

func readLinear(db archive.Getter, addr address.Address) (*linearNode, error) {
	hdr, err := db.Get(addr, 16)
	if err != nil {
		return nil, err
	}
	var sig [8]byte
	copy(sig[:], hdr[0:8])
	if sig != linearSignature {
		return nil, errors.Wrapf(ErrCorruptIndex, "linear node at %#x has signature %q", addr.Absolute(), string(sig[:]))
	}
	n := binary.LittleEndian.Uint64(hdr[8:16])
	raw, err := db.Get(addr.Add(16), 8*n)
	if err != nil {
		return nil, err
	}
	ln := &linearNode{leaves: make([]address.Address, n)}
	for i := uint64(0); i < n; i++ {
		ln.leaves[i] = address.Address(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return ln, nil
}

// arena owns the dirty nodes created during a transaction.  It exists
// so the flush walk is bounded by what this transaction touched and so
// everything dirty can be dropped in one motion on rollback.
type arena struct {
	branches []*branch
	linears  []*linearNode
}

func (a *arena) newBranch(b *branch) *branch {
	a.branches = append(a.branches, b)
	return b
}

func (a *arena) copyBranch(b *branch) *branch {
	cp := &branch{bitmap: b.bitmap, children: append([]indexPointer(nil), b.children...)}
	return a.newBranch(cp)
}

func (a *arena) newLinear(leaves []address.Address) *linearNode {
	ln := &linearNode{leaves: leaves}
	a.linears = append(a.linears, ln)
	return ln
}

func (a *arena) discard() {
	a.branches = nil
	a.linears = nil
}
