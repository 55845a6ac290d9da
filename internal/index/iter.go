// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"github.com/step-security-bot/pstore/address"
)

// Iterator walks the trie depth-first, yielding leaf addresses in
// hash-prefix order: branch children low bitmap bit to high, linear
// leaves in insertion order.  The order is stable across reads of the
// same revision.
type Iterator[K, V any] struct {
	m     *Map[K, V]
	stack []iterFrame
	err   error
}

type iterFrame struct {
	node  indexPointer
	shift uint
	pos   int

	// parsed store nodes, cached so each frame reads its node once
	b *branch
	l *linearNode
}

// Iter starts an iteration over m.
func (m *Map[K, V]) Iter() *Iterator[K, V] {
	it := &Iterator[K, V]{m: m}
	if !m.root.isEmpty() {
		it.stack = append(it.stack, iterFrame{node: m.root})
	}
	return it
}

// Next returns the next leaf address, or false when the walk is done
// or an error occurred.
func (it *Iterator[K, V]) Next() (address.Address, bool) {
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		switch top.node.kind {
		case kindLeaf:
			addr := top.node.addr
			it.stack = it.stack[:len(it.stack)-1]
			return addr, true

		case kindStoreBranch, kindHeapBranch:
			b := top.b
			if b == nil {
				var err error
				if b, err = it.m.getBranch(top.node, top.shift+hashIndexBits); err != nil {
					it.err = err
					it.stack = nil
					return address.Null, false
				}
				top.b = b
			}
			if top.pos >= len(b.children) {
				it.stack = it.stack[:len(it.stack)-1]
				continue
			}
			child := b.children[top.pos]
			childShift := top.shift + hashIndexBits
			top.pos++
			it.stack = append(it.stack, iterFrame{node: child, shift: childShift})

		case kindStoreLinear, kindHeapLinear:
			ln := top.l
			if ln == nil {
				var err error
				if ln, err = it.m.getLinear(top.node); err != nil {
					it.err = err
					it.stack = nil
					return address.Null, false
				}
				top.l = ln
			}
			if top.pos >= len(ln.leaves) {
				it.stack = it.stack[:len(it.stack)-1]
				continue
			}
			leaf := ln.leaves[top.pos]
			top.pos++
			return leaf, true

		default:
			it.stack = it.stack[:len(it.stack)-1]
		}
	}
	return address.Null, false
}

// Err reports the first error the walk hit, if any.
func (it *Iterator[K, V]) Err() error { return it.err }
