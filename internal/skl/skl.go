// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package skl provides the probabilistic ordered map underneath a memtable: a
// skiplist written by a single goroutine and readable, without locks, by any
// number of concurrent goroutines.
//
// The concurrency contract mirrors the memtable's: writes require external
// serialization, readers require none. Forward links are atomic pointers.
// Publishing a node stores its links with release semantics and traversal
// loads them with acquire semantics, so a reader that observes a link also
// observes the linked node's fully constructed key. Nodes are never removed;
// deletion at higher layers is expressed as tombstone entries.
package skl

import (
	"math/rand"
	"sync/atomic"

	"github.com/basaltdb/basalt/internal/arena"
	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/errors"
)

const (
	maxHeight = 12
	// branching is the inverse probability of a node growing one level.
	branching = 4
)

// ErrRecordExists is returned by Add when the key is already present.
var ErrRecordExists = errors.New("basalt: record with this key already exists")

type node struct {
	// key is the encoded entry, allocated from the skiplist's arena.
	key []byte
	// tower[i] is the next node in the list at height i. Its length is the
	// node's height. A nil pointer terminates the list at that height.
	tower []atomic.Pointer[node]
}

// Skiplist is a single-writer concurrent skiplist. Keys must be unique under
// the comparison function.
type Skiplist struct {
	arena  *arena.Arena
	cmp    base.Compare
	head   *node
	height atomic.Int32
	rnd    *rand.Rand
}

// New constructs a skiplist whose keys are stored in the given arena and
// ordered by cmp. The head node sorts before all keys.
func New(a *arena.Arena, cmp base.Compare) *Skiplist {
	s := &Skiplist{
		arena: a,
		cmp:   cmp,
		head:  &node{tower: make([]atomic.Pointer[node], maxHeight)},
		rnd:   rand.New(rand.NewSource(0xdeadbeef)),
	}
	s.height.Store(1)
	return s
}

// Arena returns the arena backing the skiplist's keys.
func (s *Skiplist) Arena() *arena.Arena { return s.arena }

func (s *Skiplist) randomHeight() int {
	h := 1
	for h < maxHeight && s.rnd.Intn(branching) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual returns the first node whose key is >= key. If prev is
// non-nil it is filled with the preceding node at every height, suitable for
// splicing in a new node.
func (s *Skiplist) findGreaterOrEqual(key []byte, prev *[maxHeight]*node) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.tower[level].Load()
		if next != nil && s.cmp(next.key, key) < 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// findLessThan returns the latest node with a key < key, or head if there is
// no such node.
func (s *Skiplist) findLessThan(key []byte) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.tower[level].Load()
		if next != nil && s.cmp(next.key, key) < 0 {
			x = next
			continue
		}
		if level == 0 {
			return x
		}
		level--
	}
}

// findLast returns the last node in the list, or head if the list is empty.
func (s *Skiplist) findLast() *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.tower[level].Load()
		if next != nil {
			x = next
			continue
		}
		if level == 0 {
			return x
		}
		level--
	}
}

// Add inserts key into the list. The caller must guarantee external
// serialization with other Add calls. If an equal key is already present,
// Add returns ErrRecordExists and leaves the list unchanged. The key bytes
// are copied into the arena.
func (s *Skiplist) Add(key []byte) error {
	var prev [maxHeight]*node
	if next := s.findGreaterOrEqual(key, &prev); next != nil && s.cmp(next.key, key) == 0 {
		return ErrRecordExists
	}

	h := s.randomHeight()
	if lh := int(s.height.Load()); h > lh {
		for i := lh; i < h; i++ {
			prev[i] = s.head
		}
		// A concurrent reader observing the new height before the node is
		// linked will find nil at the upper levels and fall through to a
		// lower level.
		s.height.Store(int32(h))
	}

	buf := s.arena.Alloc(len(key))
	copy(buf, key)
	n := &node{
		key:   buf,
		tower: make([]atomic.Pointer[node], h),
	}
	for i := 0; i < h; i++ {
		n.tower[i].Store(prev[i].tower[i].Load())
	}
	// Publish bottom-up. The store into prev's tower is the release point: a
	// reader that loads the link observes the node's key and forward links.
	for i := 0; i < h; i++ {
		prev[i].tower[i].Store(n)
	}
	return nil
}

// Contains reports whether a key equal to the argument is in the list.
func (s *Skiplist) Contains(key []byte) bool {
	n := s.findGreaterOrEqual(key, nil)
	return n != nil && s.cmp(n.key, key) == 0
}

// NewIter returns a new iterator over the skiplist. The iterator is invalid
// until positioned.
func (s *Skiplist) NewIter() Iterator {
	return Iterator{list: s}
}

// Iterator iterates over the skiplist in key order. Backward motion is
// implemented by re-searching for the greatest key less than the current one;
// the list has no back links.
type Iterator struct {
	list *Skiplist
	nd   *node
}

// Valid reports whether the iterator is positioned at a node.
func (it *Iterator) Valid() bool {
	return it.nd != nil
}

// Key returns the key at the current position. The returned slice is stable
// for the lifetime of the arena.
func (it *Iterator) Key() []byte {
	return it.nd.key
}

// SeekGE positions the iterator at the first key >= target.
func (it *Iterator) SeekGE(target []byte) {
	it.nd = it.list.findGreaterOrEqual(target, nil)
}

// First positions the iterator at the first entry.
func (it *Iterator) First() {
	it.nd = it.list.head.tower[0].Load()
}

// Last positions the iterator at the last entry.
func (it *Iterator) Last() {
	it.nd = it.list.findLast()
	if it.nd == it.list.head {
		it.nd = nil
	}
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	it.nd = it.nd.tower[0].Load()
}

// Prev moves to the previous entry.
func (it *Iterator) Prev() {
	n := it.list.findLessThan(it.nd.key)
	if n == it.list.head {
		n = nil
	}
	it.nd = n
}
