// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
)

// internalIterator is a forward iterator over internal key/value entries:
// the memtable, a single table, a level of tables, or a merge of those.
type internalIterator interface {
	// First positions the iterator at the first entry.
	First()
	// Next advances the iterator. Requires Valid.
	Next()
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool
	// Key returns the current internal key. Requires Valid.
	Key() base.InternalKey
	// Value returns the current value. Requires Valid.
	Value() []byte
	// Error returns any accumulated error.
	Error() error
	// Close releases the iterator's resources.
	Close() error
}

// mergingIter merges its children into a single stream in internal key
// order. The number of children is small (the files of two adjacent levels),
// so the smallest child is found by linear scan rather than a heap.
type mergingIter struct {
	cmp   func(a, b base.InternalKey) int
	iters []internalIterator
	// cur is the index of the child positioned at the smallest entry, or -1.
	cur int
	err error
}

func newMergingIter(cmp func(a, b base.InternalKey) int, iters ...internalIterator) *mergingIter {
	return &mergingIter{
		cmp:   cmp,
		iters: iters,
		cur:   -1,
	}
}

func (m *mergingIter) First() {
	for _, it := range m.iters {
		it.First()
	}
	m.findSmallest()
}

func (m *mergingIter) Next() {
	if m.cur < 0 {
		return
	}
	m.iters[m.cur].Next()
	m.findSmallest()
}

func (m *mergingIter) findSmallest() {
	m.cur = -1
	for i, it := range m.iters {
		if err := it.Error(); err != nil {
			m.err = err
		}
		if !it.Valid() {
			continue
		}
		if m.cur < 0 || m.cmp(it.Key(), m.iters[m.cur].Key()) < 0 {
			m.cur = i
		}
	}
}

func (m *mergingIter) Valid() bool {
	return m.cur >= 0 && m.err == nil
}

func (m *mergingIter) Key() base.InternalKey {
	return m.iters[m.cur].Key()
}

func (m *mergingIter) Value() []byte {
	return m.iters[m.cur].Value()
}

func (m *mergingIter) Error() error {
	return m.err
}

func (m *mergingIter) Close() error {
	err := m.err
	for _, it := range m.iters {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	m.iters = nil
	return err
}

// levelIter concatenates the tables of a single level ≥ 1, whose key ranges
// are sorted and disjoint. Table iterators are opened one at a time through
// the table cache.
type levelIter struct {
	newIter func(meta *fileMetadata) (internalIterator, error)
	files   []*fileMetadata
	// index is the position within files; iter the open iterator for it.
	index int
	iter  internalIterator
	err   error
}

func (l *levelIter) First() {
	l.index = -1
	l.closeCurrent()
	l.advance()
}

func (l *levelIter) Next() {
	if l.iter == nil {
		return
	}
	l.iter.Next()
	if !l.iter.Valid() {
		if err := l.iter.Error(); err != nil {
			l.err = err
			return
		}
		l.advance()
	}
}

// advance opens table iterators until one yields an entry or the level is
// exhausted.
func (l *levelIter) advance() {
	for l.err == nil {
		l.closeCurrent()
		l.index++
		if l.index >= len(l.files) {
			return
		}
		it, err := l.newIter(l.files[l.index])
		if err != nil {
			l.err = err
			return
		}
		l.iter = it
		l.iter.First()
		if l.iter.Valid() {
			return
		}
		if err := l.iter.Error(); err != nil {
			l.err = err
			return
		}
	}
}

func (l *levelIter) closeCurrent() {
	if l.iter != nil {
		if err := l.iter.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.iter = nil
	}
}

func (l *levelIter) Valid() bool {
	return l.err == nil && l.iter != nil && l.iter.Valid()
}

func (l *levelIter) Key() base.InternalKey {
	return l.iter.Key()
}

func (l *levelIter) Value() []byte {
	return l.iter.Value()
}

func (l *levelIter) Error() error {
	if l.err != nil {
		return l.err
	}
	if l.iter != nil {
		return l.iter.Error()
	}
	return nil
}

func (l *levelIter) Close() error {
	l.closeCurrent()
	l.files = nil
	return l.err
}
