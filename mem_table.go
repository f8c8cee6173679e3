// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/basaltdb/basalt/internal/arena"
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/skl"
)

// A memTable implements the in-memory layer of the LSM. A memTable is
// mutable, but append-only: records are added, never removed. Deletion is
// represented by tombstone entries.
//
// The skiplist key of every entry is the full encoded record
//
//	varint32(len(ikey)) ikey varint32(len(value)) value
//
// so the list needs no separate value storage; the comparator strips the
// length prefix and delegates to the internal key ordering.
//
// A memTable is written by at most one goroutine at a time (the head of the
// writer queue) and read by any number of goroutines without locking. It is
// reference counted: during a flush the compactor holds a handle after the
// writer has moved on to a fresh memtable.
type memTable struct {
	cmp  base.Compare
	skl  *skl.Skiplist
	refs atomic.Int32
}

func newMemTable(o *Options) *memTable {
	m := &memTable{
		cmp: o.Comparer.Compare,
	}
	m.skl = skl.New(arena.New(), m.compareEntries)
	m.refs.Store(1)
	return m
}

func (m *memTable) ref() {
	m.refs.Add(1)
}

func (m *memTable) unref() bool {
	switch v := m.refs.Add(-1); {
	case v < 0:
		panic("basalt: inconsistent memtable reference count")
	case v == 0:
		return true
	default:
		return false
	}
}

// entryKey extracts the encoded internal key from an encoded entry.
func entryKey(e []byte) []byte {
	n, m := binary.Uvarint(e)
	return e[m : m+int(n)]
}

// entryValue extracts the value from an encoded entry.
func entryValue(e []byte) []byte {
	n, m := binary.Uvarint(e)
	e = e[m+int(n):]
	n, m = binary.Uvarint(e)
	return e[m : m+int(n)]
}

func (m *memTable) compareEntries(a, b []byte) int {
	return base.InternalCompare(m.cmp,
		base.DecodeInternalKey(entryKey(a)),
		base.DecodeInternalKey(entryKey(b)))
}

// add inserts a single entry. Only the current head of the writer queue, or
// recovery, may call add.
func (m *memTable) add(seqNum base.SeqNum, kind base.InternalKeyKind, ukey, value []byte) error {
	ikey := base.MakeInternalKey(ukey, seqNum, kind)
	buf := make([]byte,
		binary.MaxVarintLen32+ikey.Size()+binary.MaxVarintLen32+len(value))
	n := binary.PutUvarint(buf, uint64(ikey.Size()))
	ikey.Encode(buf[n : n+ikey.Size()])
	n += ikey.Size()
	n += binary.PutUvarint(buf[n:], uint64(len(value)))
	n += copy(buf[n:], value)
	return m.skl.Add(buf[:n])
}

// apply inserts the batch's entries, assigning consecutive sequence numbers
// starting at seqNum.
func (m *memTable) apply(b *Batch, seqNum base.SeqNum) error {
	startSeqNum := seqNum
	err := b.Iterate(func(kind base.InternalKeyKind, ukey, value []byte) error {
		err := m.add(seqNum, kind, ukey, value)
		seqNum++
		return err
	})
	if err != nil {
		return err
	}
	if seqNum != startSeqNum+base.SeqNum(b.Count()) {
		panic("basalt: inconsistent batch count")
	}
	return nil
}

// get returns the value of the newest entry for key with a sequence number
// ≤ seqNum. conclusive is false if the memtable holds no such entry; a
// tombstone is conclusive and yields ErrNotFound.
func (m *memTable) get(key []byte, seqNum base.SeqNum) (value []byte, conclusive bool, err error) {
	lookup := makeLookupEntry(key, seqNum)
	it := m.skl.NewIter()
	it.SeekGE(lookup)
	if !it.Valid() {
		return nil, false, nil
	}
	ikey := base.DecodeInternalKey(entryKey(it.Key()))
	if m.cmp(ikey.UserKey, key) != 0 {
		return nil, false, nil
	}
	if ikey.Kind() == base.InternalKeyKindDelete {
		return nil, true, base.ErrNotFound
	}
	return entryValue(it.Key()), true, nil
}

// makeLookupEntry encodes a search entry for key at seqNum: an entry-format
// prefix with no value, comparing equal in position to the newest visible
// entry for key.
func makeLookupEntry(key []byte, seqNum base.SeqNum) []byte {
	ikey := base.MakeSearchKey(key, seqNum)
	buf := make([]byte, binary.MaxVarintLen32+ikey.Size())
	n := binary.PutUvarint(buf, uint64(ikey.Size()))
	ikey.Encode(buf[n : n+ikey.Size()])
	return buf[:n+ikey.Size()]
}

// approximateMemoryUsage returns the memory the memtable holds, used to
// trigger a flush once it crosses Options.WriteBufferSize.
func (m *memTable) approximateMemoryUsage() uint64 {
	return m.skl.Arena().Size()
}

func (m *memTable) empty() bool {
	it := m.skl.NewIter()
	it.First()
	return !it.Valid()
}

// newIter returns an iterator over the memtable in internal key order.
func (m *memTable) newIter() internalIterator {
	it := m.skl.NewIter()
	return &memTableIter{iter: it}
}

type memTableIter struct {
	iter skl.Iterator
}

func (i *memTableIter) First()       { i.iter.First() }
func (i *memTableIter) Next()        { i.iter.Next() }
func (i *memTableIter) Valid() bool  { return i.iter.Valid() }
func (i *memTableIter) Error() error { return nil }
func (i *memTableIter) Close() error { return nil }

func (i *memTableIter) Key() base.InternalKey {
	return base.DecodeInternalKey(entryKey(i.iter.Key()))
}

func (i *memTableIter) Value() []byte {
	return entryValue(i.iter.Key())
}
