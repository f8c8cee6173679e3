// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
)

// blockWriter builds a single block. Entries share key prefixes with their
// predecessor except at restart points:
//
//	shared(varint32) unshared(varint32) valueLen(varint32)
//	keySuffix(unshared) value(valueLen)
//
// The block ends with the restart offsets and their count as fixed32s.
type blockWriter struct {
	restartInterval int
	buf             []byte
	restarts        []uint32
	// curKey holds the most recently added key, in full.
	curKey []byte
	// nEntries counts entries since the last restart point.
	nEntries int
}

func (w *blockWriter) add(key, value []byte) {
	shared := 0
	if w.nEntries < w.restartInterval && len(w.restarts) > 0 {
		shared = sharedPrefixLen(w.curKey, key)
	} else {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
		w.nEntries = 0
	}
	w.nEntries++
	w.curKey = append(w.curKey[:0], key...)

	var tmp [binary.MaxVarintLen32]byte
	w.buf = append(w.buf, tmp[:binary.PutUvarint(tmp[:], uint64(shared))]...)
	w.buf = append(w.buf, tmp[:binary.PutUvarint(tmp[:], uint64(len(key)-shared))]...)
	w.buf = append(w.buf, tmp[:binary.PutUvarint(tmp[:], uint64(len(value)))]...)
	w.buf = append(w.buf, key[shared:]...)
	w.buf = append(w.buf, value...)
}

func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*(len(w.restarts)+1)
}

func (w *blockWriter) empty() bool {
	return len(w.buf) == 0
}

// finish appends the restart array and returns the completed block contents.
// The writer is left ready for reuse via reset.
func (w *blockWriter) finish() []byte {
	if len(w.restarts) == 0 {
		// An empty block still carries one restart point.
		w.restarts = append(w.restarts, 0)
	}
	var tmp [4]byte
	for _, x := range w.restarts {
		binary.LittleEndian.PutUint32(tmp[:], x)
		w.buf = append(w.buf, tmp[:]...)
	}
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(w.restarts)))
	w.buf = append(w.buf, tmp[:]...)
	return w.buf
}

func (w *blockWriter) reset() {
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:0]
	w.curKey = w.curKey[:0]
	w.nEntries = 0
}

func sharedPrefixLen(a, b []byte) int {
	return base.SharedPrefixLen(a, b)
}

// blockIter iterates over the entries of a single block. Keys are returned as
// the raw bytes stored in the block; data and index blocks store encoded
// internal keys, the metaindex block stores plain names.
type blockIter struct {
	data []byte
	// restarts is the offset in data of the restart array; numRestarts its
	// length.
	restarts    int
	numRestarts int
	// offset is the position of the current entry; nextOffset the position
	// after it.
	offset, nextOffset int
	key                []byte
	val                []byte
	err                error
}

func newBlockIter(data []byte) (*blockIter, error) {
	if len(data) < 4 {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid block: too short")
	}
	numRestarts := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	if numRestarts == 0 || len(data) < 4+4*numRestarts {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid block: bad restart count")
	}
	return &blockIter{
		data:        data,
		restarts:    len(data) - 4 - 4*numRestarts,
		numRestarts: numRestarts,
	}, nil
}

func (i *blockIter) restartOffset(n int) int {
	return int(binary.LittleEndian.Uint32(i.data[i.restarts+4*n:]))
}

// readEntry decodes the entry at nextOffset into key/val and advances
// nextOffset past it. The previous key must be current in i.key for prefix
// sharing to resolve, which holds on any forward walk from a restart point.
func (i *blockIter) readEntry() bool {
	if i.nextOffset >= i.restarts {
		return false
	}
	i.offset = i.nextOffset
	p := i.data[i.nextOffset:i.restarts]
	shared, n0 := binary.Uvarint(p)
	unshared, n1 := binary.Uvarint(p[n0:])
	valueLen, n2 := binary.Uvarint(p[n0+n1:])
	if n0 <= 0 || n1 <= 0 || n2 <= 0 {
		i.err = base.CorruptionErrorf("basalt/sstable: invalid block: bad entry header")
		return false
	}
	h := n0 + n1 + n2
	if int(shared) > len(i.key) || uint64(len(p)-h) < unshared+valueLen {
		i.err = base.CorruptionErrorf("basalt/sstable: invalid block: bad entry lengths")
		return false
	}
	i.key = append(i.key[:shared], p[h:h+int(unshared)]...)
	i.val = p[h+int(unshared) : h+int(unshared)+int(valueLen)]
	i.nextOffset += h + int(unshared) + int(valueLen)
	return true
}

// First positions the iterator at the first entry.
func (i *blockIter) First() bool {
	i.key = i.key[:0]
	i.nextOffset = 0
	return i.readEntry()
}

// Next advances to the next entry.
func (i *blockIter) Next() bool {
	return i.readEntry()
}

// SeekGE positions the iterator at the first entry whose key is >= target
// under cmp, which receives the raw stored key and the target.
func (i *blockIter) SeekGE(target []byte, cmp func(storedKey, target []byte) int) bool {
	if i.err != nil {
		return false
	}
	// Binary search over the restart points for the last restart whose key
	// is < target.
	lo, hi := 0, i.numRestarts-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		i.key = i.key[:0]
		i.nextOffset = i.restartOffset(mid)
		if !i.readEntry() {
			return false
		}
		if cmp(i.key, target) < 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	// Linear scan forward from the restart point.
	i.key = i.key[:0]
	i.nextOffset = i.restartOffset(lo)
	for i.readEntry() {
		if cmp(i.key, target) >= 0 {
			return true
		}
	}
	return false
}

// Key returns the raw key of the current entry.
func (i *blockIter) Key() []byte { return i.key }

// Value returns the value of the current entry.
func (i *blockIter) Value() []byte { return i.val }

// Error returns any corruption encountered while iterating.
func (i *blockIter) Error() error { return i.err }
