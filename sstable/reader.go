// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
	"github.com/golang/snappy"
)

// Reader reads point lookups and scans from an open table file. It is safe
// for concurrent use by multiple goroutines.
type Reader struct {
	f    vfs.File
	opts ReaderOptions
	// index holds the decompressed index block for the lifetime of the
	// reader.
	index  []byte
	filter *filterReader
}

// NewReader opens the table stored in f, whose physical size is size bytes.
// The reader takes ownership of the file.
func NewReader(f vfs.File, size int64, o ReaderOptions) (*Reader, error) {
	r := &Reader{f: f, opts: o.ensureDefaults()}
	if size < footerLen {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid table: file size is too small")
	}
	var footer [footerLen]byte
	if _, err := f.ReadAt(footer[:], size-footerLen); err != nil {
		return nil, err
	}
	if string(footer[footerLen-len(magic):]) != magic {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid table: bad magic number")
	}

	metaindexHandle, n := decodeBlockHandle(footer[:])
	if n == 0 {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid table: bad metaindex block handle")
	}
	indexHandle, n := decodeBlockHandle(footer[n:])
	if n == 0 {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid table: bad index block handle")
	}

	index, err := r.readBlock(indexHandle)
	if err != nil {
		return nil, err
	}
	r.index = index

	if err := r.readFilter(metaindexHandle); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) readFilter(metaindexHandle blockHandle) error {
	if r.opts.FilterPolicy == nil {
		return nil
	}
	metaindex, err := r.readBlock(metaindexHandle)
	if err != nil {
		return err
	}
	it, err := newBlockIter(metaindex)
	if err != nil {
		return err
	}
	name := []byte(metaFilterPrefix + r.opts.FilterPolicy.Name())
	for ok := it.First(); ok; ok = it.Next() {
		if !bytes.Equal(it.Key(), name) {
			continue
		}
		bh, n := decodeBlockHandle(it.Value())
		if n == 0 {
			return base.CorruptionErrorf("basalt/sstable: invalid table: bad filter block handle")
		}
		data, err := r.readBlock(bh)
		if err != nil {
			return err
		}
		if fr, ok := newFilterReader(r.opts.FilterPolicy, data); ok {
			r.filter = fr
		}
		return nil
	}
	// The table was written without a filter, or with a different policy.
	return it.Error()
}

// readBlock reads, verifies and decompresses the block at bh.
func (r *Reader) readBlock(bh blockHandle) ([]byte, error) {
	buf := make([]byte, bh.length+blockTrailerLen)
	if _, err := r.f.ReadAt(buf, int64(bh.offset)); err != nil {
		return nil, err
	}
	contents, trailer := buf[:bh.length], buf[bh.length:]
	if got, want := binary.LittleEndian.Uint32(trailer[1:]), crcBlock(contents, trailer[0]); got != want {
		return nil, base.CorruptionErrorf("basalt/sstable: invalid table: block checksum mismatch")
	}
	switch trailer[0] {
	case noCompressionBlockType:
		return contents, nil
	case snappyCompressionBlockType:
		decoded, err := snappy.Decode(nil, contents)
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		return decoded, nil
	}
	return nil, base.CorruptionErrorf("basalt/sstable: invalid table: unknown block compression %d", int(trailer[0]))
}

func (r *Reader) icmpRaw(storedKey, target []byte) int {
	return base.InternalCompare(r.opts.Comparer.Compare,
		base.DecodeInternalKey(storedKey), base.DecodeInternalKey(target))
}

// Find returns the first entry in the table at or after ikey in the internal
// key order. ok is false if there is no such entry. The returned slices are
// valid until the reader is closed.
func (r *Reader) Find(ikey base.InternalKey) (key base.InternalKey, value []byte, ok bool, err error) {
	target := make([]byte, ikey.Size())
	ikey.Encode(target)

	indexIter, err := newBlockIter(r.index)
	if err != nil {
		return base.InternalKey{}, nil, false, err
	}
	// The index key for each block is >= every key in it, so the first index
	// entry >= the target names the only block that can contain it.
	if !indexIter.SeekGE(target, r.icmpRaw) {
		return base.InternalKey{}, nil, false, indexIter.Error()
	}
	bh, n := decodeBlockHandle(indexIter.Value())
	if n == 0 {
		return base.InternalKey{}, nil, false,
			base.CorruptionErrorf("basalt/sstable: invalid table: bad data block handle")
	}
	if r.filter != nil && !r.filter.mayContain(bh.offset, ikey.UserKey) {
		return base.InternalKey{}, nil, false, nil
	}
	data, err := r.readBlock(bh)
	if err != nil {
		return base.InternalKey{}, nil, false, err
	}
	it, err := newBlockIter(data)
	if err != nil {
		return base.InternalKey{}, nil, false, err
	}
	if !it.SeekGE(target, r.icmpRaw) {
		return base.InternalKey{}, nil, false, it.Error()
	}
	return base.DecodeInternalKey(it.Key()).Clone(), append([]byte(nil), it.Value()...), true, nil
}

// NewIter returns an iterator over the whole table in internal key order.
func (r *Reader) NewIter() (*Iterator, error) {
	indexIter, err := newBlockIter(r.index)
	if err != nil {
		return nil, err
	}
	return &Iterator{r: r, index: indexIter}, nil
}

// Close releases the file underlying the reader.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Iterator iterates over the entries of a table in internal key order.
type Iterator struct {
	r     *Reader
	index *blockIter
	block *blockIter
	key   base.InternalKey
	valid bool
	err   error
}

// First positions the iterator at the first entry of the table.
func (i *Iterator) First() {
	i.valid = false
	if !i.index.First() {
		i.err = i.index.Error()
		return
	}
	if i.loadBlock() {
		i.valid = i.block.First()
		i.fill()
	}
	i.skipEmptyBlocks()
}

// Next advances the iterator.
func (i *Iterator) Next() {
	if !i.valid {
		return
	}
	i.valid = i.block.Next()
	i.fill()
	i.skipEmptyBlocks()
}

// skipEmptyBlocks advances across data block boundaries until an entry is
// found or the table is exhausted.
func (i *Iterator) skipEmptyBlocks() {
	for !i.valid && i.err == nil {
		if !i.index.Next() {
			i.err = i.index.Error()
			return
		}
		if !i.loadBlock() {
			return
		}
		i.valid = i.block.First()
		i.fill()
	}
}

func (i *Iterator) loadBlock() bool {
	bh, n := decodeBlockHandle(i.index.Value())
	if n == 0 {
		i.err = base.CorruptionErrorf("basalt/sstable: invalid table: bad data block handle")
		return false
	}
	data, err := i.r.readBlock(bh)
	if err != nil {
		i.err = err
		return false
	}
	i.block, i.err = newBlockIter(data)
	return i.err == nil
}

func (i *Iterator) fill() {
	if i.valid {
		i.key = base.DecodeInternalKey(i.block.Key())
	} else if i.block != nil && i.block.Error() != nil {
		i.err = i.block.Error()
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (i *Iterator) Valid() bool { return i.valid }

// Key returns the internal key at the current position. The key is stable
// only until the next repositioning call.
func (i *Iterator) Key() base.InternalKey { return i.key }

// Value returns the value at the current position.
func (i *Iterator) Value() []byte { return i.block.Value() }

// Error returns any error encountered while iterating.
func (i *Iterator) Error() error { return i.err }

// Close releases the iterator. The underlying reader stays open.
func (i *Iterator) Close() error { return i.err }
