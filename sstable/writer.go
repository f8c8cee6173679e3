// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

// WriterMetadata describes the table produced by a Writer: its bounds, entry
// count and physical size. It is valid after Close returns successfully.
type WriterMetadata struct {
	Smallest   base.InternalKey
	Largest    base.InternalKey
	NumEntries uint64
	Size       uint64
}

// Writer writes a table file. Keys must be added in strictly increasing order
// of internal key.
type Writer struct {
	f    vfs.File
	opts WriterOptions
	meta WriterMetadata

	block      blockWriter
	indexBlock blockWriter
	filter     *filterWriter

	// offset is the file offset the next block will be written at.
	offset uint64
	// lastKey is the most recently added internal key, in encoded form.
	lastKey []byte
	// pendingHandle is the handle of the just-finished data block; its index
	// entry is deferred until the first key of the next block is known so
	// that a shortened separator can be used.
	pendingHandle     blockHandle
	pendingIndexEntry bool

	keyScratch   []byte
	compressed   []byte
	sepScratch   []byte
	err          error
	finishedMeta bool
}

// NewWriter returns a writer for a new table stored in f. The writer takes
// ownership of the file: Close finishes the table, syncs and closes it.
func NewWriter(f vfs.File, o WriterOptions) *Writer {
	w := &Writer{
		f:    f,
		opts: o.ensureDefaults(),
	}
	w.block.restartInterval = w.opts.BlockRestartInterval
	w.indexBlock.restartInterval = 1
	if w.opts.FilterPolicy != nil {
		w.filter = &filterWriter{policy: w.opts.FilterPolicy}
	}
	return w
}

// Add appends a key/value pair to the table.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	icmp := w.icmp()
	if len(w.lastKey) > 0 {
		if icmp(base.DecodeInternalKey(w.lastKey), key) >= 0 {
			w.err = errors.Newf("basalt/sstable: keys must be added in order: %s, %s",
				base.DecodeInternalKey(w.lastKey), key)
			return w.err
		}
	} else {
		w.meta.Smallest = key.Clone()
	}

	if w.pendingIndexEntry {
		w.addIndexEntry(w.indexSeparator(key))
	}
	if w.filter != nil {
		w.filter.addKey(key.UserKey)
	}

	if cap(w.keyScratch) < key.Size() {
		w.keyScratch = make([]byte, key.Size())
	}
	w.keyScratch = w.keyScratch[:key.Size()]
	key.Encode(w.keyScratch)
	w.block.add(w.keyScratch, value)
	w.lastKey = append(w.lastKey[:0], w.keyScratch...)
	w.meta.NumEntries++

	if w.block.estimatedSize() >= w.opts.BlockSize {
		w.finishDataBlock()
	}
	return w.err
}

func (w *Writer) icmp() func(a, b base.InternalKey) int {
	ucmp := w.opts.Comparer.Compare
	return func(a, b base.InternalKey) int {
		return base.InternalCompare(ucmp, a, b)
	}
}

// EstimatedSize returns the size of the table were Close called now.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.block.estimatedSize()) + uint64(w.indexBlock.estimatedSize()) + footerLen
}

// indexSeparator returns the index key dividing the finished block (ending at
// lastKey) from the block that will start at next.
func (w *Writer) indexSeparator(next base.InternalKey) base.InternalKey {
	last := base.DecodeInternalKey(w.lastKey)
	ucmp := w.opts.Comparer.Compare
	w.sepScratch = w.opts.Comparer.Separator(w.sepScratch[:0], last.UserKey, next.UserKey)
	if len(w.sepScratch) < len(last.UserKey) && ucmp(last.UserKey, w.sepScratch) < 0 {
		// A shortened user key sorts between the two blocks; pair it with
		// the trailer that sorts first among internal keys for that user
		// key.
		return base.MakeSearchKey(w.sepScratch, base.SeqNumMax)
	}
	return last
}

// indexSuccessor returns the index key for the final block: a key at or after
// every key in the table.
func (w *Writer) indexSuccessor() base.InternalKey {
	last := base.DecodeInternalKey(w.lastKey)
	ucmp := w.opts.Comparer.Compare
	w.sepScratch = w.opts.Comparer.Successor(w.sepScratch[:0], last.UserKey)
	if len(w.sepScratch) < len(last.UserKey) && ucmp(last.UserKey, w.sepScratch) < 0 {
		return base.MakeSearchKey(w.sepScratch, base.SeqNumMax)
	}
	return last
}

func (w *Writer) addIndexEntry(sep base.InternalKey) {
	var handle [2 * binary.MaxVarintLen64]byte
	n := encodeBlockHandle(handle[:], w.pendingHandle)
	buf := make([]byte, sep.Size())
	sep.Encode(buf)
	w.indexBlock.add(buf, handle[:n])
	w.pendingIndexEntry = false
}

// finishDataBlock writes out the accumulated data block.
func (w *Writer) finishDataBlock() {
	if w.err != nil || w.block.empty() {
		return
	}
	bh, err := w.writeBlock(w.block.finish(), w.opts.Compression)
	if err != nil {
		w.err = err
		return
	}
	w.block.reset()
	w.pendingHandle = bh
	w.pendingIndexEntry = true
	if w.filter != nil {
		w.filter.startBlock(w.offset)
	}
}

// writeBlock writes a block plus its trailer, compressing it if configured
// and profitable.
func (w *Writer) writeBlock(contents []byte, compression Compression) (blockHandle, error) {
	blockType := byte(noCompressionBlockType)
	if compression == SnappyCompression {
		w.compressed = snappy.Encode(w.compressed[:cap(w.compressed)], contents)
		// Only use the compressed form if it is smaller.
		if len(w.compressed) < len(contents) {
			blockType = snappyCompressionBlockType
			contents = w.compressed
		}
	}

	bh := blockHandle{offset: w.offset, length: uint64(len(contents))}
	var trailer [blockTrailerLen]byte
	trailer[0] = blockType
	binary.LittleEndian.PutUint32(trailer[1:], crcBlock(contents, blockType))

	if _, err := w.f.Write(contents); err != nil {
		return blockHandle{}, err
	}
	if _, err := w.f.Write(trailer[:]); err != nil {
		return blockHandle{}, err
	}
	w.offset += uint64(len(contents)) + blockTrailerLen
	return bh, nil
}

// Close finishes the table: it flushes the last data block, writes the meta,
// metaindex and index blocks and the footer, syncs, and closes the file.
func (w *Writer) Close() (err error) {
	defer func() {
		if w.f != nil {
			w.f.Close()
			w.f = nil
		}
	}()
	if w.err != nil {
		return w.err
	}

	w.finishDataBlock()
	if w.pendingIndexEntry {
		w.addIndexEntry(w.indexSuccessor())
	}

	// Filter block, referenced from the metaindex by policy name.
	var metaindex blockWriter
	metaindex.restartInterval = 1
	if w.filter != nil {
		bh, err := w.writeBlock(w.filter.finish(), NoCompression)
		if err != nil {
			w.err = err
			return w.err
		}
		var handle [2 * binary.MaxVarintLen64]byte
		n := encodeBlockHandle(handle[:], bh)
		metaindex.add([]byte(metaFilterPrefix+w.opts.FilterPolicy.Name()), handle[:n])
	}

	metaindexHandle, err := w.writeBlock(metaindex.finish(), w.opts.Compression)
	if err != nil {
		w.err = err
		return w.err
	}
	indexHandle, err := w.writeBlock(w.indexBlock.finish(), w.opts.Compression)
	if err != nil {
		w.err = err
		return w.err
	}

	var footer [footerLen]byte
	n := encodeBlockHandle(footer[:], metaindexHandle)
	encodeBlockHandle(footer[n:], indexHandle)
	copy(footer[footerLen-len(magic):], magic)
	if _, err := w.f.Write(footer[:]); err != nil {
		w.err = err
		return w.err
	}
	w.offset += footerLen

	if err := w.f.Sync(); err != nil {
		w.err = err
		return w.err
	}
	if err := w.f.Close(); err != nil {
		w.err = err
		w.f = nil
		return w.err
	}
	w.f = nil

	if w.meta.NumEntries > 0 {
		w.meta.Largest = base.DecodeInternalKey(w.lastKey).Clone()
	}
	w.meta.Size = w.offset
	w.finishedMeta = true

	// Make any future calls to Add or Close return an error.
	w.err = errors.New("basalt/sstable: writer is closed")
	return nil
}

// Metadata returns the metadata of the finished table. Only valid after
// Close.
func (w *Writer) Metadata() (*WriterMetadata, error) {
	if !w.finishedMeta {
		return nil, errors.New("basalt/sstable: writer is not closed")
	}
	return &w.meta, nil
}

