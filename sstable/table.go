// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package sstable reads and writes the immutable on-disk sorted tables the
// levels of the store are built from.
//
// A table is a sequence of blocks followed by a fixed-size footer:
//
//	<data block 1>
//	...
//	<data block N>
//	[filter block]
//	<metaindex block>
//	<index block>
//	<footer>
//
// Each block holds key/value entries with shared-prefix key compression and
// an array of restart points, and is followed by a 5-byte trailer: a one byte
// compression type and a masked CRC-32C of the compressed contents and the
// type byte. The index block maps separator keys to the block handles of the
// data blocks; the metaindex block maps meta block names (such as
// "filter.<policy>") to their handles. The footer holds the metaindex and
// index handles and ends with an 8-byte magic number.
package sstable

import (
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/crc"
)

const (
	// blockTrailerLen is the length of the trailer after every block:
	// a 1 byte compression type plus a 4 byte checksum.
	blockTrailerLen = 5

	// footerLen is the length of the footer: two maximally-sized block
	// handles, zero padding, and the magic number.
	footerLen = 2*binary.MaxVarintLen64*2 + 8

	noCompressionBlockType     = 0
	snappyCompressionBlockType = 1

	// The magic number is part of the file format and must not be changed.
	// It holds the leading 8 bytes of
	//   echo http://code.google.com/p/leveldb/ | sha1sum
	// so that tables are recognizable by the wider tool ecosystem.
	magic = "\x57\xfb\x80\x8b\x24\x75\x47\xdb"

	// defaultBlockRestartInterval is the number of entries between restart
	// points in a block.
	defaultBlockRestartInterval = 16

	// metaFilterPrefix prefixes the filter policy name in the metaindex.
	metaFilterPrefix = "filter."
)

// Compression is the per-block compression algorithm to use.
type Compression int

// The available compression types.
const (
	DefaultCompression Compression = iota
	NoCompression
	SnappyCompression
)

// crcBlock computes the checksum stored in a block trailer: a masked CRC-32C
// over the (possibly compressed) block contents followed by the type byte.
func crcBlock(contents []byte, blockType byte) uint32 {
	return crc.New(contents).Update([]byte{blockType}).Value()
}

// blockHandle is the file offset and length of a block.
type blockHandle struct {
	offset, length uint64
}

// decodeBlockHandle returns the block handle encoded at the start of src, as
// well as the number of bytes it occupies. It returns zero if given invalid
// input.
func decodeBlockHandle(src []byte) (blockHandle, int) {
	offset, n := binary.Uvarint(src)
	if n <= 0 {
		return blockHandle{}, 0
	}
	length, m := binary.Uvarint(src[n:])
	if m <= 0 {
		return blockHandle{}, 0
	}
	return blockHandle{offset, length}, n + m
}

func encodeBlockHandle(dst []byte, b blockHandle) int {
	n := binary.PutUvarint(dst, b.offset)
	m := binary.PutUvarint(dst[n:], b.length)
	return n + m
}

// WriterOptions holds the parameters for constructing a table.
type WriterOptions struct {
	// BlockSize is the target uncompressed size of each data block.
	BlockSize int
	// BlockRestartInterval is the number of entries between restart points.
	BlockRestartInterval int
	// Compression is the per-block compression to apply.
	Compression Compression
	// Comparer orders the user keys. Must match the database's comparer.
	Comparer *base.Comparer
	// FilterPolicy, if non-nil, emits a filter block.
	FilterPolicy base.FilterPolicy
}

func (o WriterOptions) ensureDefaults() WriterOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = defaultBlockRestartInterval
	}
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	if o.Compression == DefaultCompression {
		o.Compression = SnappyCompression
	}
	return o
}

// ReaderOptions holds the parameters needed for reading a table.
type ReaderOptions struct {
	// Comparer orders the user keys. Must match the comparer the table was
	// written with.
	Comparer *base.Comparer
	// FilterPolicy, if non-nil and matching the table's filter block, lets
	// point reads skip blocks that cannot contain a key.
	FilterPolicy base.FilterPolicy
}

func (o ReaderOptions) ensureDefaults() ReaderOptions {
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	return o
}
