// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
)

// filterBaseLg is the log2 of the range of data-block offsets covered by a
// single filter: one filter per 2 KiB of table.
const filterBaseLg = 11

// filterWriter accumulates the filter block of a table under construction.
// The block holds one filter per 2 KiB range of block offsets, an array of
// filter offsets, the offset of that array, and the base lg:
//
//	[filter 0] ... [filter N-1]
//	[offset of filter 0 : fixed32] ... [offset of filter N-1 : fixed32]
//	[offset of offset array : fixed32]
//	[filterBaseLg : 1 byte]
type filterWriter struct {
	policy base.FilterPolicy
	// keys are the flattened user keys of the filter currently accumulating;
	// keyOffsets marks the boundaries between them.
	keys       []byte
	keyOffsets []int
	data       []byte
	offsets    []uint32
}

func (f *filterWriter) addKey(key []byte) {
	f.keys = append(f.keys, key...)
	f.keyOffsets = append(f.keyOffsets, len(f.keys))
}

// startBlock notes that the next data block begins at blockOffset, emitting
// filters until the filter array covers it.
func (f *filterWriter) startBlock(blockOffset uint64) {
	for index := int(blockOffset >> filterBaseLg); index > len(f.offsets); {
		f.generate()
	}
}

func (f *filterWriter) generate() {
	f.offsets = append(f.offsets, uint32(len(f.data)))
	if len(f.keyOffsets) == 0 {
		return
	}
	keys := make([][]byte, len(f.keyOffsets))
	prev := 0
	for i, end := range f.keyOffsets {
		keys[i] = f.keys[prev:end]
		prev = end
	}
	f.data = f.policy.AppendFilter(f.data, keys)
	f.keys = f.keys[:0]
	f.keyOffsets = f.keyOffsets[:0]
}

// finish emits the final filters and returns the completed filter block.
func (f *filterWriter) finish() []byte {
	if len(f.keyOffsets) > 0 {
		f.generate()
	}
	arrayOffset := uint32(len(f.data))
	var tmp [4]byte
	for _, x := range f.offsets {
		binary.LittleEndian.PutUint32(tmp[:], x)
		f.data = append(f.data, tmp[:]...)
	}
	binary.LittleEndian.PutUint32(tmp[:], arrayOffset)
	f.data = append(f.data, tmp[:]...)
	f.data = append(f.data, filterBaseLg)
	return f.data
}

// filterReader answers containment queries from an encoded filter block.
type filterReader struct {
	policy base.FilterPolicy
	data   []byte
	// offsets is the filter offset array, including the trailing offset of
	// the array itself.
	offsets []byte
	num     int
	baseLg  uint
}

func newFilterReader(policy base.FilterPolicy, data []byte) (*filterReader, bool) {
	if len(data) < 5 {
		return nil, false
	}
	baseLg := uint(data[len(data)-1])
	arrayOffset := binary.LittleEndian.Uint32(data[len(data)-5 : len(data)-1])
	if int(arrayOffset) > len(data)-5 {
		return nil, false
	}
	num := (len(data) - 5 - int(arrayOffset)) / 4
	return &filterReader{
		policy:  policy,
		data:    data[:arrayOffset],
		offsets: data[arrayOffset : len(data)-1],
		num:     num,
		baseLg:  baseLg,
	}, true
}

// mayContain returns whether the block starting at blockOffset may contain
// the user key.
func (f *filterReader) mayContain(blockOffset uint64, key []byte) bool {
	index := int(blockOffset >> f.baseLg)
	if index >= f.num {
		// Errors are treated as potential matches.
		return true
	}
	start := binary.LittleEndian.Uint32(f.offsets[4*index:])
	end := binary.LittleEndian.Uint32(f.offsets[4*index+4:])
	if start > end || int(end) > len(f.data) {
		return true
	}
	if start == end {
		// Empty filters do not match any keys.
		return false
	}
	return f.policy.MayContain(f.data[start:end], key)
}
