// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package arena provides the bump allocator backing a memtable. Allocations
// are handed out from a list of fixed-size blocks and are never individually
// freed; the whole arena is released when the memtable is dropped. Allocated
// byte slices have stable backing arrays for the lifetime of the arena.
package arena

import "sync/atomic"

const (
	// blockSize is the size of the backing blocks handed out by the arena.
	// Requests larger than blockSize/4 get a dedicated block of exactly the
	// requested size; like any new block it replaces the current block, whose
	// unused tail is abandoned.
	blockSize = 4096

	// ptrAlign is the alignment produced by AllocAligned.
	ptrAlign = 8
)

// Arena is a bump allocator. A single goroutine allocates; Size may be called
// concurrently from any goroutine.
type Arena struct {
	size   atomic.Uint64
	cur    []byte
	blocks [][]byte
}

// New returns an empty arena.
func New() *Arena {
	return &Arena{}
}

// Alloc allocates n bytes and returns the zeroed slice. The returned slice is
// never reused or moved.
func (a *Arena) Alloc(n int) []byte {
	if n > len(a.cur) {
		a.grow(n)
	}
	b := a.cur[:n:n]
	a.cur = a.cur[n:]
	return b
}

// AllocAligned is like Alloc but the returned slice's backing address is
// aligned to max(8, pointer size) bytes.
func (a *Arena) AllocAligned(n int) []byte {
	// Blocks start pointer-aligned and standard blocks are a multiple of
	// ptrAlign long, so the bytes to skip are len(cur) modulo ptrAlign.
	pad := len(a.cur) % ptrAlign
	if n+pad > len(a.cur) {
		// A fresh block is always block- (and hence pointer-) aligned.
		a.grow(n)
		return a.Alloc(n)
	}
	a.cur = a.cur[pad:]
	return a.Alloc(n)
}

func (a *Arena) grow(n int) {
	sz := blockSize
	if n > blockSize/4 {
		sz = n
	}
	block := make([]byte, sz)
	a.blocks = append(a.blocks, block)
	// The remainder of the previous current block is abandoned.
	a.cur = block
	a.size.Add(uint64(sz))
}

// Size returns the number of bytes the arena has reserved. It may be called
// without synchronization with the allocating goroutine; the memtable uses it
// to decide when to flush.
func (a *Arena) Size() uint64 {
	return a.size.Load()
}
