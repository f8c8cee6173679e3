// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package arena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestArenaAlloc(t *testing.T) {
	a := New()
	require.Equal(t, uint64(0), a.Size())

	b1 := a.Alloc(10)
	require.Len(t, b1, 10)
	require.Equal(t, uint64(blockSize), a.Size())

	// Allocations are zeroed and stable: writing through an early allocation
	// remains visible after later allocations grow the arena.
	for i := range b1 {
		require.Equal(t, byte(0), b1[i])
		b1[i] = byte(i)
	}
	for i := 0; i < 10000; i++ {
		a.Alloc(16)
	}
	for i := range b1 {
		require.Equal(t, byte(i), b1[i])
	}
}

func TestArenaLargeAlloc(t *testing.T) {
	a := New()
	// A request larger than a quarter block gets a dedicated block of its
	// exact size.
	b := a.Alloc(3 * blockSize)
	require.Len(t, b, 3*blockSize)

	size := a.Size()
	// The next small allocation opens a fresh block.
	a.Alloc(1)
	require.Equal(t, size+uint64(blockSize), a.Size())
}

func TestArenaAllocAligned(t *testing.T) {
	a := New()
	a.Alloc(3) // misalign the bump pointer
	for i := 0; i < 100; i++ {
		b := a.AllocAligned(5)
		addr := uintptr(unsafe.Pointer(&b[0]))
		require.Equal(t, uintptr(0), addr%ptrAlign)
		a.Alloc(1)
	}
}

func TestArenaSizeMonotonic(t *testing.T) {
	a := New()
	var last uint64
	for i := 1; i < 300; i++ {
		a.Alloc(i % 97)
		require.GreaterOrEqual(t, a.Size(), last)
		last = a.Size()
	}
}
