// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package crc

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRCMatchesCastagnoli(t *testing.T) {
	// The raw checksum is standard CRC-32C; only the stored Value is masked.
	for _, s := range []string{"", "a", "hello world", "\x00\x00\x00"} {
		raw := crc32.Checksum([]byte(s), crc32.MakeTable(crc32.Castagnoli))
		c := New([]byte(s))
		require.Equal(t, raw, uint32(c))
		want := uint32(raw>>15|raw<<17) + 0xa282ead8
		require.Equal(t, want, c.Value())
	}
}

func TestCRCUpdate(t *testing.T) {
	// Incremental computation matches one-shot computation.
	one := New([]byte("hello world"))
	two := New([]byte("hello ")).Update([]byte("world"))
	require.Equal(t, one.Value(), two.Value())
}

func TestCRCDistinguishes(t *testing.T) {
	a := New([]byte("a")).Value()
	b := New([]byte("b")).Value()
	require.NotEqual(t, a, b)

	// The type byte is included in the record checksum exactly so that a
	// chunk type flip is caught.
	full := New([]byte{1}).Update([]byte("payload")).Value()
	first := New([]byte{2}).Update([]byte("payload")).Value()
	require.NotEqual(t, full, first)
}
