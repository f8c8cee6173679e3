// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"fmt"
	"testing"

	"github.com/basaltdb/basalt/bloom"
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, fs vfs.FS, path string, o WriterOptions, n int) {
	t.Helper()
	f, err := fs.Create(path)
	require.NoError(t, err)
	w := NewWriter(f, o)
	for i := 0; i < n; i++ {
		key := base.MakeInternalKey([]byte(fmt.Sprintf("key%06d", i)), base.SeqNum(i+1), base.InternalKeyKindSet)
		require.NoError(t, w.Add(key, []byte(fmt.Sprintf("value%06d", i))))
	}
	require.NoError(t, w.Close())
}

func openTable(t *testing.T, fs vfs.FS, path string, o ReaderOptions) *Reader {
	t.Helper()
	f, err := fs.Open(path)
	require.NoError(t, err)
	stat, err := f.Stat()
	require.NoError(t, err)
	r, err := NewReader(f, stat.Size(), o)
	require.NoError(t, err)
	return r
}

func testRoundTrip(t *testing.T, wo WriterOptions, ro ReaderOptions) {
	const n = 5000
	fs := vfs.NewMem()
	buildTable(t, fs, "test.ldb", wo, n)
	r := openTable(t, fs, "test.ldb", ro)
	defer r.Close()

	// Iteration returns every entry in order.
	it, err := r.NewIter()
	require.NoError(t, err)
	defer it.Close()
	i := 0
	for it.First(); it.Valid(); it.Next() {
		require.Equal(t, fmt.Sprintf("key%06d", i), string(it.Key().UserKey))
		require.Equal(t, base.SeqNum(i+1), it.Key().SeqNum())
		require.Equal(t, fmt.Sprintf("value%06d", i), string(it.Value()))
		i++
	}
	require.NoError(t, it.Error())
	require.Equal(t, n, i)

	// Point lookups find every entry.
	for _, i := range []int{0, 1, 17, 500, n/2 + 1, n - 1} {
		k, v, ok, err := r.Find(base.MakeSearchKey([]byte(fmt.Sprintf("key%06d", i)), base.SeqNumMax))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("key%06d", i), string(k.UserKey))
		require.Equal(t, fmt.Sprintf("value%06d", i), string(v))
	}

	// A missing key lands on the next entry or nothing.
	k, _, ok, err := r.Find(base.MakeSearchKey([]byte("key000001x"), base.SeqNumMax))
	require.NoError(t, err)
	if ok {
		require.NotEqual(t, "key000001x", string(k.UserKey))
	}
}

func TestTableRoundTrip(t *testing.T) {
	testRoundTrip(t, WriterOptions{}, ReaderOptions{})
}

func TestTableRoundTripNoCompression(t *testing.T) {
	testRoundTrip(t, WriterOptions{Compression: NoCompression}, ReaderOptions{})
}

func TestTableRoundTripBloom(t *testing.T) {
	testRoundTrip(t,
		WriterOptions{FilterPolicy: bloom.FilterPolicy(10)},
		ReaderOptions{FilterPolicy: bloom.FilterPolicy(10)})
}

func TestTableRoundTripSmallBlocks(t *testing.T) {
	testRoundTrip(t, WriterOptions{BlockSize: 128, BlockRestartInterval: 4}, ReaderOptions{})
}

func TestTableSeqNumOrdering(t *testing.T) {
	// Multiple entries for one user key sort newest first; a search key at a
	// given sequence number lands on the newest entry at or below it.
	fs := vfs.NewMem()
	f, err := fs.Create("test.ldb")
	require.NoError(t, err)
	w := NewWriter(f, WriterOptions{})
	require.NoError(t, w.Add(base.MakeInternalKey([]byte("k"), 9, base.InternalKeyKindDelete), nil))
	require.NoError(t, w.Add(base.MakeInternalKey([]byte("k"), 5, base.InternalKeyKindSet), []byte("v5")))
	require.NoError(t, w.Add(base.MakeInternalKey([]byte("k"), 2, base.InternalKeyKindSet), []byte("v2")))
	require.NoError(t, w.Close())

	r := openTable(t, fs, "test.ldb", ReaderOptions{})
	defer r.Close()

	k, _, ok, err := r.Find(base.MakeSearchKey([]byte("k"), base.SeqNumMax))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, base.SeqNum(9), k.SeqNum())
	require.Equal(t, base.InternalKeyKindDelete, k.Kind())

	k, v, ok, err := r.Find(base.MakeSearchKey([]byte("k"), 7))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, base.SeqNum(5), k.SeqNum())
	require.Equal(t, "v5", string(v))

	k, v, ok, err = r.Find(base.MakeSearchKey([]byte("k"), 2))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, base.SeqNum(2), k.SeqNum())
	require.Equal(t, "v2", string(v))
}

func TestTableMetadata(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("test.ldb")
	require.NoError(t, err)
	w := NewWriter(f, WriterOptions{})
	require.NoError(t, w.Add(base.MakeInternalKey([]byte("aaa"), 1, base.InternalKeyKindSet), []byte("x")))
	require.NoError(t, w.Add(base.MakeInternalKey([]byte("zzz"), 2, base.InternalKeyKindSet), []byte("y")))

	_, err = w.Metadata()
	require.Error(t, err) // not closed yet

	require.NoError(t, w.Close())
	meta, err := w.Metadata()
	require.NoError(t, err)
	require.Equal(t, []byte("aaa"), meta.Smallest.UserKey)
	require.Equal(t, []byte("zzz"), meta.Largest.UserKey)
	require.Equal(t, uint64(2), meta.NumEntries)

	stat, err := fs.Stat("test.ldb")
	require.NoError(t, err)
	require.Equal(t, uint64(stat.Size()), meta.Size)
}

func TestTableOutOfOrderAdd(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("test.ldb")
	require.NoError(t, err)
	w := NewWriter(f, WriterOptions{})
	require.NoError(t, w.Add(base.MakeInternalKey([]byte("b"), 1, base.InternalKeyKindSet), nil))
	require.Error(t, w.Add(base.MakeInternalKey([]byte("a"), 2, base.InternalKeyKindSet), nil))
}

func TestTableCorruptMagic(t *testing.T) {
	fs := vfs.NewMem()
	buildTable(t, fs, "test.ldb", WriterOptions{}, 10)

	f, err := fs.Open("test.ldb")
	require.NoError(t, err)
	stat, err := f.Stat()
	require.NoError(t, err)
	data := make([]byte, stat.Size())
	_, err = f.ReadAt(data, 0)
	require.NoError(t, err)
	f.Close()

	data[len(data)-1] ^= 0xff
	g, err := fs.Create("bad.ldb")
	require.NoError(t, err)
	_, err = g.Write(data)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	h, err := fs.Open("bad.ldb")
	require.NoError(t, err)
	_, err = NewReader(h, int64(len(data)), ReaderOptions{})
	require.Error(t, err)
	require.True(t, base.IsCorruptionError(err))
}

func TestTableCorruptBlockChecksum(t *testing.T) {
	fs := vfs.NewMem()
	buildTable(t, fs, "test.ldb", WriterOptions{}, 100)

	f, err := fs.Open("test.ldb")
	require.NoError(t, err)
	stat, err := f.Stat()
	require.NoError(t, err)
	data := make([]byte, stat.Size())
	_, err = f.ReadAt(data, 0)
	require.NoError(t, err)
	f.Close()

	// Flip a byte in the first data block.
	data[10] ^= 0xff
	g, err := fs.Create("bad.ldb")
	require.NoError(t, err)
	_, err = g.Write(data)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	h, err := fs.Open("bad.ldb")
	require.NoError(t, err)
	r, err := NewReader(h, int64(len(data)), ReaderOptions{})
	require.NoError(t, err) // only the footer and index are read at open
	defer r.Close()
	_, _, _, err = r.Find(base.MakeSearchKey([]byte("key000000"), base.SeqNumMax))
	require.Error(t, err)
	require.True(t, base.IsCorruptionError(err))
}

func TestBlockWriterRestartPoints(t *testing.T) {
	var w blockWriter
	w.restartInterval = 3
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("prefix%02d", i))
		w.add(key, []byte("v"))
	}
	// 10 entries at interval 3 produce 4 restart points.
	require.Len(t, w.restarts, 4)

	data := w.finish()
	it, err := newBlockIter(data)
	require.NoError(t, err)
	i := 0
	for ok := it.First(); ok; ok = it.Next() {
		require.Equal(t, fmt.Sprintf("prefix%02d", i), string(it.Key()))
		i++
	}
	require.NoError(t, it.Error())
	require.Equal(t, 10, i)
}
