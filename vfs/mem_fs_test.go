// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors/oserror"
	"github.com/stretchr/testify/require"
)

func TestMemFSBasics(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))

	f, err := fs.Create("/db/000001.log")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	g, err := fs.Open("/db/000001.log")
	require.NoError(t, err)
	b, err := io.ReadAll(g)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
	require.NoError(t, g.Close())

	ls, err := fs.List("/db")
	require.NoError(t, err)
	require.Equal(t, []string{"000001.log"}, ls)

	stat, err := fs.Stat("/db/000001.log")
	require.NoError(t, err)
	require.Equal(t, int64(5), stat.Size())
}

func TestMemFSOpenMissing(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))
	_, err := fs.Open("/db/missing")
	require.Error(t, err)
	require.True(t, oserror.IsNotExist(err))
}

func TestMemFSAppend(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))

	f, err := fs.OpenForAppend("/db/a")
	require.NoError(t, err)
	_, err = f.Write([]byte("one"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g, err := fs.OpenForAppend("/db/a")
	require.NoError(t, err)
	_, err = g.Write([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, g.Close())

	h, err := fs.Open("/db/a")
	require.NoError(t, err)
	b, err := io.ReadAll(h)
	require.NoError(t, err)
	require.Equal(t, "onetwo", string(b))
}

func TestMemFSRename(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))

	f, err := fs.Create("/db/old")
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Rename overwrites an existing target, like os.Rename.
	g, err := fs.Create("/db/new")
	require.NoError(t, err)
	require.NoError(t, g.Close())
	require.NoError(t, fs.Rename("/db/old", "/db/new"))

	ls, err := fs.List("/db")
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, ls)

	h, err := fs.Open("/db/new")
	require.NoError(t, err)
	b, err := io.ReadAll(h)
	require.NoError(t, err)
	require.Equal(t, "payload", string(b))
}

func TestMemFSLock(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))

	l, err := fs.Lock("/db/LOCK")
	require.NoError(t, err)

	_, err = fs.Lock("/db/LOCK")
	require.Error(t, err)

	require.NoError(t, l.Close())
	l2, err := fs.Lock("/db/LOCK")
	require.NoError(t, err)
	require.NoError(t, l2.Close())
}

func TestMemFSReadAt(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("/file")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g, err := fs.Open("/file")
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := g.ReadAt(buf, 3)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "3456", string(buf))

	// Reading past the end returns a short count and io.EOF.
	n, err = g.ReadAt(buf, 8)
	require.Equal(t, 2, n)
	require.Equal(t, io.EOF, err)
}
