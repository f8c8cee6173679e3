// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"fmt"
	"testing"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"github.com/basaltdb/basalt/vfs"
	"github.com/stretchr/testify/require"
)

// compactLevel runs a manual compaction of every file at the given level
// into the next, waiting out any scheduled background work first.
func (d *DB) compactLevel(t *testing.T, level int) {
	t.Helper()
	d.waitForBackground(t)

	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.versions.currentVersion()
	if len(cur.Files[level]) == 0 {
		return
	}
	c := &compaction{
		version:           cur,
		level:             level,
		maxOutputFileSize: uint64(d.opts.MaxFileSize),
	}
	c.inputs[0] = append([]*fileMetadata(nil), cur.Files[level]...)
	d.setupOtherInputs(c)

	_, err := d.compact(d.newJobID(), c)
	require.NoError(t, err)
	d.removeObsoleteFiles(d.newJobID())
}

func (d *DB) levelFileCounts() [numLevels]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var counts [numLevels]int
	for level, files := range d.versions.currentVersion().Files {
		counts[level] = len(files)
	}
	return counts
}

// tableHasUserKey reports whether any live table contains an entry for the
// user key, at any sequence number.
func (d *DB) tableHasUserKey(t *testing.T, ukey []byte) bool {
	t.Helper()
	d.mu.Lock()
	cur := d.versions.currentVersion()
	cur.Ref()
	var files []*fileMetadata
	for _, lf := range cur.Files {
		files = append(files, lf...)
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		cur.Unref()
		d.mu.Unlock()
	}()

	for _, f := range files {
		it, err := d.tableCache.newIter(f)
		require.NoError(t, err)
		for it.First(); it.Valid(); it.Next() {
			if d.versions.ucmp(it.Key().UserKey, ukey) == 0 {
				it.Close()
				return true
			}
		}
		require.NoError(t, it.Error())
		require.NoError(t, it.Close())
	}
	return false
}

// TestTombstoneShadowing deletes a key, then compacts until the tombstone
// reaches a level where nothing underneath can hold the key; at that point
// neither the values nor the tombstone survive.
func TestTombstoneShadowing(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("/db", testOptions(fs))
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Set([]byte("k"), []byte("v1"), nil))
	require.NoError(t, d.Set([]byte("k"), []byte("v2"), nil))
	require.NoError(t, d.Delete([]byte("k"), nil))
	// A second key keeps the tables non-empty so the compactions below have
	// output to write.
	require.NoError(t, d.Set([]byte("other"), []byte("x"), nil))

	require.NoError(t, d.Flush())
	d.waitForBackground(t)
	require.True(t, d.tableHasUserKey(t, []byte("k")))

	// Push the data down the tree. Once the data sits at the bottom of the
	// tree, isBaseLevelForKey holds and the tombstone is dropped.
	for level := 0; level < numLevels-1; level++ {
		d.compactLevel(t, level)
	}

	require.False(t, d.tableHasUserKey(t, []byte("k")))
	_, err = d.Get([]byte("k"))
	require.Equal(t, ErrNotFound, err)
	v, err := d.Get([]byte("other"))
	require.NoError(t, err)
	require.Equal(t, "x", string(v))
}

// TestTombstoneRetainedWhileShadowing verifies the other half of the rule: a
// tombstone whose key could exist in a deeper level must survive the
// compaction.
func TestTombstoneRetainedWhileShadowing(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("/db", testOptions(fs))
	require.NoError(t, err)
	defer d.Close()

	// Place a value for "k" deep in the tree.
	require.NoError(t, d.Set([]byte("k"), []byte("old"), nil))
	require.NoError(t, d.Flush())
	for level := 0; level < 3; level++ {
		d.compactLevel(t, level)
	}

	// Now delete it and compact only one step: the tombstone must survive,
	// still shadowing the deep value.
	require.NoError(t, d.Delete([]byte("k"), nil))
	require.NoError(t, d.Flush())
	d.compactLevel(t, 0)

	_, err = d.Get([]byte("k"))
	require.Equal(t, ErrNotFound, err)
}

func TestSnapshotPreventsDrop(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("/db", testOptions(fs))
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Set([]byte("k"), []byte("pinned"), nil))
	snap := d.NewSnapshot()
	defer snap.Close()
	require.NoError(t, d.Set([]byte("k"), []byte("new"), nil))

	require.NoError(t, d.Flush())
	for level := 0; level < numLevels-1; level++ {
		d.compactLevel(t, level)
	}

	// Both versions of "k" must survive compaction while the snapshot pins
	// the older one.
	v, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "pinned", string(v))
	v, err = d.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "new", string(v))
}

func TestTrivialMove(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("/db", testOptions(fs))
	require.NoError(t, err)
	defer d.Close()

	var moved, compacted bool
	d.opts.EventListener.CompactionEnd = func(info CompactionInfo) {
		if info.Moved {
			moved = true
		} else {
			compacted = true
		}
	}

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Flush())
	d.waitForBackground(t)

	// A single level-0 file with no overlap below moves without rewriting.
	d.mu.Lock()
	fileNumBefore := d.versions.currentVersion().Files[0][0].FileNum
	c := d.pickCompactionForTest(0)
	d.mu.Unlock()
	require.True(t, c.isTrivialMove(d.opts.maxGrandParentOverlapBytes()))

	d.compactLevelTrivially(t, 0)
	counts := d.levelFileCounts()
	require.Equal(t, 0, counts[0])
	require.Equal(t, 1, counts[1])

	d.mu.Lock()
	fileNumAfter := d.versions.currentVersion().Files[1][0].FileNum
	d.mu.Unlock()
	require.Equal(t, fileNumBefore, fileNumAfter)
	require.True(t, moved)
	require.False(t, compacted)
}

// pickCompactionForTest builds a compaction of the whole level, mirroring
// what the picker would select for it.
func (d *DB) pickCompactionForTest(level int) *compaction {
	cur := d.versions.currentVersion()
	c := &compaction{
		version:           cur,
		level:             level,
		maxOutputFileSize: uint64(d.opts.MaxFileSize),
	}
	c.inputs[0] = append([]*fileMetadata(nil), cur.Files[level]...)
	d.setupOtherInputs(c)
	return c
}

// compactLevelTrivially commits a trivial-move edit for the single file at
// the level.
func (d *DB) compactLevelTrivially(t *testing.T, level int) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.pickCompactionForTest(level)
	require.True(t, c.isTrivialMove(d.opts.maxGrandParentOverlapBytes()))
	meta := c.inputs[0][0]
	edit := &versionEdit{}
	edit.DeleteFile(c.level, meta.FileNum)
	edit.AddFile(c.level+1, meta)
	require.NoError(t, d.versions.logAndApply(d.newJobID(), edit, &d.mu))
	d.opts.EventListener.CompactionEnd(CompactionInfo{Level: level, Moved: true})
}

func TestTrivialMoveRequiresNoOverlap(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("/db", testOptions(fs))
	require.NoError(t, err)
	defer d.Close()

	// Two overlapping single-key tables: one at L0, one moved to L1.
	require.NoError(t, d.Set([]byte("k"), []byte("1"), nil))
	require.NoError(t, d.Flush())
	d.waitForBackground(t)
	d.compactLevelTrivially(t, 0)

	require.NoError(t, d.Set([]byte("k"), []byte("2"), nil))
	require.NoError(t, d.Flush())
	d.waitForBackground(t)

	d.mu.Lock()
	c := d.pickCompactionForTest(0)
	d.mu.Unlock()
	// The L0 file overlaps the L1 file, so a move would lose the newer
	// entry's precedence.
	require.False(t, c.isTrivialMove(d.opts.maxGrandParentOverlapBytes()))
	require.Len(t, c.inputs[1], 1)
}

func TestCompactionProducesSortedLevels(t *testing.T) {
	fs := vfs.NewMem()
	opts := testOptions(fs)
	opts.WriteBufferSize = 1 << 10
	opts.MaxFileSize = 4 << 10
	d, err := Open("/db", opts)
	require.NoError(t, err)
	defer d.Close()

	value := make([]byte, 300)
	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("key%06d", (i*7)%300))
		require.NoError(t, d.Set(key, value, nil))
	}
	require.NoError(t, d.Flush())
	d.waitForBackground(t)
	for level := 0; level < 3; level++ {
		d.compactLevel(t, level)
	}

	// Every level obeys the version invariants after compaction.
	d.mu.Lock()
	err = d.versions.currentVersion().CheckOrdering(d.versions.icmp)
	d.mu.Unlock()
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("key%06d", i))
		v, err := d.Get(key)
		require.NoError(t, err, "key %s", key)
		require.Equal(t, value, v)
	}
}

func TestSeekCompactionNomination(t *testing.T) {
	m := &manifest.FileMetadata{Size: 100}
	m.InitAllowedSeeks()
	require.Equal(t, int32(100), m.AllowedSeeks.Load())

	// Exhausting the budget nominates the file.
	for i := 0; i < 99; i++ {
		m.AllowedSeeks.Add(-1)
	}
	require.Equal(t, int32(1), m.AllowedSeeks.Load())
	require.LessOrEqual(t, m.AllowedSeeks.Add(-1), int32(0))
}

func TestGrandparentOverlapLimitsOutputs(t *testing.T) {
	c := &compaction{}
	icmp := func(a, b base.InternalKey) int {
		return base.InternalCompare(d2cmp, a, b)
	}
	mk := func(s string) base.InternalKey {
		return base.MakeInternalKey([]byte(s), 1, base.InternalKeyKindSet)
	}
	c.grandparents = []*fileMetadata{
		{FileNum: 1, Size: 64 << 10, Smallest: mk("a"), Largest: mk("b")},
		{FileNum: 2, Size: 64 << 10, Smallest: mk("c"), Largest: mk("d")},
		{FileNum: 3, Size: 64 << 10, Smallest: mk("e"), Largest: mk("f")},
	}

	// With a limit below two grandparent files, the output is cut after the
	// overlap passes it.
	limit := uint64(100 << 10)
	require.False(t, c.shouldStopBefore(mk("a"), icmp, limit))
	require.False(t, c.shouldStopBefore(mk("c"), icmp, limit)) // 64 KiB overlapped
	require.True(t, c.shouldStopBefore(mk("e"), icmp, limit))  // 128 KiB overlapped
	// The counter resets with the new output.
	require.False(t, c.shouldStopBefore(mk("f"), icmp, limit))
}

var d2cmp = base.DefaultComparer.Compare
