// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"github.com/basaltdb/basalt/sstable"
)

// compaction is a merge of tables from one level into the next, starting from
// a given version.
type compaction struct {
	version *version

	// level is the level being compacted. Inputs from level and level+1 are
	// merged to produce a set of level+1 files.
	level int

	// inputs[0] are the tables at level; inputs[1] the overlapping tables at
	// level+1.
	inputs [2][]*fileMetadata

	// grandparents are the tables at level+2 overlapping the compaction.
	// Output tables are cut whenever their overlap with the grandparents
	// grows past maxGrandParentOverlapBytes, so that compacting an output
	// later does not cascade.
	grandparents []*fileMetadata

	// maxOutputFileSize is the target size of tables this compaction
	// produces.
	maxOutputFileSize uint64

	// compactPointer is the key recorded as the level's next compaction
	// start when the compaction commits.
	compactPointer base.InternalKey

	// State for shouldStopBefore: the position within grandparents and the
	// bytes of overlap with the current output.
	grandparentIndex int
	seenKey          bool
	overlappedBytes  uint64

	// levelPtrs holds per-level positions for isBaseLevelForKey, which
	// probes levels below the compaction output with an increasing user key.
	levelPtrs [numLevels]int
}

// pickCompaction picks the best compaction for the current version, if any.
// The DB mutex is held.
func (d *DB) pickCompaction() *compaction {
	cur := d.versions.currentVersion()

	// Prefer a compaction triggered by a level score: those keep the shape
	// of the tree bounded. Fall back to a file whose seek budget is spent.
	var c *compaction
	switch {
	case cur.CompactionScore >= 1:
		c = &compaction{
			version: cur,
			level:   cur.CompactionLevel,
		}
		// Start at or past the level's compaction pointer, rotating through
		// the key space, and wrap to the first file once the pointer passes
		// the last one.
		ptr := d.versions.compactPointer[c.level]
		for _, f := range cur.Files[c.level] {
			if len(ptr) == 0 || d.versions.icmp(f.Largest, base.DecodeInternalKey(ptr)) > 0 {
				c.inputs[0] = []*fileMetadata{f}
				break
			}
		}
		if len(c.inputs[0]) == 0 {
			c.inputs[0] = []*fileMetadata{cur.Files[c.level][0]}
		}
	case cur.FileToCompact != nil:
		c = &compaction{
			version: cur,
			level:   cur.FileToCompactLevel,
			inputs:  [2][]*fileMetadata{{cur.FileToCompact}},
		}
	default:
		return nil
	}
	c.maxOutputFileSize = uint64(d.opts.MaxFileSize)

	// Files in level 0 may overlap each other, so pick up all files that
	// overlap the chosen one, transitively.
	if c.level == 0 {
		smallest, largest := manifest.KeyRange(d.versions.icmp, c.inputs[0])
		c.inputs[0] = cur.Overlaps(0, d.versions.ucmp, smallest.UserKey, largest.UserKey)
		if len(c.inputs[0]) == 0 {
			panic("basalt: empty compaction")
		}
	}

	d.setupOtherInputs(c)
	return c
}

// setupOtherInputs fills in the level+1 inputs, applies the expand-inputs
// heuristic, and records the grandparents and the new compaction pointer.
func (d *DB) setupOtherInputs(c *compaction) {
	vs := d.versions
	smallest0, largest0 := manifest.KeyRange(vs.icmp, c.inputs[0])
	c.inputs[1] = c.version.Overlaps(c.level+1, vs.ucmp, smallest0.UserKey, largest0.UserKey)
	smallest01, largest01 := manifest.KeyRange(vs.icmp, c.inputs[0], c.inputs[1])

	// Grow the level inputs if it doesn't change the number of level+1
	// inputs the compaction must rewrite anyway.
	if c.grow(d, smallest01, largest01) {
		smallest01, largest01 = manifest.KeyRange(vs.icmp, c.inputs[0], c.inputs[1])
	}

	if c.level+2 < numLevels {
		c.grandparents = c.version.Overlaps(c.level+2, vs.ucmp,
			smallest01.UserKey, largest01.UserKey)
	}

	// The next compaction of this level starts after the largest key
	// compacted now. Applied to the version set when the edit commits.
	c.compactPointer = largest01
}

// grow grows the number of inputs at c.level without changing the number of
// c.level+1 files in the compaction, and returns whether the inputs grew.
func (c *compaction) grow(d *DB, sm, la base.InternalKey) bool {
	if len(c.inputs[1]) == 0 {
		return false
	}
	vs := d.versions
	grow0 := c.version.Overlaps(c.level, vs.ucmp, sm.UserKey, la.UserKey)
	if len(grow0) <= len(c.inputs[0]) {
		return false
	}
	if manifest.TotalSize(grow0)+manifest.TotalSize(c.inputs[1]) >=
		d.opts.expandedCompactionByteSizeLimit() {
		return false
	}
	sm1, la1 := manifest.KeyRange(vs.icmp, grow0)
	grow1 := c.version.Overlaps(c.level+1, vs.ucmp, sm1.UserKey, la1.UserKey)
	if len(grow1) != len(c.inputs[1]) {
		return false
	}
	c.inputs[0] = grow0
	c.inputs[1] = grow1
	return true
}

// isTrivialMove reports whether the compaction can be implemented by
// re-tagging a single file's level in the manifest, with no data rewritten:
// one input at level, nothing at level+1, and too little grandparent overlap
// for the move to set up a cascading merge later.
func (c *compaction) isTrivialMove(maxOverlap uint64) bool {
	return len(c.inputs[0]) == 1 &&
		len(c.inputs[1]) == 0 &&
		manifest.TotalSize(c.grandparents) <= maxOverlap
}

// shouldStopBefore returns true if the output before key is large enough,
// measured in overlap with the grandparent level, that it should be finished
// and a new one started.
func (c *compaction) shouldStopBefore(key base.InternalKey, icmp func(a, b base.InternalKey) int, maxOverlap uint64) bool {
	// Scan to find the earliest grandparent file that contains key.
	for c.grandparentIndex < len(c.grandparents) &&
		icmp(key, c.grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += c.grandparents[c.grandparentIndex].Size
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > maxOverlap {
		c.overlappedBytes = 0
		return true
	}
	return false
}

// isBaseLevelForKey reports whether it is guaranteed that no key/value pair
// with the given user key exists at level+2 or below. Tombstones for such
// keys can be dropped instead of copied down. Successive calls must pass
// non-decreasing user keys; the per-level positions advance monotonically.
func (c *compaction) isBaseLevelForKey(ucmp base.Compare, ukey []byte) bool {
	for level := c.level + 2; level < numLevels; level++ {
		files := c.version.Files[level]
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if ucmp(ukey, f.Largest.UserKey) <= 0 {
				if ucmp(ukey, f.Smallest.UserKey) >= 0 {
					return false
				}
				break
			}
			c.levelPtrs[level]++
		}
	}
	return true
}

// newInputIter returns an iterator over all the compaction's input tables in
// internal key order. Level-0 inputs may overlap and get one iterator per
// table; the sorted runs at level and level+1 are concatenated.
func (d *DB) newInputIter(c *compaction) internalIterator {
	var iters []internalIterator
	if c.level == 0 {
		for _, f := range c.inputs[0] {
			iters = append(iters, d.newLevelIter([]*fileMetadata{f}))
		}
	} else {
		iters = append(iters, d.newLevelIter(c.inputs[0]))
	}
	if len(c.inputs[1]) > 0 {
		iters = append(iters, d.newLevelIter(c.inputs[1]))
	}
	return newMergingIter(d.versions.icmp, iters...)
}

func (d *DB) newLevelIter(files []*fileMetadata) internalIterator {
	return &levelIter{
		newIter: func(meta *fileMetadata) (internalIterator, error) {
			return d.tableCache.newIter(meta)
		},
		files: files,
	}
}

// maybeScheduleCompaction starts the background goroutine if there is work
// for it: an immutable memtable to flush, or a compaction to run. The DB
// mutex is held.
func (d *DB) maybeScheduleCompaction() {
	if d.bgScheduled || d.closed.Load() || d.bgErr != nil {
		return
	}
	cur := d.versions.currentVersion()
	if d.imm == nil && cur.CompactionScore < 1 && cur.FileToCompact == nil {
		// No work to be done.
		return
	}
	d.bgScheduled = true
	go d.backgroundCall()
}

// backgroundCall is the body of the background goroutine. The store runs at
// most one; further work is discovered when the current call finishes and
// reschedules itself.
func (d *DB) backgroundCall() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.Load() && d.bgErr == nil {
		if err := d.backgroundCompaction(); err != nil {
			d.recordBackgroundError(err)
		}
	}
	d.bgScheduled = false
	// The previous compaction may have produced too many files in a level,
	// or the flush may have unblocked a pending compaction.
	d.maybeScheduleCompaction()
	d.bgCond.Broadcast()
}

// backgroundCompaction performs one unit of background work: flushing the
// immutable memtable takes priority over compacting a level. The DB mutex is
// held and released around I/O.
func (d *DB) backgroundCompaction() error {
	if d.imm != nil {
		return d.compactMemTable()
	}

	c := d.pickCompaction()
	if c == nil {
		return nil
	}
	jobID := d.newJobID()

	if c.isTrivialMove(d.opts.maxGrandParentOverlapBytes()) {
		// Move the file into the next level without rewriting it.
		meta := c.inputs[0][0]
		edit := &versionEdit{}
		edit.DeleteFile(c.level, meta.FileNum)
		edit.AddFile(c.level+1, meta)
		edit.CompactPointers = append(edit.CompactPointers, manifest.CompactPointerEntry{
			Level: c.level,
			Key:   c.compactPointer,
		})
		err := d.versions.logAndApply(jobID, edit, &d.mu)
		d.opts.EventListener.CompactionEnd(CompactionInfo{
			JobID: jobID,
			Level: c.level,
			Moved: true,
			Err:   err,
		})
		if err != nil {
			return err
		}
		d.removeObsoleteFiles(jobID)
		return nil
	}

	info, err := d.compact(jobID, c)
	info.JobID = jobID
	info.Err = err
	d.opts.EventListener.CompactionEnd(info)
	if err != nil {
		return err
	}
	d.removeObsoleteFiles(jobID)
	return nil
}

// compactionOutput tracks a table being written by a compaction.
type compactionOutput struct {
	fileNum base.FileNum
	writer  *sstable.Writer
}

// compact merges the compaction inputs into a set of tables at level+1 and
// commits the result. The DB mutex is held on entry and exit, and released
// for the merge itself.
func (d *DB) compact(jobID int, c *compaction) (CompactionInfo, error) {
	info := CompactionInfo{
		Level:  c.level,
		Inputs: [2]int{len(c.inputs[0]), len(c.inputs[1])},
	}

	// Entries below every live snapshot that are shadowed by a newer entry
	// for the same user key can be dropped.
	smallestSnapshot := base.SeqNum(d.versions.lastSeqNum.Load())
	if s := d.snapshots.earliest(); s != 0 {
		smallestSnapshot = s
	}

	var pending []base.FileNum
	defer func() {
		for _, fn := range pending {
			delete(d.pendingOutputs, fn)
		}
	}()

	d.mu.Unlock()
	edit, outputs, err := func() (*versionEdit, []*fileMetadata, error) {
		iter := d.newInputIter(c)
		defer iter.Close()

		ucmp := d.versions.ucmp
		icmp := d.versions.icmp
		maxOverlap := d.opts.maxGrandParentOverlapBytes()

		var outputs []*fileMetadata
		var cur *compactionOutput
		finishOutput := func() error {
			if cur == nil {
				return nil
			}
			err := cur.writer.Close()
			if err != nil {
				return err
			}
			meta, err := cur.writer.Metadata()
			if err != nil {
				return err
			}
			f := &fileMetadata{
				FileNum:  cur.fileNum,
				Size:     meta.Size,
				Smallest: meta.Smallest,
				Largest:  meta.Largest,
			}
			outputs = append(outputs, f)
			cur = nil
			return nil
		}

		var currentUserKey []byte
		haveCurrentUserKey := false
		lastSeqNumForKey := base.SeqNumMax

		for iter.First(); iter.Valid(); iter.Next() {
			if d.closed.Load() {
				return nil, outputs, errClosed
			}
			key := iter.Key()

			if cur != nil && c.shouldStopBefore(key, icmp, maxOverlap) {
				if err := finishOutput(); err != nil {
					return nil, outputs, err
				}
			}

			if !haveCurrentUserKey || ucmp(key.UserKey, currentUserKey) != 0 {
				currentUserKey = append(currentUserKey[:0], key.UserKey...)
				haveCurrentUserKey = true
				lastSeqNumForKey = base.SeqNumMax
			}

			drop := false
			if lastSeqNumForKey <= smallestSnapshot {
				// Shadowed by a newer entry for the same user key that is
				// itself visible to every snapshot.
				drop = true
			} else if key.Kind() == base.InternalKeyKindDelete &&
				key.SeqNum() <= smallestSnapshot &&
				c.isBaseLevelForKey(ucmp, key.UserKey) {
				// The tombstone has nothing left to shadow: older entries
				// for this key are dropped by the rule above, and the key
				// cannot appear in any deeper level.
				drop = true
			}
			lastSeqNumForKey = key.SeqNum()

			if drop {
				continue
			}

			if cur == nil {
				d.mu.Lock()
				fileNum := d.versions.newFileNum()
				d.pendingOutputs[fileNum] = struct{}{}
				pending = append(pending, fileNum)
				d.mu.Unlock()

				f, err := d.opts.FS.Create(
					base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, fileNum))
				if err != nil {
					return nil, outputs, err
				}
				cur = &compactionOutput{
					fileNum: fileNum,
					writer:  sstable.NewWriter(f, d.sstableOpts()),
				}
			}
			if err := cur.writer.Add(key, iter.Value()); err != nil {
				return nil, outputs, err
			}
			if cur.writer.EstimatedSize() >= c.maxOutputFileSize {
				if err := finishOutput(); err != nil {
					return nil, outputs, err
				}
			}
		}
		if err := iter.Error(); err != nil {
			return nil, outputs, err
		}
		if err := finishOutput(); err != nil {
			return nil, outputs, err
		}

		edit := &versionEdit{}
		for which, files := range c.inputs {
			for _, f := range files {
				edit.DeleteFile(c.level+which, f.FileNum)
			}
		}
		for _, f := range outputs {
			edit.AddFile(c.level+1, f)
		}
		edit.CompactPointers = append(edit.CompactPointers, manifest.CompactPointerEntry{
			Level: c.level,
			Key:   c.compactPointer,
		})
		return edit, outputs, nil
	}()
	d.mu.Lock()

	info.Outputs = len(outputs)
	if err != nil {
		// Unlink any outputs already written; they are not part of any
		// version.
		for _, f := range outputs {
			d.opts.FS.Remove(
				base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, f.FileNum))
		}
		return info, err
	}
	if err := d.versions.logAndApply(jobID, edit, &d.mu); err != nil {
		return info, err
	}
	return info, nil
}

func (d *DB) sstableOpts() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockSize:            d.opts.BlockSize,
		BlockRestartInterval: d.opts.BlockRestartInterval,
		Compression:          d.opts.Compression,
		Comparer:             d.opts.Comparer,
		FilterPolicy:         d.opts.FilterPolicy,
	}
}

// compactMemTable flushes the immutable memtable to a level-0 table and
// commits the result. On success the memtable's write-ahead log becomes
// obsolete. The DB mutex is held.
func (d *DB) compactMemTable() error {
	jobID := d.newJobID()
	meta, err := d.writeLevel0Table(jobID, d.imm)
	if err != nil {
		return err
	}
	edit := &versionEdit{}
	if meta != nil {
		edit.AddFile(0, meta)
	}
	// The flushed memtable's log is no longer needed for recovery.
	edit.SetLogNum(d.logNum)
	edit.SetPrevLogNum(0)
	if err := d.versions.logAndApply(jobID, edit, &d.mu); err != nil {
		return err
	}

	d.imm.unref()
	d.imm = nil
	d.removeObsoleteFiles(jobID)
	return nil
}

// writeLevel0Table writes the memtable's contents to a new table. It returns
// nil metadata for an empty memtable. The DB mutex is held, and released
// around the I/O.
func (d *DB) writeLevel0Table(jobID int, mem *memTable) (*fileMetadata, error) {
	if mem.empty() {
		d.opts.EventListener.FlushEnd(FlushInfo{JobID: jobID})
		return nil, nil
	}

	fileNum := d.versions.newFileNum()
	d.pendingOutputs[fileNum] = struct{}{}
	defer delete(d.pendingOutputs, fileNum)

	var meta *fileMetadata
	d.mu.Unlock()
	err := func() error {
		f, err := d.opts.FS.Create(
			base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, fileNum))
		if err != nil {
			return err
		}
		w := sstable.NewWriter(f, d.sstableOpts())
		it := mem.newIter()
		for it.First(); it.Valid(); it.Next() {
			if err := w.Add(it.Key(), it.Value()); err != nil {
				w.Close()
				return err
			}
		}
		if err := w.Close(); err != nil {
			return err
		}
		wm, err := w.Metadata()
		if err != nil {
			return err
		}
		meta = &fileMetadata{
			FileNum:  fileNum,
			Size:     wm.Size,
			Smallest: wm.Smallest,
			Largest:  wm.Largest,
		}
		return nil
	}()
	d.mu.Lock()

	d.opts.EventListener.FlushEnd(FlushInfo{
		JobID:  jobID,
		Output: &fileInfo{FileNum: fileNum, Size: sizeOrZero(meta)},
		Err:    err,
	})
	if err != nil {
		d.opts.FS.Remove(base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, fileNum))
		return nil, err
	}
	return meta, nil
}

func sizeOrZero(meta *fileMetadata) uint64 {
	if meta == nil {
		return 0
	}
	return meta.Size
}
