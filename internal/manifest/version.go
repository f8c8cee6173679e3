// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package manifest provides the data structures describing the on-disk layout
// of the store: per-file metadata, immutable versions of the level→files
// mapping, and the version edits logged to the manifest.
package manifest

import (
	"fmt"
	"sync/atomic"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/errors"
)

// NumLevels is the number of levels a version organizes sstables into.
const NumLevels = 7

// FileMetadata holds the metadata for an on-disk table.
type FileMetadata struct {
	// FileNum is the file number.
	FileNum base.FileNum
	// Size is the size of the file, in bytes.
	Size uint64
	// Smallest and Largest are the inclusive bounds for the internal keys
	// stored in the table.
	Smallest base.InternalKey
	Largest  base.InternalKey
	// AllowedSeeks is the number of seeks allowed to miss in this file
	// before it is nominated for a seek-driven compaction. Decremented by
	// the read path without the DB mutex.
	AllowedSeeks atomic.Int32
	// refs counts the versions referencing this file.
	refs atomic.Int32
}

// InitAllowedSeeks derives the seek budget from the file size.
//
// One seek costs roughly the same as the compaction of 16 KiB of data, so the
// budget is one seek per 16 KiB, floored at 100.
func (m *FileMetadata) InitAllowedSeeks() {
	allowed := int32(m.Size / 16384)
	if allowed < 100 {
		allowed = 100
	}
	m.AllowedSeeks.Store(allowed)
}

func (m *FileMetadata) ref()        { m.refs.Add(1) }
func (m *FileMetadata) unref() bool { return m.refs.Add(-1) == 0 }

// String implements fmt.Stringer.
func (m *FileMetadata) String() string {
	return fmt.Sprintf("%06d:[%s-%s]", uint64(m.FileNum), m.Smallest, m.Largest)
}

// TotalSize returns the total size of all the files in f.
func TotalSize(f []*FileMetadata) (size uint64) {
	for _, x := range f {
		size += x.Size
	}
	return size
}

// KeyRange returns the minimum smallest and maximum largest internal key over
// all the file metadata in the argument slices.
func KeyRange(icmp func(a, b base.InternalKey) int, files ...[]*FileMetadata) (smallest, largest base.InternalKey) {
	first := true
	for _, f := range files {
		for _, meta := range f {
			if first {
				first = false
				smallest, largest = meta.Smallest, meta.Largest
				continue
			}
			if icmp(meta.Smallest, smallest) < 0 {
				smallest = meta.Smallest
			}
			if icmp(meta.Largest, largest) > 0 {
				largest = meta.Largest
			}
		}
	}
	return smallest, largest
}

// Version is an immutable collection of file metadata for on-disk tables at
// various levels. Memtables are flushed to level-0 tables and compactions
// migrate data from level N to level N+1.
//
// The tables at level 0 are sorted by increasing file number: if two level-0
// tables have file numbers i < j, the sequence numbers in table i are all
// older than those in table j. The key ranges of level-0 tables may overlap,
// so reads visit them newest first. The tables at any level ≥ 1 are sorted by
// their internal key range, and no two tables at the same level overlap.
//
// Versions are reference counted. They form a circular doubly-linked list
// whose head is a sentinel owned by the version set; the most recent version
// sits at the back.
type Version struct {
	// Files holds the per-level file metadata.
	Files [NumLevels][]*FileMetadata

	// CompactionScore and CompactionLevel cache the result of finalizing the
	// version: the level most in need of compaction and its score. A score
	// < 1 means compaction is not strictly needed.
	CompactionScore float64
	CompactionLevel int

	// FileToCompact is set when a file has exhausted its seek budget; it is
	// the seek-driven compaction candidate. Guarded by the DB mutex.
	FileToCompact      *FileMetadata
	FileToCompactLevel int

	refs atomic.Int32

	// Every version is part of a circular doubly-linked list of versions
	// headed by the version set's sentinel.
	prev, next *Version
}

// Ref increments the version refcount.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref decrements the version refcount. If it drops to zero the version is
// unlinked from the version list and its files lose a reference. The caller
// must hold the mutex guarding the version list.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 {
		v.prev.next = v.next
		v.next.prev = v.prev
		v.unrefFiles()
	}
}

// Refs returns the current refcount, for tests and invariant checks.
func (v *Version) Refs() int32 {
	return v.refs.Load()
}

func (v *Version) unrefFiles() {
	for _, files := range v.Files {
		for _, f := range files {
			f.unref()
		}
	}
}

func (v *Version) refFiles() {
	for _, files := range v.Files {
		for _, f := range files {
			f.ref()
		}
	}
}

// Overlaps returns all files in v.Files[level] whose user key range
// intersects the inclusive range [start, end]. For level ≥ 1 the file ranges
// are disjoint. For level 0 they may overlap, and the search range is grown
// to the union of the matched file ranges and re-run until it stabilizes, so
// the result is transitively closed over overlap.
func (v *Version) Overlaps(level int, ucmp base.Compare, start, end []byte) (ret []*FileMetadata) {
loop:
	for {
		for _, meta := range v.Files[level] {
			smallest := meta.Smallest.UserKey
			largest := meta.Largest.UserKey
			if ucmp(largest, start) < 0 {
				// meta is completely before the specified range; skip it.
				continue
			}
			if ucmp(smallest, end) > 0 {
				// meta is completely after the specified range; skip it.
				continue
			}
			ret = append(ret, meta)

			// If level == 0, check if the newly added file has expanded the
			// range. If so, restart the search.
			if level != 0 {
				continue
			}
			restart := false
			if ucmp(smallest, start) < 0 {
				start = smallest
				restart = true
			}
			if ucmp(largest, end) > 0 {
				end = largest
				restart = true
			}
			if restart {
				ret = ret[:0]
				continue loop
			}
		}
		return ret
	}
}

// CheckOrdering checks that the files are consistent with respect to
// increasing file numbers (for level-0 files) and increasing, non-overlapping
// internal key ranges (for files at any other level).
func (v *Version) CheckOrdering(icmp func(a, b base.InternalKey) int) error {
	for level, files := range v.Files {
		if level == 0 {
			var prevFileNum base.FileNum
			for i, f := range files {
				if i != 0 && prevFileNum >= f.FileNum {
					return errors.Newf(
						"basalt: level 0 files are not in increasing file number order: %s, %s",
						prevFileNum, f.FileNum)
				}
				prevFileNum = f.FileNum
			}
		} else {
			var prev *FileMetadata
			for i, f := range files {
				if icmp(f.Smallest, f.Largest) > 0 {
					return errors.Newf(
						"basalt: level %d file %s has inconsistent bounds", level, f)
				}
				if i != 0 && icmp(prev.Largest, f.Smallest) >= 0 {
					return errors.Newf(
						"basalt: level %d files are not in increasing key order: %s, %s",
						level, prev, f)
				}
				prev = f
			}
		}
	}
	return nil
}

// VersionList is the circular doubly-linked list of versions, oldest to
// newest, headed by a sentinel.
type VersionList struct {
	root Version
}

// Init initializes the sentinel.
func (l *VersionList) Init() {
	l.root.next = &l.root
	l.root.prev = &l.root
}

// Empty reports whether the list contains no versions.
func (l *VersionList) Empty() bool {
	return l.root.next == &l.root
}

// Front returns the oldest version in the list, or nil if empty.
func (l *VersionList) Front() *Version {
	if l.Empty() {
		return nil
	}
	return l.root.next
}

// Back returns the newest version in the list, or nil if empty.
func (l *VersionList) Back() *Version {
	if l.Empty() {
		return nil
	}
	return l.root.prev
}

// PushBack appends the version to the list, making it the newest, and takes a
// reference on each of its files.
func (l *VersionList) PushBack(v *Version) {
	if v.next != nil {
		panic("basalt: version list is inconsistent")
	}
	v.prev = l.root.prev
	v.prev.next = v
	v.next = &l.root
	l.root.prev = v
	v.refFiles()
}

// Iterate calls fn for each version in the list, oldest first.
func (l *VersionList) Iterate(fn func(v *Version)) {
	for v := l.root.next; v != &l.root; v = v.next {
		fn(v)
	}
}
