// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/sstable"
	"github.com/basaltdb/basalt/vfs"
)

// Compression exports the sstable.Compression type.
type Compression = sstable.Compression

// Exported Compression constants.
const (
	DefaultCompression = sstable.DefaultCompression
	NoCompression      = sstable.NoCompression
	SnappyCompression  = sstable.SnappyCompression
)

// FilterPolicy exports the base.FilterPolicy type.
type FilterPolicy = base.FilterPolicy

// Comparer exports the base.Comparer type.
type Comparer = base.Comparer

// DefaultComparer exports the base.DefaultComparer comparer.
var DefaultComparer = base.DefaultComparer

// Logger exports the base.Logger type.
type Logger = base.Logger

const (
	// l0CompactionTrigger is the number of level-0 tables that schedules a
	// compaction into level 1.
	l0CompactionTrigger = 4

	// l0SlowdownWritesTrigger is the number of level-0 tables at which each
	// write is delayed by 1ms, ceding CPU to the compactor and smoothing the
	// latency cliff of a hard stall.
	l0SlowdownWritesTrigger = 8

	// l0StopWritesTrigger is the number of level-0 tables at which writes
	// stop until the backlog drains.
	l0StopWritesTrigger = 12
)

// Options holds the optional parameters for the store, including a Comparer
// and the platform capabilities.
type Options struct {
	// Comparer defines a total ordering over the space of []byte keys.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer

	// CreateIfMissing initializes the database directory if it is empty.
	// Opening a missing database without it fails.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail if the database already exists.
	ErrorIfExists bool

	// ParanoidChecks escalates corruption that recovery would otherwise skip
	// (a damaged region of the write-ahead log) into an Open error.
	ParanoidChecks bool

	// WriteBufferSize is the amount of data to build up in the memtable
	// before it is frozen and flushed to a level-0 sstable.
	//
	// Larger values increase throughput, recovery time, and memory use.
	//
	// The default value is 4MiB.
	WriteBufferSize int

	// MaxOpenFiles is a soft limit on the number of open files that can be
	// used by the store, most of which are sstable file descriptors held by
	// the table cache.
	//
	// The default value is 1000.
	MaxOpenFiles int

	// MaxFileSize is the target size of an sstable, and the size below which
	// an existing manifest is reused on open (see ReuseLogs).
	//
	// The default value is 2MiB.
	MaxFileSize int64

	// BlockSize is the target uncompressed size of each sstable block.
	//
	// The default value is 4096.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys within an sstable block.
	//
	// The default value is 16.
	BlockRestartInterval int

	// Compression is the per-block compression to use for sstables.
	//
	// The default value is SnappyCompression.
	Compression Compression

	// FilterPolicy, if set, stores a filter block in every sstable, letting
	// point reads skip blocks that cannot contain a key. bloom.FilterPolicy
	// is the expected implementation.
	FilterPolicy FilterPolicy

	// ReuseLogs, if set, reuses the existing write-ahead log and manifest on
	// open when they are below MaxFileSize, appending instead of rolling new
	// files.
	ReuseLogs bool

	// FS provides the filesystem the store runs on. The default is the
	// operating system's filesystem; tests use vfs.NewMem.
	FS vfs.FS

	// Logger is the destination for diagnostic messages. If nil, a logger
	// writing to the LOG file inside the database directory is created.
	Logger Logger

	// EventListener observes significant events: flushes, compactions, file
	// lifecycle, background errors.
	EventListener EventListener
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns a new Options with the
// defaults filled in; the receiver is not modified.
func (o *Options) EnsureDefaults() *Options {
	var n Options
	if o != nil {
		n = *o
	}
	if n.Comparer == nil {
		n.Comparer = base.DefaultComparer
	} else {
		n.Comparer = n.Comparer.EnsureDefaults()
	}
	if n.WriteBufferSize <= 0 {
		n.WriteBufferSize = 4 << 20 // 4 MiB
	}
	if n.MaxOpenFiles <= 0 {
		n.MaxOpenFiles = 1000
	}
	if n.MaxFileSize <= 0 {
		n.MaxFileSize = 2 << 20 // 2 MiB
	}
	if n.BlockSize <= 0 {
		n.BlockSize = 4096
	}
	if n.BlockRestartInterval <= 0 {
		n.BlockRestartInterval = 16
	}
	if n.Compression == DefaultCompression {
		n.Compression = SnappyCompression
	}
	if n.FS == nil {
		n.FS = vfs.Default
	}
	n.EventListener.EnsureDefaults()
	return &n
}

// maxBytesForLevel returns the byte budget of a level: 10 MiB for level 1,
// growing 10x per level. Level 0 is sized in files, not bytes.
func maxBytesForLevel(level int) float64 {
	result := 10. * 1048576.0
	for level > 1 {
		result *= 10
		level--
	}
	return result
}

// maxGrandParentOverlapBytes bounds the overlap between a compaction output
// table and the level two below it. Outputs are cut at this bound so that a
// future compaction of the output does not cascade.
func (o *Options) maxGrandParentOverlapBytes() uint64 {
	return 10 * uint64(o.MaxFileSize)
}

// expandedCompactionByteSizeLimit bounds the total size of a compaction after
// the expand-inputs heuristic grows the lower level's file set.
func (o *Options) expandedCompactionByteSizeLimit() uint64 {
	return 25 * uint64(o.MaxFileSize)
}

// WriteOptions hold the optional per-query parameters for Set and Delete
// operations.
type WriteOptions struct {
	// Sync requests that the write be flushed all the way to stable storage
	// before it is considered complete. Without it the write is only
	// guaranteed to reach stable storage once the log is later synced; a
	// machine crash may lose a suffix of recent unsynced writes, but never
	// corrupts the store.
	Sync bool
}

// Sync specifies the default write options for writes which synchronize to
// disk.
var Sync = &WriteOptions{Sync: true}

// NoSync specifies the default write options for writes which do not
// synchronize to disk.
var NoSync = &WriteOptions{Sync: false}

// GetSync returns the Sync value or false if the receiver is nil.
func (o *WriteOptions) GetSync() bool {
	return o != nil && o.Sync
}
