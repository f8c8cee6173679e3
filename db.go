// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package basalt provides an ordered key/value store built on a
// log-structured merge tree: durable Set, Delete and Get over byte-string
// keys with a user-supplied total order, crash recovery through a write-ahead
// log, and background compaction of on-disk tables across levels.
package basalt

import (
	"io"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/record"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned when a get call does not find the requested key.
var ErrNotFound = base.ErrNotFound

var errClosed = errors.New("basalt: database is closed")

const (
	// maxBatchGroupSize bounds the bytes a single log write absorbs when the
	// head of the writer queue coalesces its followers.
	maxBatchGroupSize = 1 << 20 // 1 MiB
	// smallBatchGroupLimit is the extra data a small leading batch will
	// absorb: small writes should not wait on syncing a large group.
	smallBatchGroupLimit = 128 << 10 // 128 KiB
)

// DB is the storage engine handle. It is safe for concurrent use: writers
// serialize through an internal queue, readers never block.
type DB struct {
	dirname string
	opts    *Options

	tableCache *tableCache

	// closed is the shutting-down flag: set by Close with a release store,
	// polled by the background goroutine and write path with acquire loads.
	closed atomic.Bool

	fileLock io.Closer
	logFile  vfs.File

	// mu guards the fields below, the version set counters, and the writer
	// queue. The write path, flushes, compactions and manifest commits
	// release it around their writes and syncs; log rotation in
	// makeRoomForWrite creates the new log file and closes the old one with
	// it held.
	mu sync.Mutex
	// bgCond is signalled when a flush or compaction completes; writers
	// stalled on an unflushed memtable or a level-0 backlog wait on it.
	bgCond sync.Cond

	// mem is the active memtable, owned by the head of the writer queue.
	// imm, when non-nil, is the immutable memtable awaiting flush.
	mem *memTable
	imm *memTable

	logNum base.FileNum
	log    *record.Writer

	versions *versionSet

	// writers is the FIFO queue of pending writes; writers[0] holds the
	// write path.
	writers []*dbWriter

	// pendingOutputs are file numbers reserved by in-flight flushes and
	// compactions; the obsolete-file pass treats them as live.
	pendingOutputs map[base.FileNum]struct{}

	bgScheduled bool
	// bgErr is sticky: a failed flush, compaction or log write poisons the
	// store until it is reopened.
	bgErr error

	snapshots snapshotList

	jobID int

	// tmpBatch is reused by the write path to coalesce the batches of
	// queued writers.
	tmpBatch Batch
}

// dbWriter is a queued write. Each writer has a private condition variable
// for head-of-queue wakeup; a writer whose batch was absorbed by the group
// commit of an earlier head is completed in place.
type dbWriter struct {
	batch *Batch
	sync  bool
	done  bool
	err   error
	cv    *sync.Cond
}

func (d *DB) newJobID() int {
	d.jobID++
	return d.jobID
}

// Set sets the value for the given key. It is equivalent to applying a
// one-entry batch.
func (d *DB) Set(key, value []byte, opts *WriteOptions) error {
	b := new(Batch)
	b.Set(key, value)
	return d.Apply(b, opts)
}

// Delete deletes the value for the given key. Deleting a key that has no
// value still writes a tombstone.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	b := new(Batch)
	b.Delete(key)
	return d.Apply(b, opts)
}

// Apply atomically applies the batch: either every entry becomes visible and
// durable together, or none do.
func (d *DB) Apply(batch *Batch, opts *WriteOptions) error {
	if d.closed.Load() {
		return errClosed
	}
	w := &dbWriter{batch: batch, sync: opts.GetSync()}

	d.mu.Lock()
	defer d.mu.Unlock()
	w.cv = sync.NewCond(&d.mu)
	d.writers = append(d.writers, w)
	for !w.done && d.writers[0] != w {
		w.cv.Wait()
	}
	if w.done {
		return w.err
	}

	// This writer is the head of the queue.
	err := d.makeRoomForWrite(false)
	lastSeqNum := base.SeqNum(d.versions.lastSeqNum.Load())
	lastWriter := 0

	if err == nil {
		var group *Batch
		group, lastWriter = d.buildBatchGroup()
		group.setSeqNum(lastSeqNum + 1)
		lastSeqNum += base.SeqNum(group.Count())

		// Add to the log and apply to the memtable. The mutex is released:
		// the queue keeps other writers out of the memtable, and concurrent
		// readers are safe against the lock-free skiplist.
		d.mu.Unlock()
		err = d.log.WriteRecord(group.Repr())
		if err == nil && w.sync {
			err = d.logFile.Sync()
		}
		if err == nil {
			err = d.mem.apply(group, group.SeqNum())
		}
		d.mu.Lock()

		if err != nil {
			// The log may have been half-appended; the store can no longer
			// guarantee batch atomicity across a reopen. Poison it.
			d.recordBackgroundError(err)
		}
		d.versions.lastSeqNum.Store(uint64(lastSeqNum))
		if group == &d.tmpBatch {
			d.tmpBatch.Clear()
		}
	}

	// Complete this writer and every writer whose batch was absorbed, then
	// wake the new head of the queue.
	for i := 0; i <= lastWriter; i++ {
		qw := d.writers[i]
		qw.done = true
		qw.err = err
		if qw != w {
			qw.cv.Signal()
		}
	}
	d.writers = slices.Delete(d.writers, 0, lastWriter+1)
	if len(d.writers) > 0 {
		d.writers[0].cv.Signal()
	}
	return err
}

// buildBatchGroup coalesces the head writer's batch with a size-bounded
// prefix of its followers, so that one log append and one sync pay for many
// writes. Returns the merged batch and the index of the last absorbed
// writer. The DB mutex is held.
func (d *DB) buildBatchGroup() (*Batch, int) {
	head := d.writers[0]
	group := head.batch

	maxSize := maxBatchGroupSize
	if size := head.batch.ApproximateSize(); size <= smallBatchGroupLimit {
		maxSize = size + smallBatchGroupLimit
	}

	size := head.batch.ApproximateSize()
	lastWriter := 0
	for i := 1; i < len(d.writers); i++ {
		qw := d.writers[i]
		if qw.sync && !head.sync {
			// Do not promote a non-sync group into a sync write; the
			// follower requested durability the head did not pay for.
			break
		}
		size += qw.batch.ApproximateSize()
		if size > maxSize {
			break
		}
		if group == head.batch {
			// Switch to the reusable scratch batch instead of growing the
			// head writer's own.
			d.tmpBatch.Append(head.batch)
			group = &d.tmpBatch
		}
		group.Append(qw.batch)
		lastWriter = i
	}
	return group, lastWriter
}

// makeRoomForWrite ensures the active memtable has room for the next write,
// pacing or stalling the writer against the level-0 backlog, and rotating to
// a fresh memtable and log when the active one fills. The DB mutex is held.
func (d *DB) makeRoomForWrite(force bool) error {
	allowDelay := !force
	for {
		switch {
		case d.bgErr != nil:
			return d.bgErr

		case allowDelay && len(d.versions.currentVersion().Files[0]) >= l0SlowdownWritesTrigger:
			// Getting close to the hard limit. Give each write a 1ms delay,
			// once, ceding the CPU to the compactor: many small pauses
			// instead of one multi-second stall when the limit is hit.
			d.opts.EventListener.WriteStallBegin(WriteStallBeginInfo{
				Reason: "L0 file count exceeds slowdown trigger",
			})
			d.mu.Unlock()
			time.Sleep(time.Millisecond)
			d.mu.Lock()
			allowDelay = false
			d.opts.EventListener.WriteStallEnd()

		case !force && d.mem.approximateMemoryUsage() <= uint64(d.opts.WriteBufferSize):
			// There is room in the current memtable.
			return nil

		case d.imm != nil:
			// The previous memtable is still being flushed; wait.
			d.bgCond.Wait()

		case len(d.versions.currentVersion().Files[0]) >= l0StopWritesTrigger:
			d.opts.EventListener.WriteStallBegin(WriteStallBeginInfo{
				Reason: "L0 file count exceeds stop trigger",
			})
			d.bgCond.Wait()
			d.opts.EventListener.WriteStallEnd()

		default:
			// Freeze the current memtable and switch to a fresh one with its
			// own log.
			newLogNum := d.versions.newFileNum()
			path := base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeLog, newLogNum)
			file, err := d.opts.FS.Create(path)
			if err != nil {
				// Avoid chewing through file numbers in a tight loop if the
				// filesystem is rejecting creation.
				d.versions.markFileNumUsed(newLogNum)
				return err
			}
			d.logFile.Close()
			d.logFile = file
			d.logNum = newLogNum
			d.log = record.NewWriter(file)
			d.opts.EventListener.WALCreated(WALCreateInfo{
				JobID:   d.newJobID(),
				FileNum: newLogNum,
			})

			d.imm = d.mem
			d.mem = newMemTable(d.opts)
			force = false
			d.maybeScheduleCompaction()
		}
	}
}

// Flush freezes the active memtable and blocks until it has been written to
// a level-0 table. It must not run concurrently with writes.
func (d *DB) Flush() error {
	if d.closed.Load() {
		return errClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem.empty() && d.imm == nil {
		return d.bgErr
	}
	if err := d.makeRoomForWrite(true); err != nil {
		return err
	}
	for d.imm != nil && d.bgErr == nil {
		d.bgCond.Wait()
	}
	return d.bgErr
}

func (d *DB) recordBackgroundError(err error) {
	if d.bgErr == nil {
		d.bgErr = err
		d.opts.EventListener.BackgroundError(err)
		d.bgCond.Broadcast()
	}
}

// Get gets the value for the given key, at the most recent committed state.
// It returns ErrNotFound if the store does not contain the key.
func (d *DB) Get(key []byte) ([]byte, error) {
	return d.getInternal(key, base.SeqNum(d.versions.lastSeqNum.Load()))
}

// getInternal reads key at the given visibility horizon: the newest entry
// with a sequence number ≤ seqNum decides the result.
func (d *DB) getInternal(key []byte, seqNum base.SeqNum) ([]byte, error) {
	if d.closed.Load() {
		return nil, errClosed
	}

	// Snapshot the state under the mutex: the memtables and the current
	// version, each with a reference that outlives the actual reads below.
	d.mu.Lock()
	mem, imm := d.mem, d.imm
	mem.ref()
	if imm != nil {
		imm.ref()
	}
	current := d.versions.currentVersion()
	current.Ref()
	d.mu.Unlock()

	value, stats, err := func() ([]byte, getStats, error) {
		if v, conclusive, err := mem.get(key, seqNum); conclusive {
			return v, getStats{}, err
		}
		if imm != nil {
			if v, conclusive, err := imm.get(key, seqNum); conclusive {
				return v, getStats{}, err
			}
		}
		return d.getFromVersion(current, key, seqNum)
	}()

	d.mu.Lock()
	mem.unref()
	if imm != nil {
		imm.unref()
	}
	// Charge the read to the first extra table it had to visit; a file that
	// repeatedly absorbs useless seeks is worth compacting away.
	if stats.seekFile != nil && stats.seekFile.AllowedSeeks.Add(-1) <= 0 &&
		current.FileToCompact == nil {
		current.FileToCompact = stats.seekFile
		current.FileToCompactLevel = stats.seekLevel
		d.maybeScheduleCompaction()
	}
	current.Unref()
	d.mu.Unlock()
	return value, err
}

type getStats struct {
	seekFile  *fileMetadata
	seekLevel int
}

// getFromVersion searches the version's tables, level 0 newest first, then
// each deeper level. The first table whose entries decide the key ends the
// search.
func (d *DB) getFromVersion(v *version, key []byte, seqNum base.SeqNum) ([]byte, getStats, error) {
	ucmp := d.versions.ucmp
	icmp := d.versions.icmp
	ikey := base.MakeSearchKey(key, seqNum)

	var stats getStats
	var lastRead *fileMetadata
	var lastReadLevel int
	charge := func(f *fileMetadata, level int) {
		// Seek compaction accounting: remember the first table consulted
		// once a second one is read.
		if lastRead != nil && stats.seekFile == nil {
			stats.seekFile = lastRead
			stats.seekLevel = lastReadLevel
		}
		lastRead, lastReadLevel = f, level
	}

	// Search level-0 in reverse file number order: newest data first.
	l0 := v.Files[0]
	for i := len(l0) - 1; i >= 0; i-- {
		f := l0[i]
		if ucmp(key, f.Smallest.UserKey) < 0 {
			// Compared on user keys: the table's smallest entry may carry
			// the same user key at a lower sequence number.
			continue
		}
		if icmp(ikey, f.Largest) > 0 {
			continue
		}
		charge(f, 0)
		value, conclusive, err := d.getFromTable(f, ikey, key)
		if conclusive {
			return value, stats, err
		}
	}

	for level := 1; level < numLevels; level++ {
		files := v.Files[level]
		n := len(files)
		if n == 0 {
			continue
		}
		// Find the earliest file at the level whose largest key is >= ikey.
		index := sort.Search(n, func(i int) bool {
			return icmp(files[i].Largest, ikey) >= 0
		})
		if index >= n {
			continue
		}
		f := files[index]
		if ucmp(key, f.Smallest.UserKey) < 0 {
			continue
		}
		charge(f, level)
		value, conclusive, err := d.getFromTable(f, ikey, key)
		if conclusive {
			return value, stats, err
		}
	}
	return nil, stats, ErrNotFound
}

// getFromTable looks in a single table for the newest entry for key visible
// at ikey's sequence number. conclusive is false if the table holds no entry
// for this user key at or below the horizon.
func (d *DB) getFromTable(f *fileMetadata, ikey base.InternalKey, key []byte) (value []byte, conclusive bool, err error) {
	k, v, ok, err := d.tableCache.find(f, ikey)
	if err != nil {
		return nil, true, err
	}
	if !ok || d.versions.ucmp(k.UserKey, key) != 0 {
		return nil, false, nil
	}
	if k.Kind() == base.InternalKeyKindDelete {
		return nil, true, ErrNotFound
	}
	return v, true, nil
}

// removeObsoleteFiles deletes any file in the database directory that no
// live version references and no in-flight compaction has reserved. The DB
// mutex is held; the deletions themselves happen outside it.
func (d *DB) removeObsoleteFiles(jobID int) {
	liveFileNums := make(map[base.FileNum]struct{}, len(d.pendingOutputs))
	for fileNum := range d.pendingOutputs {
		liveFileNums[fileNum] = struct{}{}
	}
	d.versions.addLiveFiles(liveFileNums)
	logNum := d.versions.logNum
	prevLogNum := d.versions.prevLogNum
	manifestNum := d.versions.manifestNum

	d.mu.Unlock()
	defer d.mu.Lock()

	list, err := d.opts.FS.List(d.dirname)
	if err != nil {
		// Ignore the error: a failed scan retries on the next pass.
		return
	}
	sort.Strings(list)
	for _, filename := range list {
		fileType, fileNum, ok := base.ParseFilename(d.opts.FS, filename)
		if !ok {
			// Unknown names are ignored, not deleted.
			continue
		}
		keep := true
		switch fileType {
		case base.FileTypeLog:
			keep = fileNum >= logNum || fileNum == prevLogNum
		case base.FileTypeManifest:
			keep = fileNum >= manifestNum
		case base.FileTypeTable, base.FileTypeTemp:
			_, keep = liveFileNums[fileNum]
		case base.FileTypeCurrent, base.FileTypeLock,
			base.FileTypeInfoLog, base.FileTypeOldInfoLog:
			keep = true
		}
		if keep {
			continue
		}
		if fileType == base.FileTypeTable {
			d.tableCache.evict(fileNum)
			d.opts.EventListener.TableDeleted(TableDeleteInfo{
				JobID:   jobID,
				FileNum: fileNum,
			})
		}
		d.opts.FS.Remove(d.opts.FS.PathJoin(d.dirname, filename))
	}
}

// Close closes the store: it waits for background work to quiesce, releases
// every file and the directory lock, and makes further operations fail.
// Buffered writes that were not synced are not flushed: they are already in
// the write-ahead log, which is the durability contract.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return errClosed
	}
	d.closed.Store(true)
	for d.bgScheduled {
		d.bgCond.Wait()
	}
	defer d.mu.Unlock()

	err := d.tableCache.Close()
	if d.log != nil {
		if cerr := d.log.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if d.logFile != nil {
		if cerr := d.logFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if d.versions.manifestFile != nil {
		if cerr := d.versions.manifestFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if d.fileLock != nil {
		if cerr := d.fileLock.Close(); cerr != nil && err == nil {
			err = cerr
		}
		d.fileLock = nil
	}
	return err
}
