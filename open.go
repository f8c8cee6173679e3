// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"io"
	"slices"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/record"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// Open opens the database directory, recovering whatever state a previous
// incarnation left: the manifest defines the tables, and any write-ahead logs
// newer than the manifest's horizon are replayed into memtables.
func Open(dirname string, opts *Options) (db *DB, _ error) {
	opts = opts.EnsureDefaults()
	fs := opts.FS

	if err := fs.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}

	// Lock the database directory before looking at it.
	fileLock, err := fs.Lock(base.MakeFilepath(fs, dirname, base.FileTypeLock, 0))
	if err != nil {
		return nil, err
	}
	defer func() {
		if db == nil {
			fileLock.Close()
		}
	}()

	if opts.Logger == nil {
		opts.Logger = openInfoLog(fs, dirname)
	}

	d := &DB{
		dirname:        dirname,
		opts:           opts,
		pendingOutputs: make(map[base.FileNum]struct{}),
		versions:       &versionSet{},
	}
	d.bgCond.L = &d.mu
	d.versions.init(dirname, opts)
	d.tableCache = newTableCache(dirname, opts)

	// CURRENT decides whether the database exists.
	fresh := false
	currentPath := base.MakeFilepath(fs, dirname, base.FileTypeCurrent, 0)
	if _, err := fs.Stat(currentPath); err != nil {
		if !oserror.IsNotExist(err) {
			return nil, err
		}
		if !opts.CreateIfMissing {
			return nil, errors.Wrapf(err,
				"basalt: database %q does not exist (create_if_missing is false)", dirname)
		}
		if err := d.versions.create(); err != nil {
			return nil, err
		}
		fresh = true
	} else if opts.ErrorIfExists {
		return nil, errors.Newf("basalt: database %q already exists (error_if_exists is true)", dirname)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// A freshly created manifest is always reused; on reopen the manifest is
	// reused only when the caller opted in and the file is still small.
	if err := d.versions.load(fresh || opts.ReuseLogs); err != nil {
		return nil, err
	}

	// Replay any write-ahead logs the manifest's log number has not
	// retired. The logs replay in file number order, which is commit order.
	ls, err := fs.List(dirname)
	if err != nil {
		return nil, err
	}
	var logNums []base.FileNum
	for _, filename := range ls {
		ft, fn, ok := base.ParseFilename(fs, filename)
		if !ok || ft != base.FileTypeLog {
			continue
		}
		if fn >= d.versions.logNum || fn == d.versions.prevLogNum {
			logNums = append(logNums, fn)
		}
		d.versions.markFileNumUsed(fn)
	}
	slices.Sort(logNums)

	var edit versionEdit
	var maxSeqNum base.SeqNum
	for i, logNum := range logNums {
		last := i == len(logNums)-1
		if err := d.replayWAL(&edit, &maxSeqNum, logNum, last); err != nil {
			return nil, err
		}
	}
	if uint64(maxSeqNum) > d.versions.lastSeqNum.Load() {
		d.versions.lastSeqNum.Store(uint64(maxSeqNum))
	}

	if d.mem == nil {
		// Replay did not hand back a reusable log; start a fresh one.
		logNum := d.versions.newFileNum()
		logFile, err := fs.Create(base.MakeFilepath(fs, dirname, base.FileTypeLog, logNum))
		if err != nil {
			return nil, err
		}
		d.logFile = logFile
		d.logNum = logNum
		d.log = record.NewWriter(logFile)
		d.mem = newMemTable(opts)
	}

	edit.SetLogNum(d.logNum)
	edit.SetPrevLogNum(0)
	if err := d.versions.logAndApply(d.newJobID(), &edit, &d.mu); err != nil {
		return nil, err
	}

	d.fileLock = fileLock
	d.removeObsoleteFiles(d.newJobID())
	d.maybeScheduleCompaction()
	return d, nil
}

// openInfoLog rotates LOG to LOG.old and returns a logger writing to a fresh
// LOG file. Failure degrades to the stderr logger; diagnostics never block an
// open.
func openInfoLog(fs vfs.FS, dirname string) Logger {
	logPath := base.MakeFilepath(fs, dirname, base.FileTypeInfoLog, 0)
	if _, err := fs.Stat(logPath); err == nil {
		fs.Rename(logPath, base.MakeFilepath(fs, dirname, base.FileTypeOldInfoLog, 0))
	}
	f, err := fs.Create(logPath)
	if err != nil {
		return base.DefaultLogger
	}
	return base.NewFileLogger(f)
}

// walReporter forwards WAL damage to the info log and remembers it so that
// paranoid opens can refuse to proceed.
type walReporter struct {
	logger  Logger
	logNum  base.FileNum
	dropped int64
	err     error
}

func (r *walReporter) Corruption(bytes int64, reason error) {
	r.dropped += bytes
	if r.err == nil {
		r.err = reason
	}
	r.logger.Errorf("WAL %s: dropping %d bytes: %s", r.logNum, bytes, reason)
}

// replayWAL replays the write-ahead log into a memtable, flushing to level-0
// tables whenever the memtable fills. If the log is the most recent one and
// log reuse is enabled, the tail memtable and log are kept live instead of
// being flushed.
func (d *DB) replayWAL(edit *versionEdit, maxSeqNum *base.SeqNum, logNum base.FileNum, last bool) error {
	fs := d.opts.FS
	path := base.MakeFilepath(fs, d.dirname, base.FileTypeLog, logNum)
	f, err := fs.Open(path)
	if err != nil {
		return err
	}

	reporter := &walReporter{logger: d.opts.Logger, logNum: logNum}
	rr := record.NewReader(f, reporter)
	var mem *memTable
	var batch Batch

	err = func() error {
		for {
			rec, err := rr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return base.MarkCorruptionError(err)
			}
			if len(rec) < batchHeaderLen {
				reporter.Corruption(int64(len(rec)),
					errors.New("basalt: WAL record is too small"))
				continue
			}
			if err := batch.SetRepr(append([]byte(nil), rec...)); err != nil {
				return err
			}
			seqNum := batch.SeqNum()
			if mem == nil {
				mem = newMemTable(d.opts)
			}
			if err := mem.apply(&batch, seqNum); err != nil {
				return err
			}
			if s := seqNum + base.SeqNum(batch.Count()) - 1; s > *maxSeqNum {
				*maxSeqNum = s
			}

			if mem.approximateMemoryUsage() > uint64(d.opts.WriteBufferSize) {
				meta, err := d.writeLevel0Table(d.newJobID(), mem)
				if err != nil {
					return err
				}
				if meta != nil {
					edit.AddFile(0, meta)
				}
				mem = nil
			}
		}
	}()
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if reporter.dropped > 0 && d.opts.ParanoidChecks {
		return base.MarkCorruptionError(errors.Wrapf(reporter.err,
			"basalt: WAL %s is corrupted (%d bytes dropped)", logNum, reporter.dropped))
	}

	// Keep appending to the final log when reuse is on and it is still
	// small, skipping both the flush and a fresh log file.
	if last && d.opts.ReuseLogs && reporter.dropped == 0 {
		if stat, serr := fs.Stat(path); serr == nil && stat.Size() < d.opts.MaxFileSize {
			logFile, serr := fs.OpenForAppend(path)
			if serr == nil {
				d.logFile = logFile
				d.logNum = logNum
				d.log = record.NewWriterAt(logFile, stat.Size())
				if mem != nil {
					d.mem = mem
				} else {
					d.mem = newMemTable(d.opts)
				}
				return nil
			}
		}
	}

	if mem != nil && !mem.empty() {
		meta, err := d.writeLevel0Table(d.newJobID(), mem)
		if err != nil {
			return err
		}
		if meta != nil {
			edit.AddFile(0, meta)
		}
	}
	return nil
}
