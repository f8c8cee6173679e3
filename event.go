// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/redact"
)

// FlushInfo contains the info for a flush event.
type FlushInfo struct {
	// JobID is the ID of the flush job.
	JobID int
	// Output is the metadata of the table produced, if any. A memtable that
	// held only overwritten state may flush to nothing.
	Output *fileInfo
	// Err is any error encountered during the flush.
	Err error
}

type fileInfo struct {
	FileNum base.FileNum
	Size    uint64
}

// SafeFormat implements redact.SafeFormatter.
func (i FlushInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[JOB %d] flush error: %s", redact.Safe(i.JobID), i.Err)
		return
	}
	if i.Output == nil {
		w.Printf("[JOB %d] flushed memtable to no output", redact.Safe(i.JobID))
		return
	}
	w.Printf("[JOB %d] flushed memtable to L0 table %s (%d bytes)",
		redact.Safe(i.JobID), i.Output.FileNum, redact.Safe(i.Output.Size))
}

func (i FlushInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// CompactionInfo contains the info for a compaction event.
type CompactionInfo struct {
	// JobID is the ID of the compaction job.
	JobID int
	// Level is the level being compacted; inputs from Level and Level+1
	// merge into outputs at Level+1.
	Level int
	// Moved is true if the compaction was a trivial move of a single table.
	Moved bool
	// Inputs is the per-level count of input tables.
	Inputs [2]int
	// Outputs is the number of tables produced.
	Outputs int
	// Err is any error encountered during the compaction.
	Err error
}

// SafeFormat implements redact.SafeFormatter.
func (i CompactionInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[JOB %d] compaction error: %s", redact.Safe(i.JobID), i.Err)
		return
	}
	if i.Moved {
		w.Printf("[JOB %d] moved 1 table from L%d to L%d",
			redact.Safe(i.JobID), redact.Safe(i.Level), redact.Safe(i.Level+1))
		return
	}
	w.Printf("[JOB %d] compacted L%d (%d tables) + L%d (%d tables) -> %d tables",
		redact.Safe(i.JobID), redact.Safe(i.Level), redact.Safe(i.Inputs[0]),
		redact.Safe(i.Level+1), redact.Safe(i.Inputs[1]), redact.Safe(i.Outputs))
}

func (i CompactionInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// WALCreateInfo contains info about a write-ahead log creation event.
type WALCreateInfo struct {
	JobID   int
	FileNum base.FileNum
}

// SafeFormat implements redact.SafeFormatter.
func (i WALCreateInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[JOB %d] WAL created %s", redact.Safe(i.JobID), i.FileNum)
}

func (i WALCreateInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// ManifestCreateInfo contains info about a manifest creation event.
type ManifestCreateInfo struct {
	JobID   int
	FileNum base.FileNum
}

// SafeFormat implements redact.SafeFormatter.
func (i ManifestCreateInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[JOB %d] MANIFEST created %s", redact.Safe(i.JobID), i.FileNum)
}

func (i ManifestCreateInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// TableDeleteInfo contains the info for a table deletion event.
type TableDeleteInfo struct {
	JobID   int
	FileNum base.FileNum
}

// SafeFormat implements redact.SafeFormatter.
func (i TableDeleteInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[JOB %d] table deleted %s", redact.Safe(i.JobID), i.FileNum)
}

func (i TableDeleteInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// WriteStallBeginInfo contains the info for a write stall begin event.
type WriteStallBeginInfo struct {
	Reason string
}

// SafeFormat implements redact.SafeFormatter.
func (i WriteStallBeginInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("write stall beginning: %s", redact.Safe(i.Reason))
}

func (i WriteStallBeginInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// EventListener contains a set of functions that will be invoked when various
// significant store events occur. Note that the functions should not run for
// an excessive amount of time as they are invoked synchronously by the store
// and may block continued operation.
type EventListener struct {
	// BackgroundError is invoked whenever an error occurs during a
	// background operation such as flush or compaction. The error is sticky:
	// subsequent writes fail with it until the store is reopened.
	BackgroundError func(error)

	// FlushEnd is invoked after a memtable flush has completed.
	FlushEnd func(FlushInfo)

	// CompactionEnd is invoked after a compaction has completed.
	CompactionEnd func(CompactionInfo)

	// ManifestCreated is invoked after a manifest has been created.
	ManifestCreated func(ManifestCreateInfo)

	// TableDeleted is invoked after an obsolete table has been deleted.
	TableDeleted func(TableDeleteInfo)

	// WALCreated is invoked after a write-ahead log has been created.
	WALCreated func(WALCreateInfo)

	// WriteStallBegin is invoked when writes are intentionally delayed or
	// stopped due to a level-0 backlog or an unflushed memtable.
	WriteStallBegin func(WriteStallBeginInfo)

	// WriteStallEnd is invoked when delayed or stopped writes resume.
	WriteStallEnd func()
}

// EnsureDefaults fills every unspecified handler with a no-op. Background
// errors are therefore not logged unless a BackgroundError handler is set
// (MakeLoggingEventListener sets one).
func (l *EventListener) EnsureDefaults() {
	if l.BackgroundError == nil {
		l.BackgroundError = func(error) {}
	}
	if l.FlushEnd == nil {
		l.FlushEnd = func(FlushInfo) {}
	}
	if l.CompactionEnd == nil {
		l.CompactionEnd = func(CompactionInfo) {}
	}
	if l.ManifestCreated == nil {
		l.ManifestCreated = func(ManifestCreateInfo) {}
	}
	if l.TableDeleted == nil {
		l.TableDeleted = func(TableDeleteInfo) {}
	}
	if l.WALCreated == nil {
		l.WALCreated = func(WALCreateInfo) {}
	}
	if l.WriteStallBegin == nil {
		l.WriteStallBegin = func(WriteStallBeginInfo) {}
	}
	if l.WriteStallEnd == nil {
		l.WriteStallEnd = func() {}
	}
}

// MakeLoggingEventListener creates an EventListener that logs all events to
// the specified logger.
func MakeLoggingEventListener(logger Logger) EventListener {
	if logger == nil {
		logger = base.DefaultLogger
	}
	return EventListener{
		BackgroundError: func(err error) {
			logger.Errorf("background error: %s", err)
		},
		FlushEnd: func(info FlushInfo) {
			logger.Infof("%s", info)
		},
		CompactionEnd: func(info CompactionInfo) {
			logger.Infof("%s", info)
		},
		ManifestCreated: func(info ManifestCreateInfo) {
			logger.Infof("%s", info)
		},
		TableDeleted: func(info TableDeleteInfo) {
			logger.Infof("%s", info)
		},
		WALCreated: func(info WALCreateInfo) {
			logger.Infof("%s", info)
		},
		WriteStallBegin: func(info WriteStallBeginInfo) {
			logger.Infof("%s", info)
		},
		WriteStallEnd: func() {
			logger.Infof("write stall ending")
		},
	}
}
