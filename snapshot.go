// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/errors"
)

// Snapshot is a read-only view of the store at a fixed point in the sequence
// number history. Entries written after the snapshot was taken are invisible
// to reads through it. Compactions retain any entry visible to an open
// snapshot, so long-lived snapshots hold space; close them when done.
type Snapshot struct {
	db     *DB
	seqNum base.SeqNum
}

// NewSnapshot returns a point-in-time view of the current state.
func (d *DB) NewSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Snapshot{
		db:     d,
		seqNum: base.SeqNum(d.versions.lastSeqNum.Load()),
	}
	d.snapshots.add(s)
	return s
}

// Get gets the value for the given key as of the snapshot. It returns
// ErrNotFound if the snapshot does not contain the key.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if s.db == nil {
		return nil, errors.New("basalt: snapshot is closed")
	}
	return s.db.getInternal(key, s.seqNum)
}

// Close releases the snapshot, allowing compactions to drop the history it
// pinned.
func (s *Snapshot) Close() error {
	if s.db == nil {
		return errors.New("basalt: snapshot is closed")
	}
	s.db.mu.Lock()
	s.db.snapshots.remove(s)
	s.db.mu.Unlock()
	s.db = nil
	return nil
}

// snapshotList tracks the open snapshots, guarded by the DB mutex. The list
// is short-lived and unordered; the compactor only needs its minimum.
type snapshotList struct {
	snapshots []*Snapshot
}

func (l *snapshotList) add(s *Snapshot) {
	l.snapshots = append(l.snapshots, s)
}

func (l *snapshotList) remove(s *Snapshot) {
	for i, x := range l.snapshots {
		if x == s {
			n := len(l.snapshots)
			l.snapshots[i] = l.snapshots[n-1]
			l.snapshots = l.snapshots[:n-1]
			return
		}
	}
}

// earliest returns the smallest sequence number pinned by an open snapshot,
// or zero if none are open.
func (l *snapshotList) earliest() base.SeqNum {
	var min base.SeqNum
	for i, s := range l.snapshots {
		if i == 0 || s.seqNum < min {
			min = s.seqNum
		}
	}
	return min
}
