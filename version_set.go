// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"bytes"
	"cmp"
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/manifest"
	"github.com/basaltdb/basalt/record"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cockroachdb/errors"
)

type fileMetadata = manifest.FileMetadata
type version = manifest.Version
type versionEdit = manifest.VersionEdit

const numLevels = manifest.NumLevels

// versionSet manages the collection of immutable versions and the mutable
// state shared by them: the file number allocator, the committed sequence
// number, the per-level compaction pointers, and the open manifest.
//
// All fields are guarded by the DB mutex except lastSeqNum, which the read
// path loads without it.
type versionSet struct {
	dirname string
	opts    *Options
	fs      vfs.FS
	ucmp    base.Compare
	icmp    func(a, b base.InternalKey) int

	// versions is the circular list of versions, oldest to newest. current
	// is the newest, and carries the version set's own reference.
	versions manifest.VersionList
	current  *version

	// nextFileNum is the next file number to allocate.
	nextFileNum base.FileNum
	// manifestNum is the file number of the manifest being written.
	// manifestFileNum is the number reserved for the next manifest roll;
	// obsolete-file collection keeps manifests numbered >= manifestNum.
	manifestNum     base.FileNum
	manifestFileNum base.FileNum
	// logNum is the write-ahead log in use; logs numbered below it are
	// obsolete once their memtable has been flushed. prevLogNum is a
	// historical artifact, persisted with every manifest edit.
	logNum     base.FileNum
	prevLogNum base.FileNum

	// lastSeqNum is an upper bound on the sequence numbers that have been
	// committed.
	lastSeqNum atomic.Uint64

	// compactPointer[level] is the encoded internal key at which the next
	// compaction of the level should start, rotating compactions through the
	// level's key space. Empty means start at the beginning.
	compactPointer [numLevels][]byte

	manifestFile vfs.File
	manifest     *record.Writer

	// writing is set while a manifest edit is in flight; at most one may be.
	writing bool
}

func (vs *versionSet) init(dirname string, opts *Options) {
	vs.dirname = dirname
	vs.opts = opts
	vs.fs = opts.FS
	vs.ucmp = opts.Comparer.Compare
	vs.icmp = func(a, b base.InternalKey) int {
		return base.InternalCompare(vs.ucmp, a, b)
	}
	vs.versions.Init()
	vs.nextFileNum = 1
}

// create initializes a fresh database directory: a manifest holding a single
// snapshot record, published through CURRENT.
func (vs *versionSet) create() error {
	manifestNum := vs.newFileNum()
	var edit versionEdit
	edit.ComparerName = vs.opts.Comparer.Name
	edit.SetNextFileNum(vs.nextFileNum)
	edit.SetLastSeqNum(0)
	edit.SetLogNum(0)

	path := base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, manifestNum)
	f, err := vs.fs.Create(path)
	if err != nil {
		return err
	}
	w := record.NewWriter(f)
	var buf bytes.Buffer
	if err := edit.Encode(&buf); err == nil {
		err = w.WriteRecord(buf.Bytes())
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		vs.fs.Remove(path)
		return err
	}
	return setCurrentFile(vs.dirname, vs.fs, manifestNum)
}

// load recovers the version set from CURRENT and the manifest it names.
// reuseManifest keeps appending to the recovered manifest if it is still
// small; otherwise the first applied edit rolls a new one.
func (vs *versionSet) load(reuseManifest bool) error {
	// Read the CURRENT file to find the current manifest file.
	currentPath := base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeCurrent, 0)
	current, err := vs.fs.Open(currentPath)
	if err != nil {
		return errors.Wrapf(err, "basalt: could not open CURRENT file for DB %q", vs.dirname)
	}
	b, err := io.ReadAll(current)
	if cerr := current.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n := len(b); n == 0 || b[n-1] != '\n' {
		return base.CorruptionErrorf("basalt: CURRENT file for DB %q is malformed", vs.dirname)
	}
	manifestName := string(b[:len(b)-1])
	_, manifestNum, ok := base.ParseFilename(vs.fs, manifestName)
	if !ok {
		return base.CorruptionErrorf("basalt: CURRENT file for DB %q names invalid manifest %q",
			vs.dirname, manifestName)
	}

	// Replay the version edits in the manifest file.
	manifestPath := vs.fs.PathJoin(vs.dirname, manifestName)
	mf, err := vs.fs.Open(manifestPath)
	if err != nil {
		return errors.Wrapf(err, "basalt: could not open manifest file %q for DB %q",
			manifestName, vs.dirname)
	}
	defer mf.Close()

	var bve bulkVersionEdit
	var haveLogNum, haveNextFileNum, haveLastSeqNum bool
	var reporter manifestCorruptionReporter
	rr := record.NewReader(mf, &reporter)
	for {
		rec, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return base.MarkCorruptionError(err)
		}
		var edit versionEdit
		if err := edit.Decode(bytes.NewReader(rec)); err != nil {
			return err
		}
		if edit.ComparerName != "" && edit.ComparerName != vs.opts.Comparer.Name {
			return errors.Newf(
				"basalt: manifest comparer name %q does not match Options.Comparer name %q",
				errors.Safe(edit.ComparerName), errors.Safe(vs.opts.Comparer.Name))
		}
		bve.apply(vs, &edit)
		if edit.HasLogNum {
			vs.logNum = edit.LogNum
			haveLogNum = true
		}
		if edit.HasPrevLogNum {
			vs.prevLogNum = edit.PrevLogNum
		}
		if edit.HasNextFileNum {
			vs.nextFileNum = edit.NextFileNum
			haveNextFileNum = true
		}
		if edit.HasLastSeqNum {
			vs.lastSeqNum.Store(uint64(edit.LastSeqNum))
			haveLastSeqNum = true
		}
	}
	if reporter.err != nil {
		return reporter.err
	}
	if !haveNextFileNum || !haveLogNum || !haveLastSeqNum {
		return base.CorruptionErrorf("basalt: manifest %q is missing required records", manifestName)
	}

	v, err := bve.saveTo(vs, nil)
	if err != nil {
		return err
	}
	vs.finalize(v)
	vs.append(v)

	vs.manifestNum = manifestNum
	vs.markFileNumUsed(manifestNum)
	vs.markFileNumUsed(vs.logNum)
	vs.markFileNumUsed(vs.prevLogNum)
	// Reserve the number the manifest will roll to.
	vs.manifestFileNum = vs.newFileNum()

	if reuseManifest {
		stat, err := vs.fs.Stat(manifestPath)
		if err == nil && stat.Size() < vs.opts.MaxFileSize {
			f, err := vs.fs.OpenForAppend(manifestPath)
			if err == nil {
				vs.manifestFile = f
				vs.manifest = record.NewWriterAt(f, stat.Size())
			}
		}
	}
	return nil
}

// manifestCorruptionReporter records damage seen while replaying a manifest.
// Unlike the write-ahead log, a damaged manifest always fails recovery.
type manifestCorruptionReporter struct {
	err error
}

func (r *manifestCorruptionReporter) Corruption(n int64, reason error) {
	if r.err == nil {
		r.err = base.MarkCorruptionError(
			errors.Wrapf(reason, "basalt: corrupt manifest (%d bytes dropped)", n))
	}
}

// newFileNum allocates and returns a new file number.
func (vs *versionSet) newFileNum() base.FileNum {
	n := vs.nextFileNum
	vs.nextFileNum++
	return n
}

// markFileNumUsed advances the allocator past an externally observed number.
func (vs *versionSet) markFileNumUsed(n base.FileNum) {
	if vs.nextFileNum <= n {
		vs.nextFileNum = n + 1
	}
}

func (vs *versionSet) currentVersion() *version {
	return vs.current
}

// append installs v as the current version.
func (vs *versionSet) append(v *version) {
	vs.versions.PushBack(v)
	v.Ref()
	if vs.current != nil {
		vs.current.Unref()
	}
	vs.current = v
}

// logAndApply applies the edit to the current version and commits it to the
// manifest: the durable point of every flush, compaction and log rotation.
//
// The DB mutex must be held. It is released around the manifest I/O and
// reacquired before the new version is installed, so readers keep seeing the
// last committed version while the edit is in flight. At most one edit may be
// in flight; the single background goroutine and the serial open path
// guarantee it, and the writing flag enforces it.
func (vs *versionSet) logAndApply(jobID int, edit *versionEdit, mu locker) error {
	if vs.writing {
		panic("basalt: manifest edit already in flight")
	}
	vs.writing = true
	defer func() { vs.writing = false }()

	if edit.HasLogNum {
		if edit.LogNum < vs.logNum || edit.LogNum >= vs.nextFileNum {
			panic(fmt.Sprintf("basalt: inconsistent versionEdit logNum %d", edit.LogNum))
		}
	} else {
		edit.SetLogNum(vs.logNum)
	}
	if !edit.HasPrevLogNum {
		edit.SetPrevLogNum(vs.prevLogNum)
	}
	edit.SetNextFileNum(vs.nextFileNum)
	edit.SetLastSeqNum(base.SeqNum(vs.lastSeqNum.Load()))

	var bve bulkVersionEdit
	bve.apply(vs, edit)
	newVersion, err := bve.saveTo(vs, vs.currentVersion())
	if err != nil {
		return err
	}
	vs.finalize(newVersion)

	newManifest := vs.manifest == nil
	manifestNum := vs.manifestNum
	if newManifest {
		manifestNum = vs.manifestFileNum
	}

	// Release the mutex for the file I/O: encoding, the optional snapshot for
	// a fresh manifest, the record append, and the sync.
	mu.Unlock()
	err = func() error {
		if newManifest {
			if err := vs.createManifest(manifestNum); err != nil {
				return err
			}
		}
		var buf bytes.Buffer
		if err := edit.Encode(&buf); err != nil {
			return err
		}
		if err := vs.manifest.WriteRecord(buf.Bytes()); err != nil {
			return err
		}
		if err := vs.manifestFile.Sync(); err != nil {
			return err
		}
		if newManifest {
			if err := setCurrentFile(vs.dirname, vs.fs, manifestNum); err != nil {
				return err
			}
			vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
				JobID:   jobID,
				FileNum: manifestNum,
			})
		}
		return nil
	}()
	mu.Lock()

	if err != nil {
		// Leave the previous version current. A freshly created manifest is
		// unusable; unlink it so a later open does not trip over it.
		if newManifest && vs.manifest != nil {
			vs.manifest = nil
			vs.manifestFile.Close()
			vs.manifestFile = nil
			vs.fs.Remove(base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, manifestNum))
		}
		return err
	}

	if newManifest {
		vs.manifestNum = manifestNum
	}
	vs.append(newVersion)
	vs.logNum = edit.LogNum
	vs.prevLogNum = edit.PrevLogNum
	return nil
}

// createManifest opens a fresh manifest and writes a snapshot of the current
// state as its first record.
func (vs *versionSet) createManifest(fileNum base.FileNum) error {
	path := base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, fileNum)
	f, err := vs.fs.Create(path)
	if err != nil {
		return err
	}

	var snapshot versionEdit
	snapshot.ComparerName = vs.opts.Comparer.Name
	for level, ptr := range vs.compactPointer {
		if len(ptr) == 0 {
			continue
		}
		snapshot.CompactPointers = append(snapshot.CompactPointers, manifest.CompactPointerEntry{
			Level: level,
			Key:   base.DecodeInternalKey(ptr),
		})
	}
	cur := vs.currentVersion()
	if cur != nil {
		for level, files := range cur.Files {
			for _, meta := range files {
				snapshot.AddFile(level, meta)
			}
		}
	}

	w := record.NewWriter(f)
	var buf bytes.Buffer
	if err := snapshot.Encode(&buf); err == nil {
		err = w.WriteRecord(buf.Bytes())
	}
	if err != nil {
		f.Close()
		vs.fs.Remove(path)
		return err
	}
	vs.manifestFile = f
	vs.manifest = w
	return nil
}

// finalize computes the level most in need of compaction and its score.
func (vs *versionSet) finalize(v *version) {
	bestLevel := -1
	bestScore := -1.0
	for level := 0; level < numLevels-1; level++ {
		var score float64
		if level == 0 {
			// Level 0 is sized in files rather than bytes: with a large
			// write buffer it is wasteful to compact it eagerly, and with a
			// small one every read merges all of its files, so the file
			// count is what matters either way.
			score = float64(len(v.Files[0])) / l0CompactionTrigger
		} else {
			score = float64(manifest.TotalSize(v.Files[level])) / maxBytesForLevel(level)
		}
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}
	v.CompactionLevel = bestLevel
	v.CompactionScore = bestScore
}

// addLiveFiles adds every file referenced by any version to the map.
func (vs *versionSet) addLiveFiles(m map[base.FileNum]struct{}) {
	vs.versions.Iterate(func(v *version) {
		for _, files := range v.Files {
			for _, f := range files {
				m[f.FileNum] = struct{}{}
			}
		}
	})
}

// locker is the subset of sync.Mutex logAndApply needs, letting tests
// substitute an instrumented mutex.
type locker interface {
	Lock()
	Unlock()
}

// setCurrentFile atomically publishes the manifest name: the name is written
// to a temp file which is renamed over CURRENT.
func setCurrentFile(dirname string, fs vfs.FS, manifestNum base.FileNum) error {
	newFilename := base.MakeFilepath(fs, dirname, base.FileTypeCurrent, 0)
	tmpFilename := base.MakeFilepath(fs, dirname, base.FileTypeTemp, manifestNum)
	fs.Remove(tmpFilename)
	f, err := fs.Create(tmpFilename)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\n", base.MakeFilename(base.FileTypeManifest, manifestNum)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(tmpFilename, newFilename)
}

// bulkVersionEdit accumulates the effect of one or more version edits: the
// files they add and delete per level. Compaction pointers apply directly to
// the version set as edits arrive.
type bulkVersionEdit struct {
	added   [numLevels][]*fileMetadata
	deleted [numLevels]map[base.FileNum]bool
}

func (b *bulkVersionEdit) apply(vs *versionSet, edit *versionEdit) {
	for _, cp := range edit.CompactPointers {
		key := make([]byte, cp.Key.Size())
		cp.Key.Encode(key)
		vs.compactPointer[cp.Level] = key
	}
	for df := range edit.DeletedFiles {
		if b.deleted[df.Level] == nil {
			b.deleted[df.Level] = make(map[base.FileNum]bool)
		}
		b.deleted[df.Level][df.FileNum] = true
	}
	for _, nf := range edit.NewFiles {
		// A file deleted and re-added by the accumulated edits is live; this
		// happens when a builder replays a whole manifest.
		if b.deleted[nf.Level] != nil {
			delete(b.deleted[nf.Level], nf.Meta.FileNum)
		}
		nf.Meta.InitAllowedSeeks()
		b.added[nf.Level] = append(b.added[nf.Level], nf.Meta)
	}
}

// saveTo applies the accumulated delta to the base version (which may be nil)
// and returns the resulting version, verifying its ordering invariants.
func (b *bulkVersionEdit) saveTo(vs *versionSet, base_ *version) (*version, error) {
	v := &version{}
	for level := 0; level < numLevels; level++ {
		var baseFiles []*fileMetadata
		if base_ != nil {
			baseFiles = base_.Files[level]
		}
		n := len(baseFiles) + len(b.added[level])
		if n == 0 {
			continue
		}
		files := make([]*fileMetadata, 0, n)
		for _, f := range baseFiles {
			if b.deleted[level][f.FileNum] {
				continue
			}
			files = append(files, f)
		}
		for _, f := range b.added[level] {
			if b.deleted[level][f.FileNum] {
				continue
			}
			files = append(files, f)
		}
		if level == 0 {
			// Level-0 tables are ordered oldest first: increasing file
			// number is increasing data freshness.
			slices.SortFunc(files, func(a, b *fileMetadata) int {
				return cmp.Compare(a.FileNum, b.FileNum)
			})
		} else {
			slices.SortFunc(files, func(a, b *fileMetadata) int {
				return vs.icmp(a.Smallest, b.Smallest)
			})
		}
		v.Files[level] = files
	}
	if err := v.CheckOrdering(vs.icmp); err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	return v, nil
}
