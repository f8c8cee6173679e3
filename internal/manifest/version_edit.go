// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package manifest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/errors"
)

// Tags for the versionEdit disk format. Tag 8 is no longer used.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

// CompactPointerEntry records the key at which the next compaction of a level
// should start.
type CompactPointerEntry struct {
	Level int
	Key   base.InternalKey
}

// DeletedFileEntry holds an entry from a VersionEdit's deleted files list.
type DeletedFileEntry struct {
	Level   int
	FileNum base.FileNum
}

// NewFileEntry holds an entry from a VersionEdit's new files list.
type NewFileEntry struct {
	Level int
	Meta  *FileMetadata
}

// VersionEdit holds the state for a single, logged version delta: the
// difference between one version of the level→files layout and the next.
type VersionEdit struct {
	// ComparerName is the value of Options.Comparer.Name. This is only set
	// in the first record of a manifest (and, for fidelity, whenever the
	// comparer changes, which never happens in practice).
	ComparerName string

	// LogNum is the latest write-ahead log that has not yet been flushed;
	// logs with smaller numbers are obsolete once the edit commits.
	LogNum base.FileNum
	// PrevLogNum is a historical artifact of two-phase memtable flushing.
	// It is written whenever HasPrevLogNum is set, zero included, and read
	// for compatibility.
	PrevLogNum base.FileNum
	// NextFileNum is the next file number that will be allocated.
	NextFileNum base.FileNum
	// LastSeqNum is an upper bound on the sequence numbers committed so far.
	LastSeqNum base.SeqNum

	CompactPointers []CompactPointerEntry
	DeletedFiles    map[DeletedFileEntry]bool
	NewFiles        []NewFileEntry

	// The scalar fields above are optional on disk; these record which were
	// present when decoding.
	HasLogNum      bool
	HasPrevLogNum  bool
	HasNextFileNum bool
	HasLastSeqNum  bool
}

// SetLogNum records the write-ahead log number.
func (v *VersionEdit) SetLogNum(num base.FileNum) {
	v.LogNum = num
	v.HasLogNum = true
}

// SetPrevLogNum records the previous write-ahead log number.
func (v *VersionEdit) SetPrevLogNum(num base.FileNum) {
	v.PrevLogNum = num
	v.HasPrevLogNum = true
}

// SetNextFileNum records the next unallocated file number.
func (v *VersionEdit) SetNextFileNum(num base.FileNum) {
	v.NextFileNum = num
	v.HasNextFileNum = true
}

// SetLastSeqNum records the upper bound on committed sequence numbers.
func (v *VersionEdit) SetLastSeqNum(num base.SeqNum) {
	v.LastSeqNum = num
	v.HasLastSeqNum = true
}

// AddFile adds the file to the edit at the given level.
func (v *VersionEdit) AddFile(level int, meta *FileMetadata) {
	v.NewFiles = append(v.NewFiles, NewFileEntry{Level: level, Meta: meta})
}

// DeleteFile marks the file as deleted at the given level.
func (v *VersionEdit) DeleteFile(level int, fileNum base.FileNum) {
	if v.DeletedFiles == nil {
		v.DeletedFiles = make(map[DeletedFileEntry]bool)
	}
	v.DeletedFiles[DeletedFileEntry{Level: level, FileNum: fileNum}] = true
}

// Decode decodes an edit from the specified reader.
func (v *VersionEdit) Decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := versionEditDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errCorruptManifest("tag")
		}
		switch tag {
		case tagComparator:
			s, err := d.readBytes("comparator name")
			if err != nil {
				return err
			}
			v.ComparerName = string(s)

		case tagLogNumber:
			n, err := d.readFileNum("log number")
			if err != nil {
				return err
			}
			v.LogNum = n
			v.HasLogNum = true

		case tagNextFileNumber:
			n, err := d.readFileNum("next file number")
			if err != nil {
				return err
			}
			v.NextFileNum = n
			v.HasNextFileNum = true

		case tagLastSequence:
			n, err := d.readUvarint("last sequence")
			if err != nil {
				return err
			}
			v.LastSeqNum = base.SeqNum(n)
			v.HasLastSeqNum = true

		case tagCompactPointer:
			level, err := d.readLevel("compact pointer level")
			if err != nil {
				return err
			}
			key, err := d.readBytes("compact pointer key")
			if err != nil {
				return err
			}
			v.CompactPointers = append(v.CompactPointers, CompactPointerEntry{
				Level: level,
				Key:   base.DecodeInternalKey(key),
			})

		case tagDeletedFile:
			level, err := d.readLevel("deleted file level")
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum("deleted file number")
			if err != nil {
				return err
			}
			v.DeleteFile(level, fileNum)

		case tagNewFile:
			level, err := d.readLevel("new file level")
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum("new file number")
			if err != nil {
				return err
			}
			size, err := d.readUvarint("new file size")
			if err != nil {
				return err
			}
			smallest, err := d.readBytes("new file smallest key")
			if err != nil {
				return err
			}
			largest, err := d.readBytes("new file largest key")
			if err != nil {
				return err
			}
			v.NewFiles = append(v.NewFiles, NewFileEntry{
				Level: level,
				Meta: &FileMetadata{
					FileNum:  fileNum,
					Size:     size,
					Smallest: base.DecodeInternalKey(smallest),
					Largest:  base.DecodeInternalKey(largest),
				},
			})

		case tagPrevLogNumber:
			n, err := d.readFileNum("prev log number")
			if err != nil {
				return err
			}
			v.PrevLogNum = n
			v.HasPrevLogNum = true

		default:
			return errCorruptManifest("tag")
		}
	}
	return nil
}

// Encode encodes an edit to the specified writer.
func (v *VersionEdit) Encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.ComparerName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.ComparerName)
	}
	if v.HasLogNum {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(uint64(v.LogNum))
	}
	if v.HasPrevLogNum {
		e.writeUvarint(tagPrevLogNumber)
		e.writeUvarint(uint64(v.PrevLogNum))
	}
	if v.HasNextFileNum {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(uint64(v.NextFileNum))
	}
	if v.HasLastSeqNum {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(uint64(v.LastSeqNum))
	}
	for _, x := range v.CompactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeUvarint(uint64(x.Level))
		e.writeKey(x.Key)
	}
	for x := range v.DeletedFiles {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.FileNum))
	}
	for _, x := range v.NewFiles {
		e.writeUvarint(tagNewFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.Meta.FileNum))
		e.writeUvarint(x.Meta.Size)
		e.writeKey(x.Meta.Smallest)
		e.writeKey(x.Meta.Largest)
	}
	_, err := w.Write(e.Bytes())
	return err
}

func errCorruptManifest(field string) error {
	return base.CorruptionErrorf("basalt: corrupt manifest: %s", errors.Safe(field))
}

type byteReader interface {
	io.ByteReader
	io.Reader
}

type versionEditDecoder struct {
	byteReader
}

func (d versionEditDecoder) readBytes(field string) ([]byte, error) {
	n, err := d.readUvarint(field)
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	_, err = io.ReadFull(d, s)
	if err != nil {
		return nil, errCorruptManifest(field)
	}
	return s, nil
}

func (d versionEditDecoder) readLevel(field string) (int, error) {
	u, err := d.readUvarint(field)
	if err != nil {
		return 0, err
	}
	if u >= NumLevels {
		return 0, errCorruptManifest(field)
	}
	return int(u), nil
}

func (d versionEditDecoder) readFileNum(field string) (base.FileNum, error) {
	u, err := d.readUvarint(field)
	if err != nil {
		return 0, err
	}
	return base.FileNum(u), nil
}

func (d versionEditDecoder) readUvarint(field string) (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		return 0, errCorruptManifest(field)
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e versionEditEncoder) writeKey(k base.InternalKey) {
	e.writeUvarint(uint64(k.Size()))
	e.Write(k.UserKey)
	buf := k.EncodeTrailer()
	e.Write(buf[:])
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}
