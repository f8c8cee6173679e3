// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/basaltdb/basalt/vfs"
	"github.com/cockroachdb/redact"
)

// FileNum is an internal DB identifier for a file. File numbers are allocated
// from a single counter in the version set and are never reused.
type FileNum uint64

// String implements fmt.Stringer.
func (fn FileNum) String() string { return fmt.Sprintf("%06d", uint64(fn)) }

// SafeFormat implements redact.SafeFormatter.
func (fn FileNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%06d", redact.SafeUint(uint64(fn)))
}

// FileType enumerates the types of files found in a DB directory.
type FileType int

// The FileType enumeration.
const (
	FileTypeLog FileType = iota
	FileTypeLock
	FileTypeTable
	FileTypeManifest
	FileTypeCurrent
	FileTypeTemp
	FileTypeInfoLog
	FileTypeOldInfoLog
)

// MakeFilename builds a filename from components.
func MakeFilename(fileType FileType, fileNum FileNum) string {
	switch fileType {
	case FileTypeLog:
		return fmt.Sprintf("%s.log", fileNum)
	case FileTypeLock:
		return "LOCK"
	case FileTypeTable:
		return fmt.Sprintf("%s.ldb", fileNum)
	case FileTypeManifest:
		return fmt.Sprintf("MANIFEST-%s", fileNum)
	case FileTypeCurrent:
		return "CURRENT"
	case FileTypeTemp:
		return fmt.Sprintf("%s.dbtmp", fileNum)
	case FileTypeInfoLog:
		return "LOG"
	case FileTypeOldInfoLog:
		return "LOG.old"
	}
	panic("unreachable")
}

// MakeFilepath builds a filepath from components.
func MakeFilepath(fs vfs.FS, dirname string, fileType FileType, fileNum FileNum) string {
	return fs.PathJoin(dirname, MakeFilename(fileType, fileNum))
}

// ParseFilename parses the components from a filename. Unknown names return
// ok==false; directory scans ignore them.
func ParseFilename(fs vfs.FS, filename string) (fileType FileType, fileNum FileNum, ok bool) {
	filename = fs.PathBase(filename)
	switch {
	case filename == "CURRENT":
		return FileTypeCurrent, 0, true
	case filename == "LOCK":
		return FileTypeLock, 0, true
	case filename == "LOG":
		return FileTypeInfoLog, 0, true
	case filename == "LOG.old":
		return FileTypeOldInfoLog, 0, true
	case strings.HasPrefix(filename, "MANIFEST-"):
		fileNum, ok = parseFileNum(filename[len("MANIFEST-"):])
		if !ok {
			break
		}
		return FileTypeManifest, fileNum, true
	default:
		i := strings.IndexByte(filename, '.')
		if i < 0 {
			break
		}
		fileNum, ok = parseFileNum(filename[:i])
		if !ok {
			break
		}
		switch filename[i+1:] {
		case "log":
			return FileTypeLog, fileNum, true
		case "ldb":
			return FileTypeTable, fileNum, true
		case "dbtmp":
			return FileTypeTemp, fileNum, true
		}
	}
	return 0, fileNum, false
}

// parseFileNum parses the provided string as a file number.
func parseFileNum(s string) (fileNum FileNum, ok bool) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fileNum, false
	}
	return FileNum(u), true
}
