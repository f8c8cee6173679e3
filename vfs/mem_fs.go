// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// NewMem returns a new memory-backed FS implementation. It is safe for
// concurrent use by multiple goroutines, and its contents survive Close so
// that a test can "reopen" a database over the same FS.
func NewMem() FS {
	return &memFS{
		root: newMemDir("/"),
	}
}

type memFS struct {
	mu   sync.Mutex
	root *memNode
}

type memNode struct {
	name     string
	isDir    bool
	children map[string]*memNode
	data     []byte
	modTime  time.Time
	locked   bool
}

func newMemDir(name string) *memNode {
	return &memNode{
		name:     name,
		isDir:    true,
		children: make(map[string]*memNode),
	}
}

// walk walks the directory tree for the fullname, calling f at each step. If
// f returns an error, the walk will be aborted and return that same error.
//
// Each walk is atomic: y's mutex is held for the entire operation, including
// all calls to f.
//
// dir is the directory at that step, frag is the name fragment, and final is
// whether it is the final step. For example, walking "/foo/bar/x" calls f
// with ("foo", false), ("bar", false) and ("x", true).
func (y *memFS) walk(fullname string, f func(dir *memNode, frag string, final bool) error) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	// For memFS, the separator is always "/".
	fullname = path.Clean(strings.ReplaceAll(fullname, string(os.PathSeparator), "/"))
	if !strings.HasPrefix(fullname, "/") {
		fullname = "/" + fullname
	}
	frags := strings.Split(fullname, "/")[1:]
	if fullname == "/" {
		frags = nil
	}

	dir := y.root
	for i, frag := range frags {
		final := i == len(frags)-1
		if err := f(dir, frag, final); err != nil {
			return err
		}
		if !final {
			child := dir.children[frag]
			if child == nil {
				return &os.PathError{Op: "open", Path: fullname, Err: oserror.ErrNotExist}
			}
			if !child.isDir {
				return errors.Errorf("basalt/vfs: not a directory: %q", frag)
			}
			dir = child
		}
	}
	return nil
}

func (y *memFS) Create(name string) (File, error) {
	var ret *memFile
	err := y.walk(name, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("basalt/vfs: empty file name")
			}
			n := &memNode{name: frag, modTime: time.Now()}
			dir.children[frag] = n
			ret = &memFile{n: n, write: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (y *memFS) open(name string, appendMode, create bool) (File, error) {
	var ret *memFile
	err := y.walk(name, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("basalt/vfs: empty file name")
			}
			n := dir.children[frag]
			if n == nil {
				if !create {
					return &os.PathError{Op: "open", Path: name, Err: oserror.ErrNotExist}
				}
				n = &memNode{name: frag, modTime: time.Now()}
				dir.children[frag] = n
			}
			ret = &memFile{n: n, write: appendMode, read: !appendMode}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: oserror.ErrNotExist}
	}
	return ret, nil
}

func (y *memFS) Open(name string) (File, error) {
	return y.open(name, false /* append */, false /* create */)
}

func (y *memFS) OpenForAppend(name string) (File, error) {
	return y.open(name, true /* append */, true /* create */)
}

func (y *memFS) Remove(name string) error {
	return y.walk(name, func(dir *memNode, frag string, final bool) error {
		if final {
			if _, ok := dir.children[frag]; !ok {
				return &os.PathError{Op: "remove", Path: name, Err: oserror.ErrNotExist}
			}
			delete(dir.children, frag)
		}
		return nil
	})
}

func (y *memFS) Rename(oldname, newname string) error {
	var n *memNode
	err := y.walk(oldname, func(dir *memNode, frag string, final bool) error {
		if final {
			n = dir.children[frag]
			delete(dir.children, frag)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n == nil {
		return &os.PathError{Op: "rename", Path: oldname, Err: oserror.ErrNotExist}
	}
	return y.walk(newname, func(dir *memNode, frag string, final bool) error {
		if final {
			n.name = frag
			dir.children[frag] = n
		}
		return nil
	})
}

func (y *memFS) MkdirAll(dir string, _ os.FileMode) error {
	return y.walk(dir, func(dir *memNode, frag string, final bool) error {
		if frag == "" {
			return nil
		}
		child := dir.children[frag]
		if child == nil {
			dir.children[frag] = newMemDir(frag)
			return nil
		}
		if !child.isDir {
			return errors.Errorf("basalt/vfs: not a directory: %q", frag)
		}
		return nil
	})
}

func (y *memFS) Lock(name string) (io.Closer, error) {
	var ret io.Closer
	err := y.walk(name, func(dir *memNode, frag string, final bool) error {
		if final {
			n := dir.children[frag]
			if n == nil {
				n = &memNode{name: frag, modTime: time.Now()}
				dir.children[frag] = n
			}
			if n.locked {
				return errors.Errorf("basalt/vfs: file %q already locked", name)
			}
			n.locked = true
			ret = &memFileLock{y: y, name: name, n: n}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (y *memFS) List(dirname string) ([]string, error) {
	var ret []string
	err := y.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if final {
			var n *memNode
			if frag == "" {
				n = dir
			} else {
				n = dir.children[frag]
			}
			if n == nil {
				return &os.PathError{Op: "open", Path: dirname, Err: oserror.ErrNotExist}
			}
			if !n.isDir {
				return errors.Errorf("basalt/vfs: not a directory: %q", dirname)
			}
			for name := range n.children {
				ret = append(ret, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ret)
	return ret, nil
}

func (y *memFS) Stat(name string) (os.FileInfo, error) {
	f, err := y.Open(name)
	if err != nil {
		if pe, ok := err.(*os.PathError); ok {
			pe.Op = "stat"
		}
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

func (*memFS) PathBase(p string) string {
	// Note that memFS uses forward slashes for its separator, hence the use
	// of path.Base, not filepath.Base.
	return path.Base(p)
}

func (*memFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// memFile is a reader or writer of a node's data.
type memFile struct {
	n           *memNode
	rpos        int
	read, write bool
}

func (f *memFile) Close() error {
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	if !f.read {
		return 0, errors.New("basalt/vfs: file was not opened for reading")
	}
	if f.n.isDir {
		return 0, errors.New("basalt/vfs: cannot read a directory")
	}
	if f.rpos >= len(f.n.data) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[f.rpos:])
	f.rpos += n
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if !f.read {
		return 0, errors.New("basalt/vfs: file was not opened for reading")
	}
	if f.n.isDir {
		return 0, errors.New("basalt/vfs: cannot read a directory")
	}
	if off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.write {
		return 0, errors.New("basalt/vfs: file was not created for writing")
	}
	if f.n.isDir {
		return 0, errors.New("basalt/vfs: cannot write a directory")
	}
	f.n.modTime = time.Now()
	f.n.data = append(f.n.data, p...)
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	return &memFileInfo{
		name:    f.n.name,
		size:    int64(len(f.n.data)),
		modTime: f.n.modTime,
		isDir:   f.n.isDir,
	}, nil
}

func (f *memFile) Sync() error {
	return nil
}

// memFileInfo implements os.FileInfo for a memFile.
type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

func (f *memFileInfo) Name() string       { return f.name }
func (f *memFileInfo) Size() int64        { return f.size }
func (f *memFileInfo) ModTime() time.Time { return f.modTime }
func (f *memFileInfo) IsDir() bool        { return f.isDir }
func (f *memFileInfo) Sys() interface{}   { return nil }

func (f *memFileInfo) Mode() os.FileMode {
	if f.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}

type memFileLock struct {
	y    *memFS
	name string
	n    *memNode
}

func (l *memFileLock) Close() error {
	if l.y == nil {
		return nil
	}
	l.y.mu.Lock()
	l.n.locked = false
	l.y.mu.Unlock()
	l.y = nil
	return nil
}
