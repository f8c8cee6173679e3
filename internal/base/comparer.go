// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "bytes"

// Compare returns -1, 0, or +1 depending on whether a is 'less than', 'equal
// to' or 'greater than' b. The empty slice must be 'less than' any non-empty
// slice. Compare is used to compare user keys.
type Compare func(a, b []byte) int

// Equal returns true if a and b are equivalent. For a given Compare,
// Equal(a,b) must equal Compare(a,b)==0.
type Equal func(a, b []byte) bool

// Separator is used to construct SSTable index blocks. A trivial
// implementation is `return append(dst, a...)`, but appending fewer bytes
// leads to smaller SSTables.
//
// Given keys a, b for which Compare(a, b) < 0, Separator returns a key k such
// that Compare(a, k) <= 0 and Compare(k, b) < 0. The key k is appended to
// dst.
type Separator func(dst, a, b []byte) []byte

// Successor appends to dst a key k such that Compare(a, k) <= 0 where a is a
// prefix of existing keys. A trivial implementation is
// `return append(dst, a...)`.
type Successor func(dst, a []byte) []byte

// Comparer defines a total ordering over the space of []byte keys: a 'less
// than' relationship, plus the helpers used by the SSTable index block to
// shorten the keys it stores.
type Comparer struct {
	Compare   Compare
	Equal     Equal
	Separator Separator
	Successor Successor

	// Name is the name of the comparer.
	//
	// The on-disk format stores the comparer name, and opening a database
	// with a different comparer from the one it was created with will fail.
	Name string
}

// EnsureDefaults ensures that all of the fields are set.
func (c *Comparer) EnsureDefaults() *Comparer {
	if c.Compare == nil || c.Name == "" {
		panic("basalt: comparer requires Compare and Name")
	}
	if c.Equal != nil && c.Separator != nil && c.Successor != nil {
		return c
	}
	n := &Comparer{}
	*n = *c
	if n.Equal == nil {
		cmp := n.Compare
		n.Equal = func(a, b []byte) bool { return cmp(a, b) == 0 }
	}
	if n.Separator == nil {
		n.Separator = func(dst, a, b []byte) []byte { return append(dst, a...) }
	}
	if n.Successor == nil {
		n.Successor = func(dst, a []byte) []byte { return append(dst, a...) }
	}
	return n
}

// DefaultComparer is the default comparer. It uses the natural ordering for
// byte strings. Its name is stored in the manifest and is part of the on-disk
// format, so it carries the format's canonical bytewise comparator name.
var DefaultComparer = &Comparer{
	Compare: bytes.Compare,
	Equal:   bytes.Equal,

	Separator: func(dst, a, b []byte) []byte {
		i, n := SharedPrefixLen(a, b), len(dst)
		dst = append(dst, a...)
		if len(b) > 0 && i < len(a) && i < len(b) {
			if c := dst[n+i]; c < 0xff && c+1 < b[i] {
				dst[n+i]++
				return dst[:n+i+1]
			}
		}
		return dst
	},

	Successor: func(dst, a []byte) []byte {
		for i := 0; i < len(a); i++ {
			if a[i] != 0xff {
				dst = append(dst, a[:i+1]...)
				dst[len(dst)-1]++
				return dst
			}
		}
		// a is a run of 0xffs. Leave it alone.
		return append(dst, a...)
	},

	Name: "leveldb.BytewiseComparator",
}

// SharedPrefixLen returns the largest i such that a[:i] equals b[:i].
func SharedPrefixLen(a, b []byte) int {
	i, n := 0, len(a)
	if n > len(b) {
		n = len(b)
	}
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
