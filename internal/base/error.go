// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"github.com/cockroachdb/errors"
)

// ErrNotFound means that a get call did not find the requested key.
var ErrNotFound = errors.New("basalt: not found")

// ErrCorruption is a marker error for any corruption encountered in a stored
// file: a bad checksum, a truncated record, an unknown tag. Use
// IsCorruptionError to test for it.
var ErrCorruption = errors.New("basalt: corruption")

// CorruptionErrorf formats according to a format specifier and returns the
// string as an error marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkCorruptionError marks the given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// IsCorruptionError returns true if the given error indicates corruption of
// an on-disk structure.
func IsCorruptionError(err error) bool {
	return errors.Is(err, ErrCorruption)
}
