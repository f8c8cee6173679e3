// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package base holds the types shared by every layer of the store: internal
// keys and their ordering, sequence numbers, comparers, file names, logging
// and the error taxonomy.
package base

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/redact"
)

// SeqNum is a sequence number defining precedence among entries with the same
// user key. An entry with a higher sequence number shadows an entry with the
// same user key and a lower sequence number. Sequence numbers are stored
// durably in the high 56 bits of the internal key trailer.
type SeqNum uint64

const (
	// SeqNumZero is the lowest valid sequence number.
	SeqNumZero SeqNum = 0
	// SeqNumMax is the largest valid sequence number, 2^56-1.
	SeqNumMax SeqNum = 1<<56 - 1
)

// String implements fmt.Stringer.
func (s SeqNum) String() string {
	if s == SeqNumMax {
		return "inf"
	}
	return fmt.Sprintf("%d", uint64(s))
}

// SafeFormat implements redact.SafeFormatter.
func (s SeqNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// InternalKeyKind enumerates the kind of an internal key: a deletion
// tombstone or a set value.
type InternalKeyKind uint8

// These constants are part of the file format and must not be changed.
const (
	InternalKeyKindDelete InternalKeyKind = 0
	InternalKeyKindSet    InternalKeyKind = 1

	// InternalKeyKindMax is the largest valid key kind. A search key formed
	// from a user key and a sequence number uses InternalKeyKindMax so that it
	// sorts before every other internal key with the same user key and an
	// equal or smaller sequence number.
	InternalKeyKindMax InternalKeyKind = InternalKeyKindSet
)

var internalKeyKindNames = []string{
	InternalKeyKindDelete: "DEL",
	InternalKeyKindSet:    "SET",
}

// String implements fmt.Stringer.
func (k InternalKeyKind) String() string {
	if int(k) < len(internalKeyKindNames) {
		return internalKeyKindNames[k]
	}
	return fmt.Sprintf("UNKNOWN:%d", uint8(k))
}

// SafeFormat implements redact.SafeFormatter.
func (k InternalKeyKind) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(k.String()))
}

// InternalKeyTrailer encodes a SeqNum and an InternalKeyKind as
// (seqNum << 8) | kind.
type InternalKeyTrailer uint64

// MakeTrailer constructs an internal key trailer from the specified sequence
// number and kind.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return (InternalKeyTrailer(seqNum) << 8) | InternalKeyTrailer(kind)
}

// SeqNum returns the sequence number component of the trailer.
func (t InternalKeyTrailer) SeqNum() SeqNum {
	return SeqNum(t >> 8)
}

// Kind returns the key kind component of the trailer.
func (t InternalKeyTrailer) Kind() InternalKeyKind {
	return InternalKeyKind(t & 0xff)
}

// String implements fmt.Stringer.
func (t InternalKeyTrailer) String() string {
	return fmt.Sprintf("%s,%s", t.SeqNum(), t.Kind())
}

// InternalTrailerLen is the number of bytes used to encode an
// InternalKey.Trailer.
const InternalTrailerLen = 8

// InternalKey is a key used for the in-memory and on-disk partial DBs that
// make up the store.
//
// It consists of the user key (as given by the caller) followed by 8 bytes of
// metadata: a one byte kind and a 7 byte (uint56) sequence number, encoded
// together as a little-endian fixed64 trailer.
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

// MakeInternalKey constructs an internal key from a specified user key,
// sequence number and kind.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{
		UserKey: userKey,
		Trailer: MakeTrailer(seqNum, kind),
	}
}

// MakeSearchKey constructs an internal key that is appropriate for searching
// for the specified user key at the specified sequence number. The search key
// sorts before every internal key for the same user key with a sequence
// number ≤ seqNum.
func MakeSearchKey(userKey []byte, seqNum SeqNum) InternalKey {
	return MakeInternalKey(userKey, seqNum, InternalKeyKindMax)
}

// DecodeInternalKey decodes an encoded internal key. See InternalKey.Encode.
func DecodeInternalKey(encodedKey []byte) InternalKey {
	n := len(encodedKey) - InternalTrailerLen
	var trailer InternalKeyTrailer
	if n >= 0 {
		trailer = InternalKeyTrailer(binary.LittleEndian.Uint64(encodedKey[n:]))
		encodedKey = encodedKey[:n:n]
	} else {
		encodedKey = nil
	}
	return InternalKey{
		UserKey: encodedKey,
		Trailer: trailer,
	}
}

// InternalCompare compares two internal keys using the specified user key
// comparison function. Internal keys sort ascending by user key, then
// descending by sequence number, then descending by kind.
func InternalCompare(userCmp Compare, a, b InternalKey) int {
	if x := userCmp(a.UserKey, b.UserKey); x != 0 {
		return x
	}
	// Reverse order for trailer comparison.
	return cmp.Compare(b.Trailer, a.Trailer)
}

// Encode encodes the receiver into the buffer. The buffer must be large
// enough to hold the encoded data. See InternalKey.Size.
func (k InternalKey) Encode(buf []byte) {
	i := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[i:], uint64(k.Trailer))
}

// EncodeTrailer returns the trailer encoded to an 8-byte array.
func (k InternalKey) EncodeTrailer() [8]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k.Trailer))
	return buf
}

// Size returns the encoded size of the key.
func (k InternalKey) Size() int {
	return len(k.UserKey) + InternalTrailerLen
}

// SeqNum returns the sequence number component of the key.
func (k InternalKey) SeqNum() SeqNum {
	return k.Trailer.SeqNum()
}

// Kind returns the kind component of the key.
func (k InternalKey) Kind() InternalKeyKind {
	return k.Trailer.Kind()
}

// Valid returns true if the key has a valid kind.
func (k InternalKey) Valid() bool {
	return k.Kind() <= InternalKeyKindMax
}

// Clone clones the storage for the UserKey component of the key.
func (k InternalKey) Clone() InternalKey {
	if len(k.UserKey) == 0 {
		return InternalKey{Trailer: k.Trailer}
	}
	return InternalKey{
		UserKey: append([]byte(nil), k.UserKey...),
		Trailer: k.Trailer,
	}
}

// String implements fmt.Stringer.
func (k InternalKey) String() string {
	return fmt.Sprintf("%s#%s,%s", FormatBytes(k.UserKey), k.SeqNum(), k.Kind())
}

// Pretty returns a formatter for the key.
func (k InternalKey) Pretty(f FormatKey) fmt.Formatter {
	return prettyInternalKey{k, f}
}

// FormatKey returns a formatter for the user key.
type FormatKey func(key []byte) fmt.Formatter

// DefaultFormatter is the default implementation of user key formatting:
// non-ASCII data is formatted as escaped hexadecimal (see FormatBytes).
var DefaultFormatter FormatKey = func(key []byte) fmt.Formatter {
	return FormatBytes(key)
}

// FormatBytes formats a byte slice, writing ASCII bytes as they are and
// non-ASCII bytes, backslashes and double quotes as \xNN escapes. No
// surrounding quotes are added.
type FormatBytes []byte

const lowerhex = "0123456789abcdef"

// Format implements the fmt.Formatter interface.
func (p FormatBytes) Format(s fmt.State, c rune) {
	buf := make([]byte, 0, len(p))
	for _, b := range p {
		if b < 0x80 && b != '\\' && b != '"' {
			buf = append(buf, b)
			continue
		}
		buf = append(buf, `\x`...)
		buf = append(buf, lowerhex[b>>4], lowerhex[b&0xf])
	}
	s.Write(buf)
}

type prettyInternalKey struct {
	InternalKey
	formatKey FormatKey
}

func (k prettyInternalKey) Format(s fmt.State, c rune) {
	fmt.Fprintf(s, "%s#%s,%s", k.formatKey(k.UserKey), k.SeqNum(), k.Kind())
}

// ParsePrettyInternalKey parses the pretty string representation of an
// internal key. The format is <user-key>#<seq-num>,<kind>. Intended for use
// in tests.
func ParsePrettyInternalKey(s string) InternalKey {
	i := bytes.LastIndexByte([]byte(s), '#')
	j := bytes.LastIndexByte([]byte(s), ',')
	if i < 0 || j < i {
		panic(fmt.Sprintf("invalid key: %q", s))
	}
	var seqNum uint64
	if _, err := fmt.Sscanf(s[i+1:j], "%d", &seqNum); err != nil {
		panic(fmt.Sprintf("invalid key: %q", s))
	}
	var kind InternalKeyKind
	switch kindName := s[j+1:]; kindName {
	case "DEL":
		kind = InternalKeyKindDelete
	case "SET":
		kind = InternalKeyKindSet
	default:
		panic(fmt.Sprintf("unknown kind: %q", kindName))
	}
	return MakeInternalKey([]byte(s[:i]), SeqNum(seqNum), kind)
}
