// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternalKey(t *testing.T) {
	k := MakeInternalKey([]byte("foo"), 0x08070605040302, 1)
	b := make([]byte, k.Size())
	k.Encode(b)
	require.Equal(t, []byte("foo\x01\x02\x03\x04\x05\x06\x07\x08"), b)

	d := DecodeInternalKey(b)
	require.Equal(t, []byte("foo"), d.UserKey)
	require.Equal(t, SeqNum(0x08070605040302), d.SeqNum())
	require.Equal(t, InternalKeyKindSet, d.Kind())
}

func TestInvalidInternalKey(t *testing.T) {
	testCases := []string{
		"",
		"\x01\x02\x03\x04\x05\x06\x07",
	}
	for _, tc := range testCases {
		k := DecodeInternalKey([]byte(tc))
		require.Nil(t, k.UserKey)
	}
}

func TestInternalKeyComparer(t *testing.T) {
	// keys are listed in the expected sort order.
	keys := []InternalKey{
		MakeSearchKey([]byte(""), SeqNumMax),
		MakeInternalKey([]byte(""), 1, InternalKeyKindSet),
		MakeInternalKey([]byte(""), 1, InternalKeyKindDelete),
		MakeInternalKey([]byte(""), 0, InternalKeyKindSet),
		MakeSearchKey([]byte("abc"), SeqNumMax),
		MakeInternalKey([]byte("abc"), 5, InternalKeyKindSet),
		MakeInternalKey([]byte("abc"), 5, InternalKeyKindDelete),
		MakeInternalKey([]byte("abc"), 4, InternalKeyKindSet),
		MakeInternalKey([]byte("abd"), 100, InternalKeyKindSet),
	}
	for i := range keys {
		for j := range keys {
			got := InternalCompare(bytes.Compare, keys[i], keys[j])
			var want int
			switch {
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			if got != want {
				t.Errorf("%d vs %d: got %d, want %d (%s vs %s)", i, j, got, want, keys[i], keys[j])
			}
		}
	}
}

func TestSeqNumString(t *testing.T) {
	require.Equal(t, "42", SeqNum(42).String())
	require.Equal(t, "inf", SeqNumMax.String())
}

func TestTrailerRoundTrip(t *testing.T) {
	for _, seqNum := range []SeqNum{0, 1, 42, SeqNumMax} {
		for _, kind := range []InternalKeyKind{InternalKeyKindDelete, InternalKeyKindSet} {
			tr := MakeTrailer(seqNum, kind)
			require.Equal(t, seqNum, tr.SeqNum())
			require.Equal(t, kind, tr.Kind())
		}
	}
}

func TestParsePrettyInternalKey(t *testing.T) {
	k := ParsePrettyInternalKey("foo#12,SET")
	require.Equal(t, MakeInternalKey([]byte("foo"), 12, InternalKeyKindSet), k)
	k = ParsePrettyInternalKey("bar#3,DEL")
	require.Equal(t, MakeInternalKey([]byte("bar"), 3, InternalKeyKindDelete), k)
}
