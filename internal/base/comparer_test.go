// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultComparerSeparator(t *testing.T) {
	testCases := []struct {
		a, b, want string
	}{
		// If the shortened key is a prefix of both, the separator is a.
		{"black", "blue", "blb"},
		{"green", "green2", "green"},
		{"a", "a2", "a"},
		// The diff byte cannot be incremented past b's; a is returned whole.
		{"abc1xyz", "abc2", "abc1xyz"},
		{"yza", "yzb", "yza"},
		{"abc", "abd", "abc"},
		{"abc", "xyz", "b"},
		// Runs of 0xff cannot be incremented.
		{"\xff\xff1", "\xff\xff5", "\xff\xff2"},
	}
	cmp := DefaultComparer.Compare
	for _, tc := range testCases {
		got := string(DefaultComparer.Separator(nil, []byte(tc.a), []byte(tc.b)))
		require.Equal(t, tc.want, got, "Separator(%q, %q)", tc.a, tc.b)
		require.LessOrEqual(t, cmp([]byte(tc.a), []byte(got)), 0)
		require.Less(t, cmp([]byte(got), []byte(tc.b)), 0)
	}
}

func TestDefaultComparerSuccessor(t *testing.T) {
	testCases := []struct {
		a, want string
	}{
		{"black", "c"},
		{"green", "h"},
		{"", ""},
		{"\xff", "\xff"},
		{"\xff\xffabc", "\xff\xffb"},
		{"\xff\xff\xff", "\xff\xff\xff"},
	}
	cmp := DefaultComparer.Compare
	for _, tc := range testCases {
		got := string(DefaultComparer.Successor(nil, []byte(tc.a)))
		require.Equal(t, tc.want, got, "Successor(%q)", tc.a)
		require.LessOrEqual(t, cmp([]byte(tc.a), []byte(got)), 0)
	}
}

func TestSharedPrefixLen(t *testing.T) {
	require.Equal(t, 0, SharedPrefixLen([]byte("abc"), []byte("xyz")))
	require.Equal(t, 2, SharedPrefixLen([]byte("abc"), []byte("abd")))
	require.Equal(t, 3, SharedPrefixLen([]byte("abc"), []byte("abc")))
	require.Equal(t, 3, SharedPrefixLen([]byte("abc"), []byte("abcdef")))
	require.Equal(t, 0, SharedPrefixLen(nil, []byte("a")))
}
