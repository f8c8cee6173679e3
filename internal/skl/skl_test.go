// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package skl

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/basaltdb/basalt/internal/arena"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestSkiplist() *Skiplist {
	return New(arena.New(), bytes.Compare)
}

func TestSkiplistEmpty(t *testing.T) {
	s := newTestSkiplist()
	require.False(t, s.Contains([]byte("a")))

	it := s.NewIter()
	it.First()
	require.False(t, it.Valid())
	it.Last()
	require.False(t, it.Valid())
	it.SeekGE([]byte("a"))
	require.False(t, it.Valid())
}

func TestSkiplistInsertAndLookup(t *testing.T) {
	const n = 2000
	s := newTestSkiplist()
	rnd := rand.New(rand.NewSource(42))

	inserted := make(map[string]bool)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("%08d", rnd.Intn(5*n)))
		if inserted[string(key)] {
			require.Equal(t, ErrRecordExists, s.Add(key))
			continue
		}
		require.NoError(t, s.Add(key))
		inserted[string(key)] = true
	}

	for key := range inserted {
		require.True(t, s.Contains([]byte(key)), "missing %q", key)
	}
	require.False(t, s.Contains([]byte("not-a-key")))

	// A forward iteration visits every key exactly once, in order.
	var got []string
	it := s.NewIter()
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Len(t, got, len(inserted))
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}

	// Backward iteration visits the same keys in reverse.
	var back []string
	for it.Last(); it.Valid(); it.Prev() {
		back = append(back, string(it.Key()))
	}
	require.Len(t, back, len(got))
	for i := range back {
		require.Equal(t, got[len(got)-1-i], back[i])
	}
}

func TestSkiplistSeekGE(t *testing.T) {
	s := newTestSkiplist()
	for _, k := range []string{"b", "d", "f"} {
		require.NoError(t, s.Add([]byte(k)))
	}

	testCases := []struct {
		target string
		want   string
	}{
		{"a", "b"},
		{"b", "b"},
		{"c", "d"},
		{"d", "d"},
		{"e", "f"},
		{"f", "f"},
		{"g", ""},
	}
	it := s.NewIter()
	for _, tc := range testCases {
		it.SeekGE([]byte(tc.target))
		if tc.want == "" {
			require.False(t, it.Valid(), "SeekGE(%q)", tc.target)
			continue
		}
		require.True(t, it.Valid(), "SeekGE(%q)", tc.target)
		require.Equal(t, tc.want, string(it.Key()))
	}
}

func TestSkiplistPrevFromFirst(t *testing.T) {
	s := newTestSkiplist()
	require.NoError(t, s.Add([]byte("a")))
	require.NoError(t, s.Add([]byte("b")))

	it := s.NewIter()
	it.First()
	require.Equal(t, "a", string(it.Key()))
	it.Prev()
	require.False(t, it.Valid())
}

// TestSkiplistConcurrentReaders exercises the single-writer/many-readers
// contract: readers traverse without locks while the writer inserts.
func TestSkiplistConcurrentReaders(t *testing.T) {
	const n = 5000
	s := newTestSkiplist()

	var g errgroup.Group
	done := make(chan struct{})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				default:
				}
				// Order must hold in every snapshot a reader observes.
				prev := []byte(nil)
				it := s.NewIter()
				for it.First(); it.Valid(); it.Next() {
					if prev != nil && bytes.Compare(prev, it.Key()) >= 0 {
						return fmt.Errorf("out of order: %q >= %q", prev, it.Key())
					}
					prev = append(prev[:0], it.Key()...)
				}
			}
		})
	}

	for i := 0; i < n; i++ {
		require.NoError(t, s.Add([]byte(fmt.Sprintf("%08d", i*7919%n))))
	}
	close(done)
	require.NoError(t, g.Wait())
}

func TestSkiplistRandomHeightDistribution(t *testing.T) {
	s := newTestSkiplist()
	counts := make([]int, maxHeight+1)
	for i := 0; i < 100000; i++ {
		h := s.randomHeight()
		require.GreaterOrEqual(t, h, 1)
		require.LessOrEqual(t, h, maxHeight)
		counts[h]++
	}
	// With a branching factor of 4, roughly 3/4 of the heights are 1.
	require.Greater(t, counts[1], 70000)
	require.Less(t, counts[1], 80000)
}
