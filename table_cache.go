// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/sstable"
	"github.com/cespare/xxhash/v2"
)

// tableCacheShards is the fixed shard count of the table cache. Sharding
// spreads mutex contention between the read path and the compactor.
const tableCacheShards = 16

// tableCache caches open sstable readers, bounding the file descriptors the
// store holds. Entries are reference counted: an evicted table stays usable
// by goroutines that found it before the eviction and is closed when the last
// of them releases it.
type tableCache struct {
	dirname string
	opts    *Options
	shards  [tableCacheShards]tableCacheShard
}

func newTableCache(dirname string, opts *Options) *tableCache {
	c := &tableCache{
		dirname: dirname,
		opts:    opts,
	}
	// Reserve a handful of descriptors for the log, manifest and info log.
	perShard := (opts.MaxOpenFiles - 10) / tableCacheShards
	if perShard < 1 {
		perShard = 1
	}
	for i := range c.shards {
		c.shards[i].capacity = perShard
		c.shards[i].nodes = make(map[base.FileNum]*tableCacheNode)
	}
	return c
}

func (c *tableCache) shard(fileNum base.FileNum) *tableCacheShard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(fileNum))
	return &c.shards[xxhash.Sum64(buf[:])%tableCacheShards]
}

// findNode returns the node for the table, opening the file if needed. The
// returned node holds a reference that the caller must release.
func (c *tableCache) findNode(meta *fileMetadata) (*tableCacheNode, error) {
	s := c.shard(meta.FileNum)

	s.mu.Lock()
	if n := s.nodes[meta.FileNum]; n != nil {
		n.refs.Add(1)
		s.lruMoveFront(n)
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	// Open the table without holding the shard mutex; opening reads the
	// footer, index and filter blocks.
	path := base.MakeFilepath(c.opts.FS, c.dirname, base.FileTypeTable, meta.FileNum)
	f, err := c.opts.FS.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := sstable.NewReader(f, stat.Size(), sstable.ReaderOptions{
		Comparer:     c.opts.Comparer,
		FilterPolicy: c.opts.FilterPolicy,
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	n := &tableCacheNode{fileNum: meta.FileNum, reader: r}
	n.refs.Store(2) // the cache's reference plus the caller's
	s.mu.Lock()
	if existing := s.nodes[meta.FileNum]; existing != nil {
		// Lost a race with another opener; use theirs.
		existing.refs.Add(1)
		s.lruMoveFront(existing)
		s.mu.Unlock()
		r.Close()
		return existing, nil
	}
	s.nodes[meta.FileNum] = n
	s.lruPushFront(n)
	var evicted *tableCacheNode
	if len(s.nodes) > s.capacity {
		evicted = s.lruRemoveBack()
		delete(s.nodes, evicted.fileNum)
	}
	s.mu.Unlock()
	if evicted != nil {
		evicted.release()
	}
	return n, nil
}

// find returns the first entry at or after ikey in the given table.
func (c *tableCache) find(meta *fileMetadata, ikey base.InternalKey) (key base.InternalKey, value []byte, ok bool, err error) {
	n, err := c.findNode(meta)
	if err != nil {
		return base.InternalKey{}, nil, false, err
	}
	defer n.release()
	return n.reader.Find(ikey)
}

// newIter returns an iterator over the whole table. The iterator keeps the
// cache node referenced until closed.
func (c *tableCache) newIter(meta *fileMetadata) (internalIterator, error) {
	n, err := c.findNode(meta)
	if err != nil {
		return nil, err
	}
	it, err := n.reader.NewIter()
	if err != nil {
		n.release()
		return nil, err
	}
	return &tableCacheIter{Iterator: it, node: n}, nil
}

// evict removes the table from the cache, closing its reader once unused.
// Called when the file is deleted by the obsolete-file pass.
func (c *tableCache) evict(fileNum base.FileNum) {
	s := c.shard(fileNum)
	s.mu.Lock()
	n := s.nodes[fileNum]
	if n != nil {
		delete(s.nodes, fileNum)
		s.lruRemove(n)
	}
	s.mu.Unlock()
	if n != nil {
		n.release()
	}
}

// Close releases every cached table.
func (c *tableCache) Close() error {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		nodes := s.nodes
		s.nodes = nil
		s.lru = nil
		s.mu.Unlock()
		for _, n := range nodes {
			n.release()
		}
	}
	return nil
}

type tableCacheShard struct {
	mu       sync.Mutex
	capacity int
	nodes    map[base.FileNum]*tableCacheNode
	// lru orders the nodes most recently used first.
	lru []*tableCacheNode
}

func (s *tableCacheShard) lruPushFront(n *tableCacheNode) {
	s.lru = append(s.lru, nil)
	copy(s.lru[1:], s.lru)
	s.lru[0] = n
}

func (s *tableCacheShard) lruMoveFront(n *tableCacheNode) {
	s.lruRemove(n)
	s.lruPushFront(n)
}

func (s *tableCacheShard) lruRemove(n *tableCacheNode) {
	for i, x := range s.lru {
		if x == n {
			s.lru = append(s.lru[:i], s.lru[i+1:]...)
			return
		}
	}
}

func (s *tableCacheShard) lruRemoveBack() *tableCacheNode {
	n := s.lru[len(s.lru)-1]
	s.lru = s.lru[:len(s.lru)-1]
	return n
}

type tableCacheNode struct {
	fileNum base.FileNum
	reader  *sstable.Reader
	// refs counts the cache's own reference plus one per outstanding user.
	// New references are only taken under the shard mutex while the node is
	// still resident, so a node can never be revived from zero.
	refs atomic.Int32
}

func (n *tableCacheNode) release() {
	if n.refs.Add(-1) == 0 {
		n.reader.Close()
	}
}

type tableCacheIter struct {
	*sstable.Iterator
	node *tableCacheNode
}

func (i *tableCacheIter) Close() error {
	err := i.Iterator.Close()
	i.node.release()
	return err
}
