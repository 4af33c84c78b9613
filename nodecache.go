package redbtree

import (
	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

// nodeCache is an optional, purely-performance LRU cache of recently read
// nodes, keyed by file offset (uint64). It never participates in
// correctness: a miss always falls back to reading and decoding the node
// from the Device.
type nodeCache struct {
	lru *freelru.LRU[uint64, *node]
}

// newNodeCache returns nil (a disabled cache) when capacity is zero.
func newNodeCache(capacity uint32) (*nodeCache, error) {
	if capacity == 0 {
		return nil, nil
	}
	lru, err := freelru.New[uint64, *node](capacity, hashOffset)
	if err != nil {
		return nil, err
	}
	return &nodeCache{lru: lru}, nil
}

func hashOffset(offset uint64) uint32 {
	var buf [8]byte
	buf[0] = byte(offset)
	buf[1] = byte(offset >> 8)
	buf[2] = byte(offset >> 16)
	buf[3] = byte(offset >> 24)
	buf[4] = byte(offset >> 32)
	buf[5] = byte(offset >> 40)
	buf[6] = byte(offset >> 48)
	buf[7] = byte(offset >> 56)
	sum := xxhash.Sum64(buf[:])
	return uint32(sum) ^ uint32(sum>>32)
}

func (c *nodeCache) get(offset uint64) (*node, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(offset)
}

func (c *nodeCache) put(offset uint64, n *node) {
	if c == nil {
		return
	}
	c.lru.Add(offset, n)
}

func (c *nodeCache) remove(offset uint64) {
	if c == nil {
		return
	}
	c.lru.Remove(offset)
}
