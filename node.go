package redbtree

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// This file is the node codec plus the in-memory node representation.

const (
	// KeySize is the fixed length of every hashed key the core accepts.
	KeySize = 16

	// MaxKeys is the branching factor minus one: the maximum number of
	// keys a node may hold before it must split. Fixed at 7 and kept as a
	// compile-time constant so NodeSize is a fixed on-disk footprint.
	MaxKeys = 7

	nodeHeaderSize = 16 // start_mark, numkeys, isleaf, padding/checksum
	nodeTrailerSize = 4  // end_mark

	// NodeSize is the fixed on-disk footprint of a node image.
	NodeSize = nodeHeaderSize + MaxKeys*KeySize + MaxKeys*8 + (MaxKeys+1)*8 + nodeTrailerSize

	nodeKeysOffset     = nodeHeaderSize
	nodeValuesOffset   = nodeKeysOffset + MaxKeys*KeySize
	nodeChildrenOffset = nodeValuesOffset + MaxKeys*8
	nodeEndMarkOffset  = nodeChildrenOffset + (MaxKeys+1)*8
)

// node is the in-memory, decoded form of a B-tree node. It is
// build-once, write-once: there is no in-place mutation API beyond the two
// single-slot pointer overwrites the engine performs directly against a
// node's on-disk image (a value slot on replace, a child slot when a
// rewritten leaf or a split child's new parent is published).
type node struct {
	numKeys  uint32
	isLeaf   bool
	keys     [MaxKeys][KeySize]byte
	values   [MaxKeys]uint64
	children [MaxKeys + 1]uint64
}

func (n *node) isFull() bool {
	return n.numKeys >= MaxKeys
}

// key returns the i-th key as a slice view.
func (n *node) key(i int) []byte {
	return n.keys[i][:]
}

// nodeChecksumOf returns a 32-bit fold of an xxhash64 checksum over a
// node's keys region only. Stored in the node header's padding word, it is
// a corruption detector layered on top of the start/end mark check. It
// deliberately excludes values/children: those two arrays are the ones
// the engine overwrites in place a single 8-byte slot at a time (value
// replace, child publish after a leaf rewrite or a split) without rewriting the whole node
// image, and a checksum covering them would go stale on every such write.
func nodeChecksumOf(buf []byte) uint32 {
	sum := xxhash.Sum64(buf[nodeKeysOffset:nodeValuesOffset])
	return uint32(sum) ^ uint32(sum>>32)
}

// encodeNode serializes n into a fresh NodeSize-byte buffer, bracketed by
// equal start/end marks equal to mark.
func encodeNode(n *node, mark uint32) []byte {
	buf := make([]byte, NodeSize)

	binary.BigEndian.PutUint32(buf[0:4], mark)
	binary.BigEndian.PutUint32(buf[4:8], n.numKeys)
	if n.isLeaf {
		binary.BigEndian.PutUint32(buf[8:12], 1)
	} else {
		binary.BigEndian.PutUint32(buf[8:12], 0)
	}

	for i := 0; i < MaxKeys; i++ {
		copy(buf[nodeKeysOffset+i*KeySize:nodeKeysOffset+(i+1)*KeySize], n.keys[i][:])
	}
	for i := 0; i < MaxKeys; i++ {
		binary.BigEndian.PutUint64(buf[nodeValuesOffset+i*8:nodeValuesOffset+(i+1)*8], n.values[i])
	}
	for i := 0; i < MaxKeys+1; i++ {
		binary.BigEndian.PutUint64(buf[nodeChildrenOffset+i*8:nodeChildrenOffset+(i+1)*8], n.children[i])
	}

	binary.BigEndian.PutUint32(buf[12:16], nodeChecksumOf(buf))
	binary.BigEndian.PutUint32(buf[nodeEndMarkOffset:nodeEndMarkOffset+4], mark)

	return buf
}

// decodeNode parses a NodeSize-byte image, returning ErrCorrupt if the
// start/end marks disagree or the checksum does not match — either signals
// a torn write from a crash mid-flush.
func decodeNode(buf []byte) (*node, error) {
	if len(buf) != NodeSize {
		return nil, ErrCorrupt
	}

	startMark := binary.BigEndian.Uint32(buf[0:4])
	endMark := binary.BigEndian.Uint32(buf[nodeEndMarkOffset : nodeEndMarkOffset+4])
	if startMark != endMark {
		return nil, ErrCorrupt
	}

	storedChecksum := binary.BigEndian.Uint32(buf[12:16])
	if storedChecksum != nodeChecksumOf(buf) {
		return nil, ErrCorrupt
	}

	n := &node{}
	n.numKeys = binary.BigEndian.Uint32(buf[4:8])
	n.isLeaf = binary.BigEndian.Uint32(buf[8:12]) != 0

	for i := 0; i < MaxKeys; i++ {
		copy(n.keys[i][:], buf[nodeKeysOffset+i*KeySize:nodeKeysOffset+(i+1)*KeySize])
	}
	for i := 0; i < MaxKeys; i++ {
		n.values[i] = binary.BigEndian.Uint64(buf[nodeValuesOffset+i*8 : nodeValuesOffset+(i+1)*8])
	}
	for i := 0; i < MaxKeys+1; i++ {
		n.children[i] = binary.BigEndian.Uint64(buf[nodeChildrenOffset+i*8 : nodeChildrenOffset+(i+1)*8])
	}

	return n, nil
}
