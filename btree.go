package redbtree

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// This file is the B-tree engine: open/create, insert-or-replace, lookup,
// and a debugging traversal. It drives the allocator and node codec and
// owns the root pointer.

const (
	magicString  = "REDBTREE00000000"
	hdrMagicPos  = 0
	hdrMagicLen  = 16
	hdrFreePos   = 16
	hdrFreeOffPos = 24
	hdrFreeListBase = 32
)

func hdrRootPtrPos() uint64 {
	return hdrFreeListBase + uint64(sizeClassCount)*freeListBlockSlotSize
}

// Tree is a single-file, durable, copy-on-write B-tree keyed by 16-byte
// hashed keys, each mapped to a variable-length value blob stored
// elsewhere in the same file. It is not safe for concurrent use: it
// assumes a single writer and performs no internal locking.
type Tree struct {
	dev   Device
	opts  Options
	alloc *allocator
	cache *nodeCache

	mark       uint32
	rootPtr    uint64
	rootPtrPos uint64
	closed     bool
}

// Open opens or creates the database file at path, using an OSDevice
// backend.
func Open(path string, options ...Option) (*Tree, error) {
	dev, err := OpenOSDevice(path)
	if err != nil {
		return nil, err
	}
	t, err := OpenDevice(dev, options...)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return t, nil
}

// OpenDevice opens or creates a database over an arbitrary Device, e.g. an
// InMemoryDevice in tests.
func OpenDevice(dev Device, options ...Option) (*Tree, error) {
	opts := DefaultOptions()
	for _, o := range options {
		o(&opts)
	}

	size, err := dev.Size()
	if err != nil {
		return nil, err
	}

	rootPtrPos := hdrRootPtrPos()
	alloc := newAllocator(dev, hdrFreePos, hdrFreeOffPos, hdrFreeListBase, opts)

	cache, err := newNodeCache(opts.nodeCacheSize)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		dev:        dev,
		opts:       opts,
		alloc:      alloc,
		cache:      cache,
		rootPtrPos: rootPtrPos,
	}

	if size == 0 {
		if err := t.create(); err != nil {
			return nil, err
		}
	} else {
		if err := t.openExisting(); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Tree) create() error {
	freeOff := t.rootPtrPos + 8

	if err := t.dev.Resize(freeOff); err != nil {
		return err
	}
	if err := t.dev.Pwrite([]byte(magicString), hdrMagicPos); err != nil {
		return err
	}
	if err := t.alloc.initHeads(freeOff); err != nil {
		return err
	}

	t.mark = seedMark()

	// The initial root, like every node the engine ever writes, is a real
	// allocator extent carrying an 8-byte user_size header at offset-8, so
	// a later Free (e.g. once the root splits) files it into the correct
	// size class instead of misreading whatever bytes precede a fixed
	// headerless slot.
	rootOff, err := t.alloc.Allocate(NodeSize)
	if err != nil {
		return err
	}

	root := &node{isLeaf: true}
	buf := encodeNode(root, t.mark)
	if err := t.dev.Pwrite(buf, rootOff); err != nil {
		return err
	}
	if err := t.barrier(); err != nil {
		return err
	}

	if err := writeUint64(t.dev, t.rootPtrPos, rootOff); err != nil {
		return err
	}
	if err := t.barrier(); err != nil {
		return err
	}

	t.rootPtr = rootOff
	t.opts.logger.Info("redbtree: created database", "rootptr", t.rootPtr)
	return nil
}

func (t *Tree) openExisting() error {
	magic := make([]byte, hdrMagicLen)
	if err := t.dev.Pread(magic, hdrMagicPos); err != nil {
		return err
	}
	if string(magic) != magicString {
		return ErrCorrupt
	}

	if err := t.alloc.load(); err != nil {
		return err
	}

	rootPtr, err := readUint64(t.dev, t.rootPtrPos)
	if err != nil {
		return err
	}
	t.rootPtr = rootPtr
	t.mark = seedMark()
	return nil
}

// seedMark re-seeds the node start/end mark from a clock- and randomness-
// derived source at every open, so that stale identical buffers from a
// previous process never pass the torn-write check.
func seedMark() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	r := binary.BigEndian.Uint32(buf[:])
	return r ^ uint32(time.Now().UnixNano())
}

// Close releases the underlying device. The Tree must not be used
// afterwards.
func (t *Tree) Close() error {
	if t.closed {
		return ErrDatabaseClosed
	}
	t.closed = true
	return t.dev.Close()
}

// SetWriteBarrier enables or disables the durability barrier that
// separates a write from the pointer publish that makes it reachable. It
// is enabled by default.
func (t *Tree) SetWriteBarrier(enabled bool) {
	t.opts.useWriteBarrier = enabled
	t.alloc.SetWriteBarrier(enabled)
}

func (t *Tree) barrier() error {
	if !t.opts.useWriteBarrier {
		return nil
	}
	return t.dev.Sync()
}

func (t *Tree) readNode(offset uint64) (*node, error) {
	if n, ok := t.cache.get(offset); ok {
		return n, nil
	}

	buf := make([]byte, NodeSize)
	if err := t.dev.Pread(buf, offset); err != nil {
		return nil, err
	}
	n, err := decodeNode(buf)
	if err != nil {
		t.opts.logger.Warn("redbtree: torn node detected", "offset", offset)
		return nil, err
	}

	t.cache.put(offset, n)
	return n, nil
}

// writeNode allocates a fresh NodeSize extent and writes n's encoded image
// into it, returning the new offset. Nodes are build-once, write-once:
// there is no API to mutate a node image in place beyond the two single-
// slot pointer overwrites the engine performs directly (publishPointer and
// the value-slot rewrite on replace).
func (t *Tree) writeNode(n *node) (uint64, error) {
	offset, err := t.alloc.Allocate(NodeSize)
	if err != nil {
		return 0, err
	}

	t.mark++
	buf := encodeNode(n, t.mark)
	if err := t.dev.Pwrite(buf, offset); err != nil {
		return 0, err
	}
	if err := t.barrier(); err != nil {
		return 0, err
	}

	t.cache.put(offset, n)
	return offset, nil
}

// publishPointer overwrites the single 8-byte pointer slot at pointedBy
// with newOff — the sole in-place mutation the engine performs to make a
// freshly-written node or subtree reachable. If pointedBy is the
// root pointer's fixed header slot, the in-memory root pointer is updated
// to match. Otherwise ownerPtr is the offset of the node the slot lives
// inside, and its cache entry is dropped so a later read decodes the new
// pointer instead of serving the owner's stale in-memory copy.
func (t *Tree) publishPointer(pointedBy, newOff, ownerPtr uint64) error {
	if err := writeUint64(t.dev, pointedBy, newOff); err != nil {
		return err
	}
	if err := t.barrier(); err != nil {
		return err
	}
	if pointedBy == t.rootPtrPos {
		t.rootPtr = newOff
	} else {
		t.cache.remove(ownerPtr)
	}
	return nil
}

func validateKey(key []byte) error {
	if len(key) != KeySize {
		return ErrKeyTooLarge
	}
	return nil
}

// Add inserts key/value into the tree. If key is already present, replace
// controls the outcome: true overwrites the value, false returns ErrExists.
func (t *Tree) Add(key []byte, value []byte, replace bool) error {
	if t.closed {
		return ErrDatabaseClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if len(value) > maxAllocSize {
		return ErrValueTooLarge
	}

	root, err := t.readNode(t.rootPtr)
	if err != nil {
		return err
	}

	if root.isFull() {
		t.opts.logger.Info("redbtree: splitting full root", "rootptr", t.rootPtr)
		newRoot := &node{isLeaf: false}
		newRootOff, err := t.writeNode(newRoot)
		if err != nil {
			return err
		}
		if _, err := t.splitChild(t.rootPtrPos, newRootOff, 0, t.rootPtr, 0); err != nil {
			return err
		}
	}

	return t.addNonFull(t.rootPtr, t.rootPtrPos, 0, key, value, replace)
}

// addNonFull implements the split-at-descent insertion discipline: every
// full node encountered on the way down is split before descent, so the
// leaf insertion itself never needs to propagate a split back up.
// pointedBy is the slot that currently points at nodePtr; ownerPtr
// is the offset of the node that slot lives inside, or 0 if pointedBy is
// the root pointer's header slot.
func (t *Tree) addNonFull(nodePtr, pointedBy, ownerPtr uint64, key []byte, value []byte, replace bool) error {
	n, err := t.readNode(nodePtr)
	if err != nil {
		return err
	}

	i := int(n.numKeys) - 1
	found := false
	for i >= 0 {
		cmp := bytes.Compare(key, n.key(i))
		if cmp == 0 {
			found = true
			break
		}
		if cmp >= 0 {
			break
		}
		i--
	}

	if found {
		if !replace {
			return ErrExists
		}

		oldValOff := n.values[i]
		newValOff, err := t.alloc.Allocate(uint32(len(value)))
		if err != nil {
			return err
		}
		if err := t.dev.Pwrite(value, newValOff); err != nil {
			return err
		}
		if err := t.barrier(); err != nil {
			return err
		}

		valueSlot := nodePtr + nodeValuesOffset + uint64(i)*8
		if err := writeUint64(t.dev, valueSlot, newValOff); err != nil {
			return err
		}
		if err := t.barrier(); err != nil {
			return err
		}
		t.cache.remove(nodePtr)

		return t.alloc.Free(oldValOff)
	}

	if n.isLeaf {
		valOff, err := t.alloc.Allocate(uint32(len(value)))
		if err != nil {
			return err
		}
		if err := t.dev.Pwrite(value, valOff); err != nil {
			return err
		}
		if err := t.barrier(); err != nil {
			return err
		}

		var keyArr [KeySize]byte
		copy(keyArr[:], key)
		newLeaf := insertKeyAt(n, i+1, keyArr, valOff)

		newOff, err := t.writeNode(newLeaf)
		if err != nil {
			return err
		}
		if err := t.publishPointer(pointedBy, newOff, ownerPtr); err != nil {
			return err
		}

		t.cache.remove(nodePtr)
		return t.alloc.Free(nodePtr)
	}

	childIdx := i + 1
	childPtr := n.children[childIdx]
	child, err := t.readNode(childPtr)
	if err != nil {
		return err
	}

	var nextPtr, nextPointedBy, nextOwner uint64
	if child.isFull() {
		newParentOff, err := t.splitChild(pointedBy, nodePtr, childIdx, childPtr, ownerPtr)
		if err != nil {
			return err
		}
		nextPtr = newParentOff
		nextPointedBy = pointedBy
		nextOwner = ownerPtr
	} else {
		nextPtr = childPtr
		nextPointedBy = nodePtr + nodeChildrenOffset + uint64(childIdx)*8
		nextOwner = nodePtr
	}

	return t.addNonFull(nextPtr, nextPointedBy, nextOwner, key, value, replace)
}

// splitChild splits the full node at childOff (the i-th child of the node
// at parentOff) into two nodes, moving the median key up into a freshly
// built copy of the parent, and publishes that new parent at pointedBy.
// ownerPtr is forwarded to publishPointer unchanged: it names the node
// that owns the pointedBy slot, which splitChild itself never touches. It
// returns the new parent's offset.
func (t *Tree) splitChild(pointedBy, parentOff uint64, i int, childOff, ownerPtr uint64) (uint64, error) {
	parent, err := t.readNode(parentOff)
	if err != nil {
		return 0, err
	}
	child, err := t.readNode(childOff)
	if err != nil {
		return 0, err
	}

	half := (MaxKeys - 1) / 2
	rightCount := MaxKeys - half - 1

	left := &node{isLeaf: child.isLeaf, numKeys: uint32(half)}
	for k := 0; k < half; k++ {
		left.keys[k] = child.keys[k]
		left.values[k] = child.values[k]
	}
	for k := 0; k <= half; k++ {
		left.children[k] = child.children[k]
	}

	right := &node{isLeaf: child.isLeaf, numKeys: uint32(rightCount)}
	for k := 0; k < rightCount; k++ {
		right.keys[k] = child.keys[half+1+k]
		right.values[k] = child.values[half+1+k]
	}
	for k := 0; k <= rightCount; k++ {
		right.children[k] = child.children[half+1+k]
	}

	leftOff, err := t.writeNode(left)
	if err != nil {
		return 0, err
	}
	rightOff, err := t.writeNode(right)
	if err != nil {
		return 0, err
	}

	newParent := &node{isLeaf: false, numKeys: parent.numKeys + 1}
	for k := 0; k < i; k++ {
		newParent.keys[k] = parent.keys[k]
		newParent.values[k] = parent.values[k]
	}
	newParent.keys[i] = child.keys[half]
	newParent.values[i] = child.values[half]
	for k := i; k < int(parent.numKeys); k++ {
		newParent.keys[k+1] = parent.keys[k]
		newParent.values[k+1] = parent.values[k]
	}

	for k := 0; k < i; k++ {
		newParent.children[k] = parent.children[k]
	}
	newParent.children[i] = leftOff
	newParent.children[i+1] = rightOff
	for k := i + 1; k <= int(parent.numKeys); k++ {
		newParent.children[k+1] = parent.children[k]
	}

	newParentOff, err := t.writeNode(newParent)
	if err != nil {
		return 0, err
	}

	if err := t.publishPointer(pointedBy, newParentOff, ownerPtr); err != nil {
		return 0, err
	}

	t.cache.remove(parentOff)
	t.cache.remove(childOff)
	if err := t.alloc.Free(parentOff); err != nil {
		return 0, err
	}
	if err := t.alloc.Free(childOff); err != nil {
		return 0, err
	}

	return newParentOff, nil
}

// insertKeyAt returns a new node with key/valOff inserted at position pos
// of a copy of n, shifting the keys and values from pos onward one slot to
// the right. It is only ever called on leaves, so children are left zero.
func insertKeyAt(n *node, pos int, key [KeySize]byte, valOff uint64) *node {
	out := &node{isLeaf: n.isLeaf, numKeys: n.numKeys + 1}
	for k := 0; k < pos; k++ {
		out.keys[k] = n.keys[k]
		out.values[k] = n.values[k]
	}
	out.keys[pos] = key
	out.values[pos] = valOff
	for k := pos; k < int(n.numKeys); k++ {
		out.keys[k+1] = n.keys[k]
		out.values[k+1] = n.values[k]
	}
	return out
}

// Find looks up key and returns the file offset of its value payload.
func (t *Tree) Find(key []byte) (uint64, error) {
	if t.closed {
		return 0, ErrDatabaseClosed
	}
	if err := validateKey(key); err != nil {
		return 0, err
	}

	ptr := t.rootPtr
	for {
		n, err := t.readNode(ptr)
		if err != nil {
			return 0, err
		}

		j := 0
		cmp := 1
		for j < int(n.numKeys) {
			cmp = bytes.Compare(key, n.key(j))
			if cmp <= 0 {
				break
			}
			j++
		}
		if j < int(n.numKeys) && cmp == 0 {
			return n.values[j], nil
		}
		if n.isLeaf || n.children[j] == 0 {
			return 0, ErrNotFound
		}
		ptr = n.children[j]
	}
}

// SizeOf returns the original size passed to Allocate for the extent at
// valueOffset (typically a value returned by Find).
func (t *Tree) SizeOf(valueOffset uint64) (uint32, error) {
	if t.closed {
		return 0, ErrDatabaseClosed
	}
	return t.alloc.SizeOf(valueOffset)
}

// PRead is a convenience passthrough to fetch a value: it reads len(buf)
// bytes starting at offset directly from the underlying Device.
func (t *Tree) PRead(buf []byte, offset uint64) error {
	if t.closed {
		return ErrDatabaseClosed
	}
	return t.dev.Pread(buf, offset)
}

// WalkFunc is called once per key, in ascending order, by Walk.
type WalkFunc func(key [KeySize]byte, valueOffset uint64, depth int) error

// Walk performs an in-order traversal of the tree starting at the root,
// for debugging and for verifying the sorted-keys property. It is not part
// of the production read path.
func (t *Tree) Walk(fn WalkFunc) error {
	if t.closed {
		return ErrDatabaseClosed
	}
	return t.walk(t.rootPtr, 0, fn)
}

func (t *Tree) walk(ptr uint64, depth int, fn WalkFunc) error {
	n, err := t.readNode(ptr)
	if err != nil {
		return err
	}

	var j int
	for j = 0; j < int(n.numKeys); j++ {
		if n.children[j] != 0 {
			if err := t.walk(n.children[j], depth+1, fn); err != nil {
				return err
			}
		}
		if err := fn(n.keys[j], n.values[j], depth); err != nil {
			return err
		}
	}
	if n.children[j] != 0 {
		if err := t.walk(n.children[j], depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}
