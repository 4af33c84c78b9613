package redbtree

import (
	"fmt"
	"math/bits"
)

// This file is the space allocator: a power-of-two free-list allocator
// over a single Device, backed by on-disk linked lists of free-pointer
// blocks (one list per size class) plus a bump area at the tail of the
// file with an automatic pre-allocation window.

const (
	// sizeClassCount is the number of power-of-two size classes, indexed
	// 0..27, corresponding to allocation sizes 2^4=16 through 2^31=2GiB.
	sizeClassCount = 28

	// minRealSize is the floor for any extent's real (power-of-two) size.
	minRealSize = 16

	// maxAllocSize is the largest size argument allocate() accepts. It is
	// chosen so that realSize(maxAllocSize) never exceeds 2^31, keeping
	// every size class within [0, sizeClassCount).
	maxAllocSize = (1 << 31) - 8

	// freeListBlockItems is the number of free-pointer entries a single
	// on-disk free-list block can hold.
	freeListBlockItems = 252

	// freeListBlockPayloadSize is the logical size of a free-list block's
	// content: prev(8) + next(8) + numitems(8) + items[252](8 each).
	freeListBlockPayloadSize = 24 + freeListBlockItems*8 // 2040

	// freeListBlockSlotSize is the on-disk footprint reserved for a
	// free-list block, padded to a power of two so that a chained
	// (non-head) block, once allocated as an extent of
	// freeListBlockPayloadSize bytes, lands in exactly this many bytes
	// (realSize(2040) == 2048) and every head block in the header region
	// can be laid out at a fixed, class-aligned stride.
	freeListBlockSlotSize = 2048

	// freeListSizeClassExp/Index identify the size class that free-list
	// blocks themselves belong to when treated as ordinary extents. This
	// is the class the re-entrancy special case in Allocate/Free breaks
	// the allocator/free cycle on.
	freeListSizeClassExp   = 11 // log2(2048)
	freeListSizeClassIndex = freeListSizeClassExp - 4

	freeListPrevOffset     = 0
	freeListNextOffset     = 8
	freeListNumItemsOffset = 16
	freeListItemsOffset    = 24

	defaultPreallocSize = 512 * 1024
)

// realSize returns the smallest power of two, floored at 16, that is at
// least size+8 (room for the 8-byte user_size header that precedes every
// extent's payload).
func realSize(size uint32) uint32 {
	need := uint64(size) + 8
	if need < minRealSize {
		need = minRealSize
	}
	return uint32(nextPow2(need))
}

func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}
	return uint64(1) << bits.Len64(n)
}

// classIndex returns the size-class index (0..27) for a power-of-two
// realSize.
func classIndex(realsize uint32) int {
	exp := bits.Len32(realsize) - 1
	return exp - 4
}

// classHeadOffset returns the fixed file offset of class k's head block,
// relative to the start of the free-list header region.
func classHeadOffset(freeListBase uint64, class int) uint64 {
	return freeListBase + uint64(class)*freeListBlockSlotSize
}

// allocator manages extent allocation over a Device. It owns the file
// header's `free`/`freeoff` bump-area fields and the 28 on-disk free-list
// chains, caching each chain's block offsets and the live item count of
// its tail block in memory.
type allocator struct {
	dev    Device
	logger Logger

	freePos    uint64 // fixed file offset of the `free` header field
	freeOffPos uint64 // fixed file offset of the `freeoff` header field
	freeListBase uint64 // fixed file offset of class 0's head block

	writeBarrier bool
	preallocSize uint32

	free    uint64
	freeOff uint64

	blocks    [sizeClassCount][]uint64
	lastItems [sizeClassCount]uint32
}

func newAllocator(dev Device, freePos, freeOffPos, freeListBase uint64, opts Options) *allocator {
	return &allocator{
		dev:          dev,
		logger:       opts.logger,
		freePos:      freePos,
		freeOffPos:   freeOffPos,
		freeListBase: freeListBase,
		writeBarrier: opts.useWriteBarrier,
		preallocSize: opts.preallocSize,
	}
}

func (a *allocator) SetWriteBarrier(enabled bool) {
	a.writeBarrier = enabled
}

func (a *allocator) barrier() error {
	if !a.writeBarrier {
		return nil
	}
	return a.dev.Sync()
}

// initHeads zero-initializes all 28 head blocks and the free/freeoff
// fields; used only when creating a brand-new database.
func (a *allocator) initHeads(freeOff uint64) error {
	for k := 0; k < sizeClassCount; k++ {
		off := classHeadOffset(a.freeListBase, k)
		if err := writeUint64(a.dev, off+freeListPrevOffset, 0); err != nil {
			return err
		}
		if err := writeUint64(a.dev, off+freeListNextOffset, 0); err != nil {
			return err
		}
		if err := writeUint64(a.dev, off+freeListNumItemsOffset, 0); err != nil {
			return err
		}
		a.blocks[k] = []uint64{off}
		a.lastItems[k] = 0
	}

	a.free = 0
	a.freeOff = freeOff
	if err := writeUint64(a.dev, a.freePos, a.free); err != nil {
		return err
	}
	if err := writeUint64(a.dev, a.freeOffPos, a.freeOff); err != nil {
		return err
	}
	return a.barrier()
}

// load reads free/freeoff and walks every size class's on-disk chain to
// rebuild the in-memory block list and tail item counts; used when opening
// an existing database.
func (a *allocator) load() error {
	free, err := readUint64(a.dev, a.freePos)
	if err != nil {
		return err
	}
	freeOff, err := readUint64(a.dev, a.freeOffPos)
	if err != nil {
		return err
	}
	a.free = free
	a.freeOff = freeOff

	for k := 0; k < sizeClassCount; k++ {
		off := classHeadOffset(a.freeListBase, k)
		var chain []uint64
		var lastItems uint32
		for {
			chain = append(chain, off)
			next, err := readUint64(a.dev, off+freeListNextOffset)
			if err != nil {
				return err
			}
			numItems, err := readUint64(a.dev, off+freeListNumItemsOffset)
			if err != nil {
				return err
			}
			lastItems = uint32(numItems)
			if next == 0 {
				break
			}
			off = next
		}
		a.blocks[k] = chain
		a.lastItems[k] = lastItems
	}
	return nil
}

// Allocate returns a file offset pointing at the first byte of a writable
// region of at least size bytes, or an error if the request cannot be
// satisfied.
func (a *allocator) Allocate(size uint32) (uint64, error) {
	if size > maxAllocSize {
		return 0, ErrInvalidArgument
	}

	realsize := realSize(size)
	class := classIndex(realsize)

	ptr, ok, err := a.popFreeList(class)
	if err != nil {
		return 0, err
	}
	if ok {
		oldSize, err := readUint64(a.dev, ptr-8)
		if err != nil {
			return 0, err
		}
		if uint32(oldSize) != size {
			if err := writeUint64(a.dev, ptr-8, uint64(size)); err != nil {
				return 0, err
			}
			if err := a.barrier(); err != nil {
				return 0, err
			}
		}
		return ptr, nil
	}

	if a.free < uint64(realsize) {
		cur, err := a.dev.Size()
		if err != nil {
			return 0, err
		}
		chunk := uint64(a.preallocSize)
		grow := (uint64(realsize) - a.free + chunk - 1) / chunk * chunk
		if err := a.dev.Resize(cur + grow); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrNoSpace, err)
		}
		a.free += grow
	}

	offset := a.freeOff
	a.free -= uint64(realsize)
	a.freeOff += uint64(realsize)

	if err := writeUint64(a.dev, a.freePos, a.free); err != nil {
		return 0, err
	}
	if err := writeUint64(a.dev, a.freeOffPos, a.freeOff); err != nil {
		return 0, err
	}
	if err := writeUint64(a.dev, offset, uint64(size)); err != nil {
		return 0, err
	}
	if err := a.barrier(); err != nil {
		return 0, err
	}
	return offset + 8, nil
}

// popFreeList pops one free extent off class k's on-disk free-list chain.
func (a *allocator) popFreeList(class int) (uint64, bool, error) {
	blocks := a.blocks[class]
	lastItems := a.lastItems[class]

	if lastItems == 0 && len(blocks) == 1 {
		return 0, false, nil
	}

	if lastItems == 0 {
		tail := blocks[len(blocks)-1]
		prev := blocks[len(blocks)-2]

		if err := writeUint64(a.dev, prev+freeListNextOffset, 0); err != nil {
			return 0, false, err
		}
		if err := a.barrier(); err != nil {
			return 0, false, err
		}

		blocks = blocks[:len(blocks)-1]
		a.blocks[class] = blocks
		a.lastItems[class] = freeListBlockItems

		if class == freeListSizeClassIndex {
			a.logger.Info("redbtree: freelist block reused directly", "class", class, "offset", tail)
			return tail, true, nil
		}

		a.logger.Info("redbtree: freelist tail block reclaimed", "class", class, "offset", tail)
		if err := a.freeExtent(tail); err != nil {
			return 0, false, err
		}
		blocks = a.blocks[class]
		lastItems = a.lastItems[class]
	}

	if len(blocks) == 0 || lastItems == 0 {
		return 0, false, nil
	}

	tail := blocks[len(blocks)-1]
	entryOff := tail + freeListItemsOffset + uint64(lastItems-1)*8
	entry, err := readUint64(a.dev, entryOff)
	if err != nil {
		return 0, false, err
	}

	lastItems--
	if err := writeUint64(a.dev, tail+freeListNumItemsOffset, uint64(lastItems)); err != nil {
		return 0, false, err
	}
	if err := a.barrier(); err != nil {
		return 0, false, err
	}
	a.lastItems[class] = lastItems

	return entry + 8, true, nil
}

// Free releases an extent previously returned by Allocate.
func (a *allocator) Free(ptr uint64) error {
	return a.freeExtent(ptr)
}

func (a *allocator) freeExtent(ptr uint64) error {
	userSize, err := readUint64(a.dev, ptr-8)
	if err != nil {
		return err
	}
	realsize := realSize(uint32(userSize))
	class := classIndex(realsize)

	blocks := a.blocks[class]
	tail := blocks[len(blocks)-1]
	lastItems := a.lastItems[class]

	if lastItems == freeListBlockItems && class == freeListSizeClassIndex {
		// The extent being freed is exactly the size of a free-list
		// block: adopt it directly as the new tail instead of recursing
		// into Allocate for a same-class block, which would pop from the
		// very list we are trying to grow.
		if err := writeUint64(a.dev, ptr+freeListPrevOffset, tail); err != nil {
			return err
		}
		if err := writeUint64(a.dev, ptr+freeListNextOffset, 0); err != nil {
			return err
		}
		if err := writeUint64(a.dev, ptr+freeListNumItemsOffset, 0); err != nil {
			return err
		}
		if err := a.barrier(); err != nil {
			return err
		}

		if err := writeUint64(a.dev, tail+freeListNextOffset, ptr); err != nil {
			return err
		}
		if err := a.barrier(); err != nil {
			return err
		}

		a.blocks[class] = append(blocks, ptr)
		a.lastItems[class] = 0
		a.logger.Info("redbtree: adopted freed extent as freelist block", "offset", ptr)
		return nil
	}

	if lastItems == freeListBlockItems {
		newBlock, err := a.Allocate(freeListBlockPayloadSize)
		if err != nil {
			return err
		}

		if err := writeUint64(a.dev, newBlock+freeListPrevOffset, tail); err != nil {
			return err
		}
		if err := writeUint64(a.dev, newBlock+freeListNextOffset, 0); err != nil {
			return err
		}
		if err := writeUint64(a.dev, newBlock+freeListNumItemsOffset, 0); err != nil {
			return err
		}
		if err := a.barrier(); err != nil {
			return err
		}

		if err := writeUint64(a.dev, tail+freeListNextOffset, newBlock); err != nil {
			return err
		}
		if err := a.barrier(); err != nil {
			return err
		}

		a.blocks[class] = append(blocks, newBlock)
		a.lastItems[class] = 0
		tail = newBlock
		lastItems = 0
	}

	itemOff := tail + freeListItemsOffset + uint64(lastItems)*8
	if err := writeUint64(a.dev, itemOff, ptr-8); err != nil {
		return err
	}
	if err := a.barrier(); err != nil {
		return err
	}

	lastItems++
	if err := writeUint64(a.dev, tail+freeListNumItemsOffset, uint64(lastItems)); err != nil {
		return err
	}
	if err := a.barrier(); err != nil {
		return err
	}
	a.lastItems[class] = lastItems
	return nil
}

// SizeOf returns the original size argument used at allocation, read from
// the 8-byte header immediately preceding offset.
func (a *allocator) SizeOf(ptr uint64) (uint32, error) {
	v, err := readUint64(a.dev, ptr-8)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
