package redbtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, preallocSize uint32) (*allocator, Device) {
	t.Helper()

	dev := NewInMemoryDevice()
	freeListBase := uint64(32)
	headerSize := freeListBase + uint64(sizeClassCount)*freeListBlockSlotSize
	require.NoError(t, dev.Resize(headerSize))

	opts := DefaultOptions()
	if preallocSize > 0 {
		opts.preallocSize = preallocSize
	}

	a := newAllocator(dev, 16, 24, freeListBase, opts)
	require.NoError(t, a.initHeads(headerSize))
	return a, dev
}

func TestRealSizeAndClassIndex(t *testing.T) {
	t.Parallel()

	cases := []struct {
		size      uint32
		wantReal  uint32
		wantClass int
	}{
		{0, 16, 0},
		{8, 16, 0},
		{9, 32, 1},
		{2032, 2048, 7},
	}
	for _, c := range cases {
		got := realSize(c.size)
		assert.Equal(t, c.wantReal, got, "realSize(%d)", c.size)
		assert.Equal(t, c.wantClass, classIndex(got), "classIndex(%d)", got)
	}

	assert.Equal(t, freeListSizeClassIndex, classIndex(realSize(freeListBlockPayloadSize)))
}

func TestAllocatorRoundTrip(t *testing.T) {
	t.Parallel()

	a, _ := newTestAllocator(t, 0)

	for _, size := range []uint32{0, 1, 8, 100, 4096, 1 << 20} {
		ptr, err := a.Allocate(size)
		require.NoError(t, err)

		got, err := a.SizeOf(ptr)
		require.NoError(t, err)
		assert.Equal(t, size, got)
	}
}

func TestAllocatorRejectsOversizedAllocation(t *testing.T) {
	t.Parallel()

	a, _ := newTestAllocator(t, 0)
	_, err := a.Allocate(maxAllocSize + 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAllocatorFreeListReuse(t *testing.T) {
	t.Parallel()

	a, _ := newTestAllocator(t, 0)

	ptr1, err := a.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, a.Free(ptr1))

	ptr2, err := a.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, ptr1, ptr2, "freeing and reallocating the same size should reuse the extent before growing the bump area")
}

func TestAllocatorPreallocGrowsBumpArea(t *testing.T) {
	t.Parallel()

	a, dev := newTestAllocator(t, 64)
	before, err := dev.Size()
	require.NoError(t, err)

	_, err = a.Allocate(1000)
	require.NoError(t, err)

	after, err := dev.Size()
	require.NoError(t, err)
	assert.Greater(t, after, before)
}

// TestAllocatorNonTailBlocksAreFull exercises P7: every free-list block
// except the tail carries exactly freeListBlockItems entries.
func TestAllocatorNonTailBlocksAreFull(t *testing.T) {
	t.Parallel()

	a, dev := newTestAllocator(t, 1<<20)

	const n = freeListBlockItems + 10
	ptrs := make([]uint64, n)
	for i := range ptrs {
		p, err := a.Allocate(64)
		require.NoError(t, err)
		ptrs[i] = p
	}
	for _, p := range ptrs {
		require.NoError(t, a.Free(p))
	}

	class := classIndex(realSize(64))
	blocks := a.blocks[class]
	require.GreaterOrEqual(t, len(blocks), 2)

	for _, off := range blocks[:len(blocks)-1] {
		numItems, err := readUint64(dev, off+freeListNumItemsOffset)
		require.NoError(t, err)
		assert.Equal(t, uint64(freeListBlockItems), numItems)
	}
}

// TestAllocatorBalancedSequenceDoesNotGrowFile exercises P6: repeating a
// balanced allocate/free sequence for the same size and count must not
// grow the file further once the free lists have absorbed the first round.
func TestAllocatorBalancedSequenceDoesNotGrowFile(t *testing.T) {
	t.Parallel()

	a, dev := newTestAllocator(t, 1<<20)

	const n = freeListBlockItems + 10
	runRound := func() {
		ptrs := make([]uint64, n)
		for i := range ptrs {
			p, err := a.Allocate(64)
			require.NoError(t, err)
			ptrs[i] = p
		}
		for _, p := range ptrs {
			require.NoError(t, a.Free(p))
		}
	}

	runRound()
	sizeAfterFirst, err := dev.Size()
	require.NoError(t, err)

	runRound()
	sizeAfterSecond, err := dev.Size()
	require.NoError(t, err)

	assert.Equal(t, sizeAfterFirst, sizeAfterSecond)
}

// TestAllocatorReentrancySpecialCase exercises the free() special case
// where an extent being freed lands in the same size class as free-list
// blocks themselves: enough of them are freed to fill and then adopt a
// fresh tail block directly, instead of recursing into Allocate for a
// same-class block.
func TestAllocatorReentrancySpecialCase(t *testing.T) {
	t.Parallel()

	a, _ := newTestAllocator(t, 1<<20)
	require.Equal(t, freeListSizeClassIndex, classIndex(realSize(freeListBlockPayloadSize)))

	const n = freeListBlockItems + 5
	ptrs := make([]uint64, n)
	for i := range ptrs {
		p, err := a.Allocate(freeListBlockPayloadSize)
		require.NoError(t, err)
		ptrs[i] = p
	}
	for _, p := range ptrs {
		require.NoError(t, a.Free(p))
	}
}

func TestAllocatorLoadRebuildsChains(t *testing.T) {
	t.Parallel()

	a, dev := newTestAllocator(t, 0)

	const n = freeListBlockItems + 3
	ptrs := make([]uint64, n)
	for i := range ptrs {
		p, err := a.Allocate(64)
		require.NoError(t, err)
		ptrs[i] = p
	}
	for _, p := range ptrs {
		require.NoError(t, a.Free(p))
	}

	opts := DefaultOptions()
	b := newAllocator(dev, a.freePos, a.freeOffPos, a.freeListBase, opts)
	require.NoError(t, b.load())

	class := classIndex(realSize(64))
	assert.Equal(t, a.blocks[class], b.blocks[class])
	assert.Equal(t, a.lastItems[class], b.lastItems[class])
	assert.Equal(t, a.free, b.free)
	assert.Equal(t, a.freeOff, b.freeOff)
}
