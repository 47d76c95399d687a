package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelcore/internal/klog"
)

// fakePages hands out zeroed byte slices and counts how many times it
// was asked to grow the arena, so tests can assert Expand is not
// called when a free block should already satisfy a request.
type fakePages struct {
	pageSize     int
	demandCalls  int
}

func (f *fakePages) PageSize() int { return f.pageSize }
func (f *fakePages) DemandPages(n int) ([]byte, error) {
	f.demandCalls++
	return make([]byte, n*f.pageSize), nil
}

func newTestHeap() (*Heap, *fakePages) {
	fp := &fakePages{pageSize: 4096}
	return New(fp, 0, klog.Discard()), fp
}

// TestHeapAllocateFreeReuse implements §8 scenario 1: allocate blocks
// of sizes {32, 64, 4096, 40} in that order, free them back in order
// {2, 0, 3, 1} (i.e. the 4096 block first, then the 32, then the 40,
// then the 64), and assert a subsequent 4096-byte allocation reuses
// the freed block rather than expanding the arena again.
func TestHeapAllocateFreeReuse(t *testing.T) {
	h, fp := newTestHeap()

	sizes := []int{32, 64, 4096, 40}
	ptrs := make([]uintptr, len(sizes))
	for i, sz := range sizes {
		p, err := h.Allocate(sz, 0)
		require.NoError(t, err)
		ptrs[i] = p
	}
	arenaAfterAlloc := h.ArenaLen()
	callsAfterAlloc := fp.demandCalls
	require.Greater(t, callsAfterAlloc, 0)

	freeOrder := []int{2, 0, 3, 1}
	for _, idx := range freeOrder {
		h.Deallocate(ptrs[idx], sizes[idx])
	}

	// The arena never shrinks; freeing only returns blocks to the
	// free list.
	assert.Equal(t, arenaAfterAlloc, h.ArenaLen())

	p, err := h.Allocate(4096, 0)
	require.NoError(t, err)
	assert.Equal(t, callsAfterAlloc, fp.demandCalls, "reuse of the freed 4096 block must not expand the arena")
	assert.NotZero(t, p)
}

func TestHeapZeroAllocSentinel(t *testing.T) {
	h, _ := newTestHeap()

	p1, err := h.Allocate(0, 0)
	require.NoError(t, err)
	p2, err := h.Allocate(0, 0)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.NotZero(t, p1)

	// Freeing the sentinel with size 0 is a no-op.
	assert.NotPanics(t, func() { h.Deallocate(p1, 0) })
}

func TestHeapZeroAllocSentinelNonzeroFreePanics(t *testing.T) {
	h, _ := newTestHeap()
	p, err := h.Allocate(0, 0)
	require.NoError(t, err)
	assert.Panics(t, func() { h.Deallocate(p, 8) })
}

func TestHeapDeallocateSizeMismatchPanics(t *testing.T) {
	h, _ := newTestHeap()
	p, err := h.Allocate(64, 0)
	require.NoError(t, err)
	assert.Panics(t, func() { h.Deallocate(p, 48) })
}

func TestHeapDoubleFreePanics(t *testing.T) {
	h, _ := newTestHeap()
	p, err := h.Allocate(64, 0)
	require.NoError(t, err)
	h.Deallocate(p, 64)
	assert.Panics(t, func() { h.Deallocate(p, 64) })
}

func TestHeapLeftMergeCoalescesAdjacentFreeBlocks(t *testing.T) {
	h, _ := newTestHeap()

	a, err := h.Allocate(64, 0)
	require.NoError(t, err)
	b, err := h.Allocate(64, 0)
	require.NoError(t, err)

	h.Deallocate(a, 64)
	before := len(h.FreeBlocks())
	h.Deallocate(b, 64)
	after := len(h.FreeBlocks())

	// b merges left into a's free block rather than appending a
	// second, disjoint free-list entry.
	assert.Equal(t, before, after)
}

func TestHeapExpandAllocInPlaceOnly(t *testing.T) {
	h, _ := newTestHeap()
	p, err := h.Allocate(64, 0)
	require.NoError(t, err)

	// Growing past the block's rounded capacity must fail rather than
	// silently coalescing with a neighbor.
	ok := h.ExpandAlloc(p, 1<<20)
	assert.False(t, ok)
}

// TestHeapExpandFusesWithTrailingFreeBlock covers §4.2's arena-growth
// requirement: growth must fuse with an already-free trailing block
// rather than leaving it in place and appending a second, disjoint
// free-list entry.
func TestHeapExpandFusesWithTrailingFreeBlock(t *testing.T) {
	h, fp := newTestHeap()

	// The first allocation demands a page and splits it, leaving the
	// remainder of the page as a free block trailing the arena.
	_, err := h.Allocate(64, 0)
	require.NoError(t, err)
	before := len(h.FreeBlocks())
	require.Equal(t, 1, before)

	// A request far larger than the remaining free tail forces a
	// second expand(); it must fuse the new pages into that trailing
	// free block instead of leaving a spurious, unfused neighbor.
	p, err := h.Allocate(1<<20, 0)
	require.NoError(t, err)
	assert.NotZero(t, p)
	assert.Greater(t, fp.demandCalls, 1, "the oversized request must have forced expand()")
	assert.Equal(t, before, len(h.FreeBlocks()), "expand must fuse with the existing trailing free block")
}

func TestHeapShrinkAllocUpdatesSizeOnly(t *testing.T) {
	h, _ := newTestHeap()
	p, err := h.Allocate(128, 0)
	require.NoError(t, err)
	assert.NotPanics(t, func() { h.ShrinkAlloc(p, 32) })
	assert.Panics(t, func() { h.ShrinkAlloc(p, 64) }, "shrink_alloc must not grow a block")
}
