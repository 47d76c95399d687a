// Package heap implements the kernel heap allocator (§4.2): a single
// growable arena carved out of kernel virtual memory, managed with
// boundary-tag (head+foot) free blocks and a singly-linked free list,
// first-fit allocation with splitting, and left-only coalescing on
// free.
package heap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"kernelcore/internal/kerrors"
)

// magic tags every live head/foot so deallocate/validate can detect
// heap corruption before trusting a pointer's metadata.
const magic uint32 = 0x71ff11a1

// headSize/footSize are the encoded boundary-tag sizes. head carries
// {magic(4) totalSize(8) free(1) stateVal(8)}; foot carries a single
// back-offset(8) pointing at its block's head.
const (
	headSize   = 4 + 8 + 1 + 8
	footSize   = 8
	headerSize = headSize + footSize
	alignment  = 32
)

// zeroAllocSentinel is the fixed, comparable, unfreeable address
// returned for a zero-size allocation (§8: "allocate(0) returns a
// unique, non-null, non-dereferenceable sentinel; repeated calls
// return the same value; deallocate with size 0 on it is a no-op;
// deallocate with nonzero size on it panics").
const zeroAllocSentinel uintptr = 1

// PageSource supplies fresh zeroed kernel pages to grow the arena, and
// reports the page size it hands out. Expand demands whole pages; the
// heap never maps memory itself.
type PageSource interface {
	PageSize() int
	DemandPages(n int) ([]byte, error)
}

// Heap is a single-arena first-fit allocator over kernel virtual
// memory (§4.2). All state is protected by mu: the teacher's own
// allocator globals are similarly guarded by a single coarse lock
// rather than fine-grained per-block locking.
type Heap struct {
	mu  sync.Mutex
	log logr.Logger

	pages PageSource

	arena     []byte // the full mapped heap range, grown by Expand
	firstFree uint64 // offset of the first free block's head, or noFree
	reservationCeiling uint64 // Non-goals/§9: hard ceiling on arena growth, 0 = unbounded
}

const noFree = ^uint64(0)

// New creates an empty heap backed by pages. reservationCeiling bounds
// total arena growth in bytes (0 disables the bound), giving
// ErrOutOfReservation somewhere to bite independently of physical
// memory exhaustion.
func New(pages PageSource, reservationCeiling uint64, log logr.Logger) *Heap {
	return &Heap{pages: pages, firstFree: noFree, reservationCeiling: reservationCeiling, log: log}
}

// roundBlockSize rounds a requested payload size up to the smallest
// multiple of the alignment that also leaves room for the boundary
// tags.
func roundBlockSize(payload int) uint64 {
	need := uint64(payload) + headerSize
	if rem := need % alignment; rem != 0 {
		need += alignment - rem
	}
	return need
}

// Allocate reserves a block of at least size bytes (§4.2). A size of
// zero returns the shared sentinel without touching the arena.
func (h *Heap) Allocate(size int, _ int) (uintptr, error) {
	if size < 0 {
		panic("heap: negative allocation size")
	}
	if size == 0 {
		return zeroAllocSentinel, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	blockSize := roundBlockSize(size)

	if off, ok := h.scanFreeList(blockSize); ok {
		h.markUsed(off, uint64(size))
		return h.userPtr(off), nil
	}

	off, err := h.expand(blockSize)
	if err != nil {
		return 0, err
	}
	h.markUsed(off, uint64(size))
	return h.userPtr(off), nil
}

// scanFreeList walks the free list looking for the first block whose
// total size can satisfy blockSize, splitting off a tail free block
// when the found block is large enough to be worth splitting, or
// unlinking it whole otherwise. Returns the head offset of the block
// now ready to be marked Used, or ok=false if no block fits.
func (h *Heap) scanFreeList(blockSize uint64) (uint64, bool) {
	prev := noFree
	cur := h.firstFree
	for cur != noFree {
		hd := h.readHead(cur)
		if hd.magic != magic {
			panic(fmt.Sprintf("heap: corrupted free list at offset %d", cur))
		}
		if hd.free {
			if hd.size >= blockSize {
				next := hd.stateVal // next-free pointer when free
				if hd.size >= blockSize+headerSize+alignment {
					h.splitBlock(cur, blockSize, next, prev)
				} else {
					h.unlinkFree(cur, next, prev)
				}
				return cur, true
			}
			prev = cur
			cur = hd.stateVal
			continue
		}
		panic(fmt.Sprintf("heap: non-free block %d found in free list", cur))
	}
	return 0, false
}

// splitBlock carves a blockSize-sized block off the front of the free
// block at off (whose total size is larger), leaving the remainder as
// a new free block linked in off's place.
func (h *Heap) splitBlock(off, blockSize, next, prev uint64) {
	hd := h.readHead(off)
	tailOff := off + blockSize
	tailSize := hd.size - blockSize
	h.writeHead(tailOff, headerRec{magic: magic, size: tailSize, free: true, stateVal: next})
	h.writeFoot(tailOff, tailSize)
	h.relink(prev, tailOff)
	// off becomes the block the caller marks Used; stamp its head/foot
	// for the new, smaller size before handing it back.
	h.writeHead(off, headerRec{magic: magic, size: blockSize, free: true, stateVal: 0})
	h.writeFoot(off, blockSize)
}

// unlinkFree removes the free block at off from the free list,
// stitching prev (or firstFree) directly to next.
func (h *Heap) unlinkFree(off, next, prev uint64) {
	h.relink(prev, next)
}

func (h *Heap) relink(prev, next uint64) {
	if prev == noFree {
		h.firstFree = next
		return
	}
	phd := h.readHead(prev)
	phd.stateVal = next
	h.writeHead(prev, phd)
}

// markUsed stamps the block at off as Used(requestedSize).
func (h *Heap) markUsed(off, requestedSize uint64) {
	hd := h.readHead(off)
	hd.free = false
	hd.stateVal = requestedSize
	h.writeHead(off, hd)
}

func (h *Heap) userPtr(headOff uint64) uintptr { return uintptr(headOff + headSize) }
func (h *Heap) headOffsetFor(ptr uintptr) uint64 { return uint64(ptr) - headSize }

// expand demands enough fresh pages to satisfy blockSize and appends
// them to the arena, fusing the growth into the arena's current
// trailing block if that block is already free rather than leaving a
// disjoint adjacent free block (§4.2), then re-runs the free-list scan
// (the grown/new block is always large enough, so it always succeeds).
func (h *Heap) expand(blockSize uint64) (uint64, error) {
	pageSize := uint64(h.pages.PageSize())
	pagesNeeded := (blockSize + pageSize - 1) / pageSize
	grow := pagesNeeded * pageSize

	if h.reservationCeiling != 0 && uint64(len(h.arena))+grow > h.reservationCeiling {
		return 0, kerrors.ErrOutOfReservation
	}

	fresh, err := h.pages.DemandPages(int(pagesNeeded))
	if err != nil {
		return 0, fmt.Errorf("heap: expand: %w", kerrors.ErrOutOfMemory)
	}
	if uint64(len(fresh)) != grow {
		panic("heap: page source returned wrong byte count")
	}

	oldLen := uint64(len(h.arena))
	h.arena = append(h.arena, fresh...)

	if oldLen != 0 {
		trailHeadOff := h.readFoot(oldLen - footSize)
		trailHd := h.readHead(trailHeadOff)
		if trailHd.magic == magic && trailHd.free {
			trailHd.size += grow
			h.writeHead(trailHeadOff, trailHd)
			h.writeFoot(trailHeadOff, trailHd.size)

			off, ok := h.scanFreeList(blockSize)
			if !ok {
				panic("heap: freshly expanded block did not satisfy request")
			}
			return off, nil
		}
	}

	newOff := oldLen
	h.writeHead(newOff, headerRec{magic: magic, size: grow, free: true, stateVal: h.firstFree})
	h.writeFoot(newOff, grow)
	h.firstFree = newOff

	off, ok := h.scanFreeList(blockSize)
	if !ok {
		panic("heap: freshly expanded block did not satisfy request")
	}
	return off, nil
}

// ExpandAlloc grows an existing Used block in place to newSize,
// returning false (no-op) if the block's current capacity cannot hold
// it -- this path never coalesces with neighbors (§4.2, §9).
func (h *Heap) ExpandAlloc(ptr uintptr, newSize int) bool {
	if ptr == zeroAllocSentinel {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	off := h.headOffsetFor(ptr)
	hd := h.validate(off)
	if hd.free {
		panic("heap: expand_alloc on a free block")
	}
	if hd.size < uint64(newSize)+headerSize {
		return false
	}
	hd.stateVal = uint64(newSize)
	h.writeHead(off, hd)
	return true
}

// ShrinkAlloc updates the recorded requested size of a Used block
// downward without touching its physical capacity or neighbors.
func (h *Heap) ShrinkAlloc(ptr uintptr, newSize int) {
	if ptr == zeroAllocSentinel {
		if newSize != 0 {
			panic("heap: shrink_alloc grows the zero-alloc sentinel")
		}
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	off := h.headOffsetFor(ptr)
	hd := h.validate(off)
	if hd.free {
		panic("heap: shrink_alloc on a free block")
	}
	if uint64(newSize) > hd.stateVal {
		panic("heap: shrink_alloc grows a block")
	}
	hd.stateVal = uint64(newSize)
	h.writeHead(off, hd)
}

// Deallocate frees a previously allocated block. size must match the
// block's currently recorded requested size exactly; a mismatch is
// corruption-grade caller error and panics (§7, §8). Freeing merges
// left into the immediately preceding block when it is free; right
// fusion is deliberately not attempted (§9 design note, the teacher's
// Open Question).
func (h *Heap) Deallocate(ptr uintptr, size int) {
	if ptr == zeroAllocSentinel {
		if size != 0 {
			panic("heap: deallocate with nonzero size on the zero-alloc sentinel")
		}
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	off := h.headOffsetFor(ptr)
	hd := h.validate(off)
	if hd.free {
		panic("heap: double free")
	}
	if hd.stateVal != uint64(size) {
		panic("heap: deallocate size mismatch")
	}

	blockOff, blockSize := off, hd.size

	if blockOff != 0 {
		prevFootOff := blockOff - footSize
		prevHeadOff := h.readFoot(prevFootOff)
		prevHd := h.readHead(prevHeadOff)
		if prevHd.magic == magic && prevHd.free {
			blockOff = prevHeadOff
			blockSize = prevHd.size + blockSize
			// prev is already linked into the free list; just grow it
			// in place rather than re-inserting.
			prevHd.size = blockSize
			h.writeHead(blockOff, prevHd)
			h.writeFoot(blockOff, blockSize)
			return
		}
	}

	h.writeHead(blockOff, headerRec{magic: magic, size: blockSize, free: true, stateVal: h.firstFree})
	h.writeFoot(blockOff, blockSize)
	h.firstFree = blockOff
}

// validate re-reads and sanity-checks the head at off, panicking with
// the corruption error on a bad magic (§7: "heap magic/back-pointer
// mismatch -> panic").
func (h *Heap) validate(off uint64) headerRec {
	if off+headSize > uint64(len(h.arena)) {
		panic(kerrors.ErrCorrupted)
	}
	hd := h.readHead(off)
	if hd.magic != magic {
		panic(kerrors.ErrCorrupted)
	}
	footOff := off + headSize + h.payloadCapacity(hd)
	backOff := h.readFoot(footOff)
	if backOff != off {
		panic(kerrors.ErrCorrupted)
	}
	return hd
}

func (h *Heap) payloadCapacity(hd headerRec) uint64 { return hd.size - headerSize }

// headerRec is the decoded form of a head; stateVal means "next free
// block offset" when free, or "requested user size" when used.
type headerRec struct {
	magic    uint32
	size     uint64
	free     bool
	stateVal uint64
}

func (h *Heap) readHead(off uint64) headerRec {
	b := h.arena[off : off+headSize]
	return headerRec{
		magic:    binary.LittleEndian.Uint32(b[0:4]),
		size:     binary.LittleEndian.Uint64(b[4:12]),
		free:     b[12] != 0,
		stateVal: binary.LittleEndian.Uint64(b[13:21]),
	}
}

func (h *Heap) writeHead(off uint64, hd headerRec) {
	b := h.arena[off : off+headSize]
	binary.LittleEndian.PutUint32(b[0:4], hd.magic)
	binary.LittleEndian.PutUint64(b[4:12], hd.size)
	if hd.free {
		b[12] = 1
	} else {
		b[12] = 0
	}
	binary.LittleEndian.PutUint64(b[13:21], hd.stateVal)
}

func (h *Heap) writeFoot(headOff, blockSize uint64) {
	footOff := headOff + blockSize - footSize
	binary.LittleEndian.PutUint64(h.arena[footOff:footOff+footSize], headOff)
}

func (h *Heap) readFoot(footOff uint64) uint64 {
	return binary.LittleEndian.Uint64(h.arena[footOff : footOff+footSize])
}

// ArenaLen reports the heap's current total mapped size, for tests and
// diagnostics.
func (h *Heap) ArenaLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.arena)
}

// FreeBlocks walks the free list and returns each free block's size,
// in list order, for invariant assertions in tests.
func (h *Heap) FreeBlocks() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []uint64
	cur := h.firstFree
	for cur != noFree {
		hd := h.readHead(cur)
		out = append(out, hd.size)
		cur = hd.stateVal
	}
	return out
}
