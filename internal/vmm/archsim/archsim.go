// Package archsim is the architecture-specific half of the VMM (§4.1).
// A real kernel core would have one such package per architecture
// (amd64, arm64, ...), each walking that processor's native page-table
// format. This module is hosted rather than freestanding, so archsim
// walks a simulated page table -- a single flat, sparse map of leaf
// entries standing in for the PML4/PDPT/PD/PT hierarchy the teacher's biscuit/src/mem and
// biscuit/src/vm packages walk via *Pmap_t arrays -- while exposing
// exactly the operation table spec.md §4.1 requires, so the
// architecture-independent facade (internal/vmm) never needs to know
// the difference.
package archsim

import (
	"sync"

	"kernelcore/internal/kerrors"
	"kernelcore/internal/pmm"
)

// ProtMode is the enumerated protection mode from §3 ("Protection
// mode"). Exactly one mode is encoded per page-table entry.
type ProtMode int

const (
	Unmapped ProtMode = iota
	KernelRO
	KernelRW
	KernelRX
	UserRO
	UserRW
	UserRX
	UserCOW
	UserRWX
)

func (p ProtMode) IsUser() bool {
	switch p {
	case UserRO, UserRW, UserRX, UserCOW, UserRWX:
		return true
	}
	return false
}

func (p ProtMode) Writable() bool {
	switch p {
	case KernelRW, UserRW, UserRWX:
		return true
	}
	return false
}

// VA/PA are virtual/physical addresses in the simulated address space.
// PA indexes into the frame pool 1:1 with pmm.Frame; we keep a
// distinct type so callers cannot confuse a page index with a byte
// address.
type VA uintptr
type PA = pmm.Frame

type pte struct {
	frame   PA
	mode    ProtMode
	present bool
	// reserved marks a lazily-allocated entry: is_reserved() is true
	// for both present and reserved-but-not-yet-backed entries (§4.1).
	reserved bool
}

// PageTable is one architecture-specific per-address-space page
// table. The identity-mapped "fixed" region and the per-AS leaf
// entries are tracked separately, mirroring how a real walker treats
// the low physical-identity window specially (fixed_alloc/is_fixed_alloc).
type PageTable struct {
	mu          sync.Mutex
	pageSize    uintptr
	leaves      map[VA]*pte
	identityLo  VA
	identityHi  VA
	tempSlots   []tempSlot
	tempSem     chan struct{}
}

type tempSlot struct {
	inUse bool
	va    VA
	frame PA
}

// NewPageTable constructs a page table for one address space.
// identityLo/identityHi describe the fixed (identity-mapped) virtual
// window used by fixed_alloc/is_fixed_alloc; tempSlots sizes the
// semaphore-gated per-CPU temp-mapping slot pool (§3 TempHandle).
func NewPageTable(pageSize uintptr, identityLo, identityHi VA, tempSlots int) *PageTable {
	pt := &PageTable{
		pageSize:   pageSize,
		leaves:     make(map[VA]*pte),
		identityLo: identityLo,
		identityHi: identityHi,
		tempSlots:  make([]tempSlot, tempSlots),
		tempSem:    make(chan struct{}, tempSlots),
	}
	for i := 0; i < tempSlots; i++ {
		pt.tempSem <- struct{}{}
	}
	return pt
}

func (pt *PageTable) pageOf(va VA) VA { return va - (va % VA(pt.pageSize)) }

// Map installs a leaf mapping at va for physical frame pa with the
// given protection mode. Fails-assert (panics) if va was already
// present: mapping over live memory indicates a caller bug (§4.1).
func (pt *PageTable) Map(va VA, pa PA, prot ProtMode) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	va = pt.pageOf(va)
	if e, ok := pt.leaves[va]; ok && e.present {
		panic("archsim: map over already-present entry")
	}
	pt.leaves[va] = &pte{frame: pa, mode: prot, present: true, reserved: true}
	// TLB invalidation is a no-op in the simulator: there is no
	// separate cached translation to flush.
}

// Unmap clears the leaf entry at va and returns the physical frame
// that was mapped there, if any. Does not drop the frame's refcount;
// the caller (VMM facade) does that.
func (pt *PageTable) Unmap(va VA) (PA, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	va = pt.pageOf(va)
	e, ok := pt.leaves[va]
	if !ok || !e.present {
		return 0, false
	}
	pa := e.frame
	delete(pt.leaves, va)
	return pa, true
}

// Reprotect changes only the protection mode of an already-present
// entry, keeping the same physical frame. Panics if unmapped.
func (pt *PageTable) Reprotect(va VA, prot ProtMode) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	va = pt.pageOf(va)
	e, ok := pt.leaves[va]
	if !ok || !e.present {
		panic("archsim: reprotect of unmapped entry")
	}
	e.mode = prot
}

// GetPhys resolves va to its physical frame. Panics if unmapped (a
// real walker would fault instead; callers resolve only addresses
// they already know are mapped).
func (pt *PageTable) GetPhys(va VA) PA {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	va = pt.pageOf(va)
	e, ok := pt.leaves[va]
	if !ok || !e.present {
		panic("archsim: get_phys of unmapped entry")
	}
	return e.frame
}

// IsReserved reports whether the entry at va is non-zero -- present
// or marked for lazy allocation.
func (pt *PageTable) IsReserved(va VA) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	va = pt.pageOf(va)
	e, ok := pt.leaves[va]
	return ok && e.reserved
}

// GetInfo is like GetPhys but also returns the protection mode; it
// returns ok=false if unmapped rather than panicking.
func (pt *PageTable) GetInfo(va VA) (pa PA, prot ProtMode, ok bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	va = pt.pageOf(va)
	e, present := pt.leaves[va]
	if !present || !e.present {
		return 0, Unmapped, false
	}
	return e.frame, e.mode, true
}

// FixedAlloc returns a virtual address for pa if it falls within the
// identity-mapped region, scaled by n pages.
func (pt *PageTable) FixedAlloc(pa PA, n int) (VA, bool) {
	va := VA(uintptr(pa) * pt.pageSize)
	if va < pt.identityLo || va+VA(n)*VA(pt.pageSize) > pt.identityHi {
		return 0, false
	}
	return va, true
}

// IsFixedAlloc reports whether [va, va+n*pageSize) lies in the
// identity region.
func (pt *PageTable) IsFixedAlloc(va VA, n int) bool {
	end := va + VA(n)*VA(pt.pageSize)
	return va >= pt.identityLo && end <= pt.identityHi
}

// CanMapWithoutAlloc reports whether mapping va would require no new
// intermediate tables. The simulated table never needs intermediate
// allocation, so this is always true (§4.1, §4.2). Nothing in
// internal/heap calls it.
func (pt *PageTable) CanMapWithoutAlloc(va VA) bool { return true }

// TempMap acquires a semaphore-gated slot, installs a KernelRW mapping
// for pa, and returns the slot's virtual address. Blocks if all slots
// are in use (§3 TempHandle, §4.1).
func (pt *PageTable) TempMap(pa PA) VA {
	<-pt.tempSem
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := range pt.tempSlots {
		if !pt.tempSlots[i].inUse {
			va := pt.identityHi + VA(i+1)*VA(pt.pageSize)
			pt.tempSlots[i] = tempSlot{inUse: true, va: va, frame: pa}
			pt.leaves[va] = &pte{frame: pa, mode: KernelRW, present: true, reserved: true}
			return va
		}
	}
	panic("archsim: temp slot accounting desynced")
}

// TempUnmap releases the slot mapped at va.
func (pt *PageTable) TempUnmap(va VA) {
	pt.mu.Lock()
	found := false
	for i := range pt.tempSlots {
		if pt.tempSlots[i].inUse && pt.tempSlots[i].va == va {
			pt.tempSlots[i] = tempSlot{}
			delete(pt.leaves, va)
			found = true
			break
		}
	}
	pt.mu.Unlock()
	if !found {
		panic("archsim: temp_unmap of address with no held slot")
	}
	pt.tempSem <- struct{}{}
}

// FaultHandler implements the copy-on-write write-fault path described
// in §4.1: on a write fault to a UserCOW page, make the frame unique
// and reprotect to UserRW. ram is the pool that owns the frames.
func FaultHandler(pt *PageTable, ram *pmm.Manager, va VA) error {
	pt.mu.Lock()
	e, ok := pt.leaves[pt.pageOf(va)]
	if !ok || !e.present || e.mode != UserCOW {
		pt.mu.Unlock()
		return kerrors.ErrRangeInUse
	}
	oldFrame := e.frame
	pt.mu.Unlock()

	newFrame, err := ram.MakeUnique(oldFrame)
	if err != nil {
		return err
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	e.frame = newFrame
	e.mode = UserRW
	return nil
}
