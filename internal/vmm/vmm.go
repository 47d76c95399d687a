// Package vmm is the architecture-independent VMM facade (§4.1): it
// adds locking (a kernelspace/userspace RwLock pair), page counting,
// and the owning handle types (§3: AllocHandle, MmioHandle,
// TempHandle) on top of the archsim per-address-space page-table
// walker.
package vmm

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"kernelcore/internal/kerrors"
	"kernelcore/internal/ksync"
	"kernelcore/internal/pmm"
	"kernelcore/internal/vmm/archsim"
)

type ProtMode = archsim.ProtMode

const (
	Unmapped = archsim.Unmapped
	KernelRO = archsim.KernelRO
	KernelRW = archsim.KernelRW
	KernelRX = archsim.KernelRX
	UserRO   = archsim.UserRO
	UserRW   = archsim.UserRW
	UserRX   = archsim.UserRX
	UserCOW  = archsim.UserCOW
	UserRWX  = archsim.UserRWX
)

// AddressSpace is the opaque handle from §3: a set of user mappings.
// All address spaces share the upper (kernel) half, modeled here by
// every AddressSpace's PageTable sharing the same identity/kernel
// region bounds but owning distinct user-region bookkeeping.
type AddressSpace struct {
	PT *archsim.PageTable

	userMu   ksync.RwLock // per-address-space userspace RW lock (§4.1)
	userVAs  map[archsim.VA][]archsim.VA // tracks owned ranges for Drop
}

// Facade is the architecture-independent VMM entry point. One Facade
// is shared by every AddressSpace in the simulated system (it owns
// the single kernelspace lock and the PMM).
type Facade struct {
	ram      *pmm.Manager
	pageSize uintptr
	log      logr.Logger

	kernelMu ksync.RwLock // global kernelspace mutex (§4.1)

	// kernelNextVA is the bump cursor for kernel allocations (heap
	// expansion, MMIO, temp slots all carve out of the region above
	// this). The identity region [0, identityHi) is reserved for
	// fixed_alloc.
	mu           sync.Mutex
	kernelNextVA archsim.VA
	identityHi   archsim.VA
}

// NewFacade constructs the shared VMM facade. identityBytes sizes the
// fixed/identity-mapped window that fixed_alloc/is_fixed_alloc serve.
func NewFacade(ram *pmm.Manager, pageSize uintptr, identityBytes uint64, log logr.Logger) *Facade {
	f := &Facade{ram: ram, pageSize: pageSize, log: log}
	f.identityHi = archsim.VA(identityBytes)
	f.kernelNextVA = f.identityHi
	return f
}

// NewAddressSpace creates a fresh per-process address space sharing
// this facade's kernel half.
func (f *Facade) NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		PT:      archsim.NewPageTable(f.pageSize, 0, f.identityHi, 16),
		userVAs: make(map[archsim.VA][]archsim.VA),
	}
}

// AllocHandle is the owning handle to a contiguous kernel virtual
// range from §3: dropping it unmaps and dereferences every frame.
type AllocHandle struct {
	f        *Facade
	as       *AddressSpace
	Addr     archsim.VA
	Count    int
	prot     ProtMode
	released bool
}

// Allocate walks pages for a new range: for each page, assert not
// already mapped, get a frame from PMM and map it KernelRW, then if
// isUser reprotect to UserRW. On failure mid-way, already-mapped pages
// are rolled back (§4.1).
func (f *Facade) Allocate(as *AddressSpace, n int, isUser bool) (*AllocHandle, error) {
	if n <= 0 {
		panic("vmm: allocate with non-positive page count")
	}
	f.kernelMu.Lock()
	va := f.bumpVA(n)
	f.kernelMu.Unlock()

	mapped := make([]archsim.VA, 0, n)
	pt := f.pageTableFor(as)
	for i := 0; i < n; i++ {
		pageVA := va + archsim.VA(i)*archsim.VA(f.pageSize)
		frame, err := f.ram.AllocZeroed()
		if err != nil {
			f.rollback(pt, mapped)
			return nil, fmt.Errorf("vmm: allocate: %w", err)
		}
		pt.Map(pageVA, frame, KernelRW)
		if isUser {
			pt.Reprotect(pageVA, UserRW)
		}
		mapped = append(mapped, pageVA)
	}
	prot := ProtMode(KernelRW)
	if isUser {
		prot = UserRW
	}
	h := &AllocHandle{f: f, as: as, Addr: va, Count: n, prot: prot}
	if as != nil {
		as.userVAs[va] = mapped
	}
	return h, nil
}

func (f *Facade) rollback(pt *archsim.PageTable, mapped []archsim.VA) {
	for _, va := range mapped {
		if pa, ok := pt.Unmap(va); ok {
			f.ram.Refdown(pa)
		}
	}
}

func (f *Facade) pageTableFor(as *AddressSpace) *archsim.PageTable {
	if as != nil {
		return as.PT
	}
	panic("vmm: nil address space")
}

func (f *Facade) bumpVA(n int) archsim.VA {
	size := archsim.VA(n) * archsim.VA(f.pageSize)
	va := f.kernelNextVA
	f.kernelNextVA += size
	return va
}

// Drop unmaps the handle's range and dereferences every frame. Per §3,
// unmapping a sub-range of an AllocHandle is not supported; Drop
// always releases exactly the handle's full range.
func (h *AllocHandle) Drop() {
	if h.released {
		return
	}
	pt := h.f.pageTableFor(h.as)
	for i := 0; i < h.Count; i++ {
		va := h.Addr + archsim.VA(i)*archsim.VA(h.f.pageSize)
		if pa, ok := pt.Unmap(va); ok {
			h.f.ram.Refdown(pa)
		}
	}
	if h.as != nil {
		delete(h.as.userVAs, h.Addr)
	}
	h.released = true
}

// Bytes returns a byte view over the handle's backing frames, valid
// until Drop. It is the POD-access path §3 describes as converting an
// AllocHandle into an ArrayHandle<T>/SliceAllocHandle<T>.
func (h *AllocHandle) Bytes() []byte {
	pt := h.f.pageTableFor(h.as)
	out := make([]byte, 0, h.Count*int(h.f.pageSize))
	for i := 0; i < h.Count; i++ {
		va := h.Addr + archsim.VA(i)*archsim.VA(h.f.pageSize)
		pa := pt.GetPhys(va)
		out = append(out, h.f.ram.Bytes(pa)...)
	}
	return out
}

// MmioHandle is a handle to a device MMIO mapping (§3); drop unmaps.
// Offset/length are tracked in two fields to mirror the "encode
// offset/length in two u16 fields" persisted layout note (§6) even
// though this hosted build has no real device BAR to map.
type MmioHandle struct {
	f        *Facade
	va       archsim.VA
	Offset   uint16
	Length   uint16
	released bool
}

// MapMmio installs a KernelRW mapping for a device's MMIO frame at a
// freshly bumped kernel VA.
func (f *Facade) MapMmio(frame pmm.Frame, offset, length uint16) *MmioHandle {
	f.kernelMu.Lock()
	va := f.bumpVA(1)
	f.kernelMu.Unlock()
	// MMIO mappings live in the shared kernel half, tracked in a
	// dedicated no-address-space page table owned by the facade.
	f.mmioPT().Map(va, frame, KernelRW)
	return &MmioHandle{f: f, va: va, Offset: offset, Length: length}
}

var mmioPTOnce sync.Once
var mmioPTSingleton *archsim.PageTable

func (f *Facade) mmioPT() *archsim.PageTable {
	mmioPTOnce.Do(func() {
		mmioPTSingleton = archsim.NewPageTable(f.pageSize, 0, f.identityHi, 4)
	})
	return mmioPTSingleton
}

// Drop unmaps the MMIO handle.
func (h *MmioHandle) Drop() {
	if h.released {
		return
	}
	h.f.mmioPT().Unmap(h.va)
	h.released = true
}

// TempHandle is a short-lived single-page mapping of a specific
// physical frame into a per-CPU slot pool, gated by archsim's
// semaphore-backed slot pool (§3).
type TempHandle struct {
	pt  *archsim.PageTable
	va  archsim.VA
}

// TempMap acquires a slot and maps frame into it.
func (as *AddressSpace) TempMap(frame pmm.Frame) *TempHandle {
	va := as.PT.TempMap(frame)
	return &TempHandle{pt: as.PT, va: va}
}

// Bytes returns a view over the temporarily mapped page.
func (h *TempHandle) Bytes(ram *pmm.Manager) []byte {
	return ram.Bytes(h.pt.GetPhys(h.va))
}

// Drop releases the temp slot.
func (h *TempHandle) Drop() { h.pt.TempUnmap(h.va) }

// GetPhys/IsReserved/GetInfo/Reprotect expose the arch-independent
// query surface used by callers that already hold an AddressSpace
// (e.g. the page-fault handler, §4.1 copy-on-write path).
func (as *AddressSpace) GetPhys(va archsim.VA) pmm.Frame { return as.PT.GetPhys(va) }
func (as *AddressSpace) IsReserved(va archsim.VA) bool   { return as.PT.IsReserved(va) }
func (as *AddressSpace) GetInfo(va archsim.VA) (pmm.Frame, ProtMode, bool) {
	return as.PT.GetInfo(va)
}

// ReprotectUser changes a user mapping's mode. Per the open design
// question in §9, only UserRX/UserRO/Unmapped are permitted via this
// entry point -- allowing UserRW here would let a caller silently
// re-grant write access to a page that was deliberately downgraded
// (e.g. after a COW collapse), which this API intentionally
// disallows; a full UserRW re-grant must go through a fresh Allocate.
func (as *AddressSpace) ReprotectUser(va archsim.VA, prot ProtMode) error {
	switch prot {
	case UserRX, UserRO, Unmapped:
		as.PT.Reprotect(va, prot)
		return nil
	default:
		return kerrors.ErrRangeInUse
	}
}

// HandleCOWFault implements the write-fault path of §4.1: takes the
// address-space lock, asks PMM to make the current frame unique,
// updates the PTE to UserRW.
func (as *AddressSpace) HandleCOWFault(ram *pmm.Manager, va archsim.VA) error {
	as.userMu.Lock()
	defer as.userMu.Unlock()
	return archsim.FaultHandler(as.PT, ram, va)
}

// Lock/Unlock (exclusive) and RLock/RUnlock expose the per-address-
// space userspace RW lock directly for callers (e.g. VFS mmap) that
// need to hold it across several operations.
func (as *AddressSpace) Lock()    { as.userMu.Lock() }
func (as *AddressSpace) Unlock()  { as.userMu.Unlock() }
func (as *AddressSpace) RLock()   { as.userMu.RLock() }
func (as *AddressSpace) RUnlock() { as.userMu.RUnlock() }

// KernelRLock/KernelRUnlock expose the facade-global kernelspace lock.
func (f *Facade) KernelLock()    { f.kernelMu.Lock() }
func (f *Facade) KernelUnlock()  { f.kernelMu.Unlock() }
func (f *Facade) KernelRLock()   { f.kernelMu.RLock() }
func (f *Facade) KernelRUnlock() { f.kernelMu.RUnlock() }

// PageSize returns the configured page size in bytes. Also satisfies
// heap.PageSource's int-typed PageSize via PageSizeInt.
func (f *Facade) PageSize() uintptr { return f.pageSize }

// PageSizeInt is the heap.PageSource-shaped accessor (heap deals in
// int byte counts, not uintptr VAs).
func (f *Facade) PageSizeInt() int { return int(f.pageSize) }

var kernelPTOnce sync.Once
var kernelPTSingleton *archsim.PageTable

func (f *Facade) kernelPT() *archsim.PageTable {
	kernelPTOnce.Do(func() {
		kernelPTSingleton = archsim.NewPageTable(f.pageSize, 0, f.identityHi, 4)
	})
	return kernelPTSingleton
}

// DemandPages maps n fresh zeroed frames KernelRW at a freshly bumped
// kernel VA and returns a byte view over them. This is the page
// source the heap allocator (§4.2) expands through: every heap growth
// is a real page-table mapping in this facade's shared kernel half,
// not a bare Go slice append.
func (f *Facade) DemandPages(n int) ([]byte, error) {
	f.kernelMu.Lock()
	va := f.bumpVA(n)
	f.kernelMu.Unlock()

	pt := f.kernelPT()
	mapped := make([]archsim.VA, 0, n)
	out := make([]byte, 0, n*int(f.pageSize))
	for i := 0; i < n; i++ {
		pageVA := va + archsim.VA(i)*archsim.VA(f.pageSize)
		frame, err := f.ram.AllocZeroed()
		if err != nil {
			f.rollback(pt, mapped)
			return nil, fmt.Errorf("vmm: demand pages: %w", err)
		}
		pt.Map(pageVA, frame, KernelRW)
		mapped = append(mapped, pageVA)
		out = append(out, f.ram.Bytes(frame)...)
	}
	return out, nil
}

// RAM exposes the backing PMM for subsystems (heap expansion) that
// need to demand raw frames directly rather than through Allocate.
func (f *Facade) RAM() *pmm.Manager { return f.ram }

// HeapPageSource adapts the facade to heap.PageSource's int-sized
// PageSize, since the heap package reasons in byte counts rather than
// archsim's uintptr-typed virtual addresses.
type HeapPageSource struct{ F *Facade }

func (h HeapPageSource) PageSize() int                    { return h.F.PageSizeInt() }
func (h HeapPageSource) DemandPages(n int) ([]byte, error) { return h.F.DemandPages(n) }
