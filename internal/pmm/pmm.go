// Package pmm is the Physical Memory Manager (§4 component 1 of the
// kernel core spec): it owns page frames, reference-counts them, and
// implements copy-on-write's make-unique step. It is grounded on the
// teacher's biscuit/src/mem package (Physmem_t), adapted from a real
// CR3-backed allocator to a simulated backing store sized from
// kconfig, since this module runs hosted rather than on bare metal.
package pmm

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"kernelcore/internal/kerrors"
)

// Frame identifies a physical page frame by index (not by address --
// there is no real physical address space to index into here).
type Frame uint64

// frameRec is the teacher's Physpg_t: a refcount plus backing bytes.
type frameRec struct {
	refcnt int32
	data   []byte
}

// Manager owns the whole simulated frame pool. One Manager exists per
// booted kernel core instance (the teacher's global Physmem_t).
type Manager struct {
	mu        sync.Mutex
	pageSize  int
	frames    []frameRec
	freelist  []Frame // indices of frames with refcnt == 0
	log       logr.Logger
}

// New creates a Manager with numFrames frames of pageSize bytes each.
func New(numFrames, pageSize int, log logr.Logger) *Manager {
	m := &Manager{
		pageSize: pageSize,
		frames:   make([]frameRec, numFrames),
		log:      log,
	}
	m.freelist = make([]Frame, numFrames)
	for i := range m.freelist {
		m.freelist[i] = Frame(numFrames - 1 - i)
	}
	return m
}

// PageSize returns the configured frame size in bytes.
func (m *Manager) PageSize() int { return m.pageSize }

// AllocZeroed allocates a frame, zeroes it, and returns it with
// refcount 1. Mirrors Physmem_t.Refpg_new.
func (m *Manager) AllocZeroed() (Frame, error) {
	f, err := m.allocRaw()
	if err != nil {
		return 0, err
	}
	rec := &m.frames[f]
	for i := range rec.data {
		rec.data[i] = 0
	}
	return f, nil
}

// AllocRaw allocates a frame without zeroing it (Refpg_new_nozero).
func (m *Manager) AllocRaw() (Frame, error) { return m.allocRaw() }

func (m *Manager) allocRaw() (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.freelist) == 0 {
		return 0, kerrors.ErrOutOfMemory
	}
	n := len(m.freelist) - 1
	f := m.freelist[n]
	m.freelist = m.freelist[:n]
	rec := &m.frames[f]
	if rec.data == nil {
		rec.data = make([]byte, m.pageSize)
	}
	atomic.StoreInt32(&rec.refcnt, 1)
	return f, nil
}

// Refcnt returns the current reference count of the frame.
func (m *Manager) Refcnt(f Frame) int {
	return int(atomic.LoadInt32(&m.frames[f].refcnt))
}

// Refup increments a frame's reference count. Panics if the frame was
// already free, matching the teacher's "wut" assertion.
func (m *Manager) Refup(f Frame) {
	c := atomic.AddInt32(&m.frames[f].refcnt, 1)
	if c <= 1 {
		panic("pmm: refup on free frame")
	}
}

// Refdown decrements a frame's reference count, returning the frame to
// the free list when it reaches zero. Returns true if the frame was
// freed.
func (m *Manager) Refdown(f Frame) bool {
	c := atomic.AddInt32(&m.frames[f].refcnt, -1)
	if c < 0 {
		panic("pmm: refdown on already-free frame")
	}
	if c == 0 {
		m.mu.Lock()
		m.freelist = append(m.freelist, f)
		m.mu.Unlock()
		return true
	}
	return false
}

// Bytes returns the backing byte slice for a frame for direct access
// by higher layers (VMM temp-mapping, heap expansion). The caller must
// hold whatever lock protects logical access to the frame's contents;
// pmm itself only protects the refcount and free list.
func (m *Manager) Bytes(f Frame) []byte {
	return m.frames[f].data
}

// MakeUnique implements the copy-on-write contract from §3: if the
// frame's refcount is 1 it is already private and is returned as-is;
// otherwise a fresh frame is allocated, the contents copied, the
// original's refcount dropped, and the new frame (refcount 1)
// returned.
func (m *Manager) MakeUnique(f Frame) (Frame, error) {
	if m.Refcnt(f) == 1 {
		return f, nil
	}
	nf, err := m.AllocRaw()
	if err != nil {
		return 0, err
	}
	copy(m.Bytes(nf), m.Bytes(f))
	m.Refdown(f)
	return nf, nil
}

// FreeFrames reports how many frames are currently unused, for
// diagnostics.
func (m *Manager) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.freelist)
}

// TotalFrames reports the pool size.
func (m *Manager) TotalFrames() int { return len(m.frames) }
