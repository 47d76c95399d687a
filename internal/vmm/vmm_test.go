package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelcore/internal/kerrors"
	"kernelcore/internal/klog"
	"kernelcore/internal/pmm"
	"kernelcore/internal/vmm/archsim"
)

func newTestFacade(t *testing.T, frames int) *Facade {
	t.Helper()
	ram := pmm.New(frames, 64, klog.Discard())
	return NewFacade(ram, 64, 0x1000, klog.Discard())
}

func TestAllocateMapsPagesAndBytesReadsThem(t *testing.T) {
	f := newTestFacade(t, 8)
	as := f.NewAddressSpace()

	h, err := f.Allocate(as, 2, true)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Count)
	assert.Len(t, h.Bytes(), 128)

	for i := 0; i < h.Count; i++ {
		va := h.Addr + archsim.VA(i)*64
		assert.True(t, as.IsReserved(va))
	}
}

func TestAllocateRollsBackOnOutOfMemory(t *testing.T) {
	f := newTestFacade(t, 1)
	as := f.NewAddressSpace()

	_, err := f.Allocate(as, 2, false)
	assert.Error(t, err)

	// the single frame consumed mid-allocation must have been returned
	assert.Equal(t, 1, f.ram.FreeFrames())
}

func TestAllocHandleDropUnmapsAndDerefsFrames(t *testing.T) {
	f := newTestFacade(t, 4)
	as := f.NewAddressSpace()
	h, err := f.Allocate(as, 1, false)
	require.NoError(t, err)

	before := f.ram.FreeFrames()
	h.Drop()
	assert.Equal(t, before+1, f.ram.FreeFrames())
	assert.False(t, as.IsReserved(h.Addr))
}

func TestReprotectUserRejectsUserRW(t *testing.T) {
	f := newTestFacade(t, 4)
	as := f.NewAddressSpace()
	h, err := f.Allocate(as, 1, true)
	require.NoError(t, err)

	err = as.ReprotectUser(h.Addr, UserRW)
	assert.ErrorIs(t, err, kerrors.ErrRangeInUse)

	err = as.ReprotectUser(h.Addr, UserRO)
	assert.NoError(t, err)
}

func TestDemandPagesGrowsHeapArena(t *testing.T) {
	f := newTestFacade(t, 4)
	src := HeapPageSource{F: f}
	assert.Equal(t, 64, src.PageSize())

	b, err := src.DemandPages(2)
	require.NoError(t, err)
	assert.Len(t, b, 128)
}

