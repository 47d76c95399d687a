package pmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelcore/internal/klog"
)

func TestAllocZeroedAndRefcount(t *testing.T) {
	m := New(4, 64, klog.Discard())
	f, err := m.AllocZeroed()
	require.NoError(t, err)
	assert.Equal(t, 1, m.Refcnt(f))
	for _, b := range m.Bytes(f) {
		assert.Equal(t, byte(0), b)
	}
	assert.Equal(t, 3, m.FreeFrames())
}

func TestRefupRefdownFreesAtZero(t *testing.T) {
	m := New(2, 16, klog.Discard())
	f, err := m.AllocZeroed()
	require.NoError(t, err)
	m.Refup(f)
	assert.Equal(t, 2, m.Refcnt(f))
	assert.False(t, m.Refdown(f))
	assert.True(t, m.Refdown(f))
	assert.Equal(t, 2, m.FreeFrames())
}

func TestRefdownOnFreeFramePanics(t *testing.T) {
	m := New(1, 16, klog.Discard())
	f, err := m.AllocZeroed()
	require.NoError(t, err)
	m.Refdown(f)
	assert.Panics(t, func() { m.Refdown(f) })
}

func TestOutOfMemory(t *testing.T) {
	m := New(1, 16, klog.Discard())
	_, err := m.AllocZeroed()
	require.NoError(t, err)
	_, err = m.AllocZeroed()
	assert.Error(t, err)
}

func TestMakeUniqueCopiesSharedFrame(t *testing.T) {
	m := New(2, 8, klog.Discard())
	f, err := m.AllocZeroed()
	require.NoError(t, err)
	m.Refup(f)
	copy(m.Bytes(f), []byte("shared!!"))

	nf, err := m.MakeUnique(f)
	require.NoError(t, err)
	assert.NotEqual(t, f, nf)
	assert.Equal(t, m.Bytes(f), m.Bytes(nf))
	assert.Equal(t, 1, m.Refcnt(f))
	assert.Equal(t, 1, m.Refcnt(nf))
}

func TestMakeUniqueReturnsSameFrameWhenAlreadyUnique(t *testing.T) {
	m := New(2, 8, klog.Discard())
	f, err := m.AllocZeroed()
	require.NoError(t, err)
	nf, err := m.MakeUnique(f)
	require.NoError(t, err)
	assert.Equal(t, f, nf)
}
