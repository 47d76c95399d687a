package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelcore/internal/klog"
)

type fakePV struct {
	name      string
	blockSize int
	capacity  uint64
	data      []byte
	reads     []readCall
}

type readCall struct {
	block uint64
	count int
}

func newFakePV(name string, blockSize int, capacity uint64) *fakePV {
	return &fakePV{name: name, blockSize: blockSize, capacity: capacity, data: make([]byte, capacity*uint64(blockSize))}
}

func (p *fakePV) Name() string      { return p.name }
func (p *fakePV) BlockSize() int    { return p.blockSize }
func (p *fakePV) Capacity() uint64  { return p.capacity }
func (p *fakePV) Wipe() error       { return nil }

func (p *fakePV) ReadBlocks(block uint64, buf []byte) (int, error) {
	n := len(buf) / p.blockSize
	p.reads = append(p.reads, readCall{block: block, count: n})
	off := block * uint64(p.blockSize)
	copy(buf, p.data[off:off+uint64(len(buf))])
	return n, nil
}

func (p *fakePV) WriteBlocks(block uint64, buf []byte) (int, error) {
	n := len(buf) / p.blockSize
	off := block * uint64(p.blockSize)
	copy(p.data[off:off+uint64(len(buf))], buf)
	return n, nil
}

// TestBlockReadSpansRegions implements §8 scenario 6: an LV composed
// of two 100-block PV regions; read_blocks(95, 20) issues exactly one
// read of 5 blocks to region 0 at offset 95 and one of 15 blocks to
// region 1 at offset 0.
func TestBlockReadSpansRegions(t *testing.T) {
	pv0 := newFakePV("pv0", 512, 100)
	pv1 := newFakePV("pv1", 512, 100)
	lv := &LogicalVolume{
		Name:      "spanned",
		BlockSize: 512,
		Regions: []Region{
			{PV: pv0, FirstBlock: 0, BlockCount: 100},
			{PV: pv1, FirstBlock: 0, BlockCount: 100},
		},
	}
	h, err := openLV(lv)
	require.NoError(t, err)

	buf := make([]byte, 20*512)
	err = h.ReadBlocks(95, buf)
	require.NoError(t, err)

	require.Len(t, pv0.reads, 1)
	assert.Equal(t, readCall{block: 95, count: 5}, pv0.reads[0])
	require.Len(t, pv1.reads, 1)
	assert.Equal(t, readCall{block: 0, count: 15}, pv1.reads[0])
}

func TestStripeSetLocate(t *testing.T) {
	r0 := newFakePV("r0", 512, 1000)
	r1 := newFakePV("r1", 512, 1000)
	lv := &LogicalVolume{
		Name:      "striped",
		BlockSize: 512,
		ChunkSize: 4,
		Regions: []Region{
			{PV: r0, FirstBlock: 0, BlockCount: 1000},
			{PV: r1, FirstBlock: 0, BlockCount: 1000},
		},
	}
	reg, inner := lv.locate(0)
	assert.Equal(t, "r0", reg.PV.Name())
	assert.EqualValues(t, 0, inner)

	reg, inner = lv.locate(4)
	assert.Equal(t, "r1", reg.PV.Name())
	assert.EqualValues(t, 0, inner)

	reg, inner = lv.locate(8)
	assert.Equal(t, "r0", reg.PV.Name())
	assert.EqualValues(t, 4, inner)
}

func TestVolumeHandleExclusiveOpen(t *testing.T) {
	reg := NewRegistry(klog.Discard())
	pv := newFakePV("disk0", 512, 10)
	reg.RegisterPV(pv)

	h1, err := reg.OpenNamed("disk0w")
	require.NoError(t, err)

	_, err = reg.OpenNamed("disk0w")
	assert.Error(t, err)

	h1.Close()
	h2, err := reg.OpenNamed("disk0w")
	require.NoError(t, err)
	h2.Close()
}

func TestMapperBiddingPicksHighestStrength(t *testing.T) {
	reg := NewRegistry(klog.Discard())
	reg.RegisterMapper(strengthMapper{strength: 1, name: "weak"})
	reg.RegisterMapper(strengthMapper{strength: 5, name: "strong"})
	pv := newFakePV("disk1", 512, 50)
	reg.RegisterPV(pv)

	names := reg.LogicalVolumeNames()
	assert.Contains(t, names, "strong-vol")
	assert.NotContains(t, names, "weak-vol")
	assert.Contains(t, names, "disk1w")
}

type strengthMapper struct {
	strength int
	name     string
}

func (m strengthMapper) Name() string { return m.name }
func (m strengthMapper) HandlesPV(PhysicalVolume) (int, error) { return m.strength, nil }
func (m strengthMapper) EnumVolumes(pv PhysicalVolume, emit func(string, uint64, uint64)) {
	emit(m.name+"-vol", 0, pv.Capacity())
}
