package main

// memPV is a RAM-backed PhysicalVolume, enough to demonstrate region
// splitting and striping (§8 scenario 6) without a real block device.
type memPV struct {
	name      string
	blockSize int
	data      []byte
}

func newMemPV(name string, blockSize int, blocks uint64) *memPV {
	return &memPV{name: name, blockSize: blockSize, data: make([]byte, blockSize*int(blocks))}
}

func (p *memPV) Name() string    { return p.name }
func (p *memPV) BlockSize() int  { return p.blockSize }
func (p *memPV) Capacity() uint64 { return uint64(len(p.data) / p.blockSize) }

func (p *memPV) ReadBlocks(block uint64, buf []byte) (int, error) {
	n := len(buf) / p.blockSize
	off := int(block) * p.blockSize
	copy(buf, p.data[off:off+n*p.blockSize])
	return n, nil
}

func (p *memPV) WriteBlocks(block uint64, buf []byte) (int, error) {
	n := len(buf) / p.blockSize
	off := int(block) * p.blockSize
	copy(p.data[off:off+n*p.blockSize], buf)
	return n, nil
}

func (p *memPV) Wipe() error {
	for i := range p.data {
		p.data[i] = 0
	}
	return nil
}
