package tcpstack

import (
	"sync"

	"kernelcore/internal/kerrors"
)

// PortPool is a per-host pool of dynamic ports [lo..hi] backed by a
// bitmap with a next-cursor hint (§4.7): allocate scans forward from
// the hint and wraps at most once.
type PortPool struct {
	mu    sync.Mutex
	lo    uint16
	hi    uint16
	used  []bool // indexed by port-lo
	next  int
}

// NewPortPool constructs a pool covering [lo, hi] inclusive.
func NewPortPool(lo, hi uint16) *PortPool {
	return &PortPool{lo: lo, hi: hi, used: make([]bool, int(hi)-int(lo)+1)}
}

// Allocate returns the next free port at or after the cursor hint,
// wrapping around once; NoPortAvailable if the whole range is in use.
func (p *PortPool) Allocate() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.used)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		if !p.used[idx] {
			p.used[idx] = true
			p.next = (idx + 1) % n
			return p.lo + uint16(idx), nil
		}
	}
	return 0, kerrors.NewConnError(kerrors.ConnNoPortAvailable)
}

// Release returns port to the pool.
func (p *PortPool) Release(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := int(port) - int(p.lo)
	if idx < 0 || idx >= len(p.used) {
		panic("tcpstack: release of out-of-range port")
	}
	p.used[idx] = false
}
