// Package storage implements the block layer of §4.6: PhysicalVolume
// registration, Mapper bidding, logical volumes composed of one or
// more PV regions (including striping), and exclusive volume handles.
package storage

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"kernelcore/internal/kerrors"
)

// PhysicalVolume is the driver-facing contract of §6.
type PhysicalVolume interface {
	Name() string
	BlockSize() int
	Capacity() uint64 // in blocks
	ReadBlocks(block uint64, buf []byte) (int, error)  // returns blocks read
	WriteBlocks(block uint64, buf []byte) (int, error) // returns blocks written
	Wipe() error
}

// Mapper is the driver-facing contract that discovers logical volumes
// on a PV (§6).
type Mapper interface {
	Name() string
	// HandlesPV reports this mapper's confidence it understands pv's
	// partitioning scheme; the highest positive strength wins the
	// bidding for that PV.
	HandlesPV(pv PhysicalVolume) (int, error)
	// EnumVolumes pushes each discovered logical volume via emit.
	EnumVolumes(pv PhysicalVolume, emit func(name string, firstBlock, blockCount uint64))
}

// Region is one constituent PV range backing a logical volume.
type Region struct {
	PV         PhysicalVolume
	FirstBlock uint64
	BlockCount uint64
}

// LogicalVolume is a named, possibly multi-PV, block-addressable view
// (§4.6). ChunkSize > 0 makes it a stripe set across Regions.
type LogicalVolume struct {
	Name       string
	BlockSize  int
	Regions    []Region
	ChunkSize  uint64 // 0 = simple concatenation

	mu     sync.Mutex
	opened bool
}

// TotalBlocks sums the constituent regions' block counts.
func (lv *LogicalVolume) TotalBlocks() uint64 {
	var total uint64
	for _, r := range lv.Regions {
		total += r.BlockCount
	}
	return total
}

// Registry is the global PV table and mapper/LV bookkeeping (§4.6,
// §9: "global mutable state ... behind its own mutex").
type Registry struct {
	mu       sync.Mutex
	log      logr.Logger
	nextPVID uint32
	pvs      map[uint32]PhysicalVolume
	mappers  []Mapper
	lvs      map[string]*LogicalVolume
}

// NewRegistry constructs an empty registry with the always-on fallback
// mapper registered.
func NewRegistry(log logr.Logger) *Registry {
	r := &Registry{pvs: make(map[uint32]PhysicalVolume), lvs: make(map[string]*LogicalVolume), log: log, mappers: []Mapper{FallbackMapper{}}}
	return r
}

// RegisterPV inserts pv under a fresh monotonic id, runs the mapper
// bidding, and materializes the winning mapper's volumes plus the
// unconditional whole-PV fallback ("{pv_name}w").
func (r *Registry) RegisterPV(pv PhysicalVolume) uint32 {
	r.mu.Lock()
	id := r.nextPVID
	r.nextPVID++
	r.pvs[id] = pv
	mappers := append([]Mapper(nil), r.mappers...)
	r.mu.Unlock()

	best := -1
	var winner Mapper
	tied := false
	for _, m := range mappers {
		strength, err := m.HandlesPV(pv)
		if err != nil || strength <= 0 {
			continue
		}
		if strength > best {
			best, winner, tied = strength, m, false
		} else if strength == best {
			tied = true
		}
	}
	if tied {
		r.log.Info("mapper bidding tie, using first encountered winner", "pv", pv.Name(), "strength", best)
	}
	if winner != nil {
		winner.EnumVolumes(pv, func(name string, firstBlock, blockCount uint64) {
			r.addLV(&LogicalVolume{
				Name:      name,
				BlockSize: pv.BlockSize(),
				Regions:   []Region{{PV: pv, FirstBlock: firstBlock, BlockCount: blockCount}},
			})
		})
	}

	r.addLV(&LogicalVolume{
		Name:      pv.Name() + "w",
		BlockSize: pv.BlockSize(),
		Regions:   []Region{{PV: pv, FirstBlock: 0, BlockCount: pv.Capacity()}},
	})
	return id
}

// RegisterMapper adds a mapper to the bidding pool.
func (r *Registry) RegisterMapper(m Mapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers = append(r.mappers, m)
}

func (r *Registry) addLV(lv *LogicalVolume) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lvs[lv.Name] = lv
}

// LogicalVolumeNames lists every registered LV name, sorted.
func (r *Registry) LogicalVolumeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.lvs))
	for n := range r.lvs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// VolumeHandle is the exclusive-open handle to an LV (§4.6); a second
// OpenNamed while one is outstanding fails Locked.
type VolumeHandle struct {
	lv *LogicalVolume
}

// OpenNamed acquires exclusive access to the named LV.
func (r *Registry) OpenNamed(name string) (*VolumeHandle, error) {
	r.mu.Lock()
	lv, ok := r.lvs[name]
	r.mu.Unlock()
	if !ok {
		return nil, kerrors.ErrFileNotFound
	}
	return openLV(lv)
}

func openLV(lv *LogicalVolume) (*VolumeHandle, error) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	if lv.opened {
		return nil, kerrors.ErrLocked
	}
	lv.opened = true
	return &VolumeHandle{lv: lv}, nil
}

// Close releases exclusive access to the volume.
func (h *VolumeHandle) Close() {
	h.lv.mu.Lock()
	h.lv.opened = false
	h.lv.mu.Unlock()
}

// locate maps a logical block index to (region, blockWithinRegion),
// applying the stripe-set math when ChunkSize > 0 (§4.6).
func (lv *LogicalVolume) locate(idx uint64) (Region, uint64) {
	if lv.ChunkSize == 0 {
		remaining := idx
		for _, r := range lv.Regions {
			if remaining < r.BlockCount {
				return r, r.FirstBlock + remaining
			}
			remaining -= r.BlockCount
		}
		panic("storage: block index out of range")
	}
	n := uint64(len(lv.Regions))
	chunk := lv.ChunkSize
	regionIdx := (idx / chunk) % n
	inner := idx%chunk + (idx/(chunk*n))*chunk
	r := lv.Regions[regionIdx]
	return r, r.FirstBlock + inner
}

// ReadBlocks splits a read across constituent regions, resubmitting
// for any remainder the PV services short (§4.6).
func (h *VolumeHandle) ReadBlocks(blockIdx uint64, buf []byte) error {
	return h.walk(blockIdx, buf, func(pv PhysicalVolume, pvBlock uint64, sub []byte) (int, error) {
		return pv.ReadBlocks(pvBlock, sub)
	})
}

// WriteBlocks splits a write across constituent regions the same way.
func (h *VolumeHandle) WriteBlocks(blockIdx uint64, buf []byte) error {
	return h.walk(blockIdx, buf, func(pv PhysicalVolume, pvBlock uint64, sub []byte) (int, error) {
		return pv.WriteBlocks(pvBlock, sub)
	})
}

func (h *VolumeHandle) walk(blockIdx uint64, buf []byte, do func(PhysicalVolume, uint64, []byte) (int, error)) error {
	bs := h.lv.BlockSize
	total := len(buf) / bs
	done := 0
	for done < total {
		curIdx := blockIdx + uint64(done)
		region, pvBlock := h.lv.locate(curIdx)
		avail := region.BlockCount - (pvBlock - region.FirstBlock)
		want := uint64(total - done)
		if want > avail {
			want = avail
		}
		if lv := h.lv; lv.ChunkSize > 0 {
			// A stripe set continues in the next region at each chunk boundary.
			if left := lv.ChunkSize - curIdx%lv.ChunkSize; want > left {
				want = left
			}
		}
		sub := buf[done*bs : (done+int(want))*bs]
		for want > 0 {
			n, err := do(region.PV, pvBlock, sub)
			if err != nil {
				return err
			}
			if n == 0 {
				return kerrors.NewIoError(kerrors.IoUnknown)
			}
			sub = sub[n*bs:]
			pvBlock += uint64(n)
			want -= uint64(n)
			done += n
		}
	}
	return nil
}

// FallbackMapper is the always-registered, strength-0 mapper that
// exposes an entire PV as a single LV (§4.6). It never wins the
// bidding; RegisterPV itself adds the whole-PV volume "{pv_name}w" for
// every PV, without calling this mapper's EnumVolumes.
type FallbackMapper struct{}

func (FallbackMapper) Name() string { return "fallback" }
func (FallbackMapper) HandlesPV(PhysicalVolume) (int, error) { return 0, nil }
func (FallbackMapper) EnumVolumes(pv PhysicalVolume, emit func(string, uint64, uint64)) {
	emit(pv.Name(), 0, pv.Capacity())
}
