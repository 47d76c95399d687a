package main

import (
	"fmt"
	"sync"

	"kernelcore/internal/vfs"
)

// memDriver is a trivial in-memory filesystem, enough to drive the
// file-lock and path-resolution demo scenarios without a real disk
// backing (§8 scenario 4).
type memDriver struct {
	mu        sync.Mutex
	nextInode uint64
	dirs      map[vfs.NodeKey]map[string]vfs.NodeKey
	kinds     map[vfs.NodeKey]vfs.NodeKind
	files     map[vfs.NodeKey][]byte
	targets   map[vfs.NodeKey]string
	mountID   uint64
}

func newMemDriver(mountID uint64) (*memDriver, vfs.NodeKey) {
	d := &memDriver{
		mountID: mountID,
		dirs:    make(map[vfs.NodeKey]map[string]vfs.NodeKey),
		kinds:   make(map[vfs.NodeKey]vfs.NodeKind),
		files:   make(map[vfs.NodeKey][]byte),
		targets: make(map[vfs.NodeKey]string),
	}
	root := d.alloc(vfs.KindDir)
	d.dirs[root] = make(map[string]vfs.NodeKey)
	return d, root
}

func (d *memDriver) alloc(kind vfs.NodeKind) vfs.NodeKey {
	d.nextInode++
	k := vfs.NodeKey{MountID: d.mountID, InodeID: d.nextInode}
	d.kinds[k] = kind
	return k
}

func (d *memDriver) Lookup(dirKey vfs.NodeKey, name string) (vfs.NodeKey, vfs.NodeKind, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	child, ok := d.dirs[dirKey][name]
	if !ok {
		return vfs.NodeKey{}, 0, fmt.Errorf("kernelctl: %q not found", name)
	}
	return child, d.kinds[child], nil
}

func (d *memDriver) ReadDir(dirKey vfs.NodeKey, pos int, limit int, emit func(string, vfs.NodeKey, vfs.NodeKind)) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := 0
	for name, key := range d.dirs[dirKey] {
		if i < pos {
			i++
			continue
		}
		if i >= pos+limit {
			return i, false, nil
		}
		emit(name, key, d.kinds[key])
		i++
	}
	return i, true, nil
}

func (d *memDriver) Read(key vfs.NodeKey, ofs int64, dst []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.files[key]
	if ofs >= int64(len(data)) {
		return 0, nil
	}
	return copy(dst, data[ofs:]), nil
}

func (d *memDriver) Write(key vfs.NodeKey, ofs int64, src []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.files[key]
	end := ofs + int64(len(src))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[ofs:], src)
	d.files[key] = data
	return len(src), nil
}

func (d *memDriver) Truncate(key vfs.NodeKey, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.files[key]
	if int64(len(data)) > size {
		d.files[key] = data[:size]
	}
	return nil
}

func (d *memDriver) Create(dirKey vfs.NodeKey, name string) (vfs.NodeKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := d.alloc(vfs.KindFile)
	d.dirs[dirKey][name] = k
	return k, nil
}

func (d *memDriver) Mkdir(dirKey vfs.NodeKey, name string) (vfs.NodeKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := d.alloc(vfs.KindDir)
	d.dirs[k] = make(map[string]vfs.NodeKey)
	d.dirs[dirKey][name] = k
	return k, nil
}

func (d *memDriver) Symlink(dirKey vfs.NodeKey, name string, target string) (vfs.NodeKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := d.alloc(vfs.KindSymlink)
	d.targets[k] = target
	d.dirs[dirKey][name] = k
	return k, nil
}

func (d *memDriver) GetTarget(key vfs.NodeKey) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targets[key], nil
}

func (d *memDriver) Size(key vfs.NodeKey) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.files[key])), nil
}
