package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelcore/internal/kerrors"
)

// memDriver is a minimal in-memory Driver for exercising the cache,
// resolver, and handle lock discipline without a real block device.
type memDriver struct {
	nextInode uint64
	files     map[uint64][]byte
	dirs      map[uint64]map[string]uint64
	kinds     map[uint64]NodeKind
	symlinks  map[uint64]string
	mountID   uint64
}

func newMemDriver(mountID uint64) *memDriver {
	d := &memDriver{
		nextInode: 1,
		files:     make(map[uint64][]byte),
		dirs:      make(map[uint64]map[string]uint64),
		kinds:     make(map[uint64]NodeKind),
		symlinks:  make(map[uint64]string),
		mountID:   mountID,
	}
	root := d.nextInode
	d.nextInode++
	d.dirs[root] = make(map[string]uint64)
	d.kinds[root] = KindDir
	return d
}

func (d *memDriver) rootKey() NodeKey { return NodeKey{MountID: d.mountID, InodeID: 1} }

func (d *memDriver) Lookup(dirKey NodeKey, name string) (NodeKey, NodeKind, error) {
	children, ok := d.dirs[dirKey.InodeID]
	if !ok {
		return NodeKey{}, 0, kerrors.ErrNotADirectory
	}
	ino, ok := children[name]
	if !ok {
		return NodeKey{}, 0, kerrors.ErrFileNotFound
	}
	return NodeKey{MountID: d.mountID, InodeID: ino}, d.kinds[ino], nil
}

func (d *memDriver) ReadDir(dirKey NodeKey, pos int, limit int, emit func(string, NodeKey, NodeKind)) (int, bool, error) {
	children := d.dirs[dirKey.InodeID]
	names := make([]string, 0, len(children))
	for n := range children {
		names = append(names, n)
	}
	end := pos + limit
	if end > len(names) {
		end = len(names)
	}
	for _, n := range names[pos:end] {
		ino := children[n]
		emit(n, NodeKey{MountID: d.mountID, InodeID: ino}, d.kinds[ino])
	}
	return end, end >= len(names), nil
}

func (d *memDriver) Read(key NodeKey, ofs int64, dst []byte) (int, error) {
	data := d.files[key.InodeID]
	if ofs >= int64(len(data)) {
		return 0, nil
	}
	n := copy(dst, data[ofs:])
	return n, nil
}

func (d *memDriver) Write(key NodeKey, ofs int64, src []byte) (int, error) {
	data := d.files[key.InodeID]
	need := int(ofs) + len(src)
	if need > len(data) {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}
	copy(data[ofs:], src)
	d.files[key.InodeID] = data
	return len(src), nil
}

func (d *memDriver) Truncate(key NodeKey, size int64) error {
	data := d.files[key.InodeID]
	if int64(len(data)) > size {
		d.files[key.InodeID] = data[:size]
	}
	return nil
}

func (d *memDriver) Create(dirKey NodeKey, name string) (NodeKey, error) {
	ino := d.nextInode
	d.nextInode++
	d.files[ino] = nil
	d.kinds[ino] = KindFile
	d.dirs[dirKey.InodeID][name] = ino
	return NodeKey{MountID: d.mountID, InodeID: ino}, nil
}

func (d *memDriver) Mkdir(dirKey NodeKey, name string) (NodeKey, error) {
	ino := d.nextInode
	d.nextInode++
	d.dirs[ino] = make(map[string]uint64)
	d.kinds[ino] = KindDir
	d.dirs[dirKey.InodeID][name] = ino
	return NodeKey{MountID: d.mountID, InodeID: ino}, nil
}

func (d *memDriver) Symlink(dirKey NodeKey, name, target string) (NodeKey, error) {
	ino := d.nextInode
	d.nextInode++
	d.symlinks[ino] = target
	d.kinds[ino] = KindSymlink
	d.dirs[dirKey.InodeID][name] = ino
	return NodeKey{MountID: d.mountID, InodeID: ino}, nil
}

func (d *memDriver) GetTarget(key NodeKey) (string, error) { return d.symlinks[key.InodeID], nil }

func (d *memDriver) Size(key NodeKey) (int64, error) { return int64(len(d.files[key.InodeID])), nil }

func newTestResolver() (*Resolver, *memDriver) {
	cache := NewCache()
	drv := newMemDriver(1)
	r := NewResolver(cache, MountPoint{MountID: 1, Root: drv.rootKey(), Driver: drv}, 8)
	return r, drv
}

// TestFileLockConflict implements §8 scenario 4.
func TestFileLockConflict(t *testing.T) {
	r, _ := newTestResolver()
	root, err := r.Open("/")
	require.NoError(t, err)
	rootDir, err := root.IntoDir()
	require.NoError(t, err)
	_, err = rootDir.CreateFile("x")
	require.NoError(t, err)

	any1, err := r.Open("/x")
	require.NoError(t, err)
	f1, err := any1.IntoFile(ExclRW)
	require.NoError(t, err)

	any2, err := r.Open("/x")
	require.NoError(t, err)
	_, err = any2.IntoFile(ExclRW)
	assert.ErrorIs(t, err, kerrors.ErrLocked)

	any3, err := r.Open("/x")
	require.NoError(t, err)
	_, err = any3.IntoFile(SharedRO)
	assert.ErrorIs(t, err, kerrors.ErrLocked)

	f1.Drop()

	any4, err := r.Open("/x")
	require.NoError(t, err)
	ro1, err := any4.IntoFile(SharedRO)
	require.NoError(t, err)

	any5, err := r.Open("/x")
	require.NoError(t, err)
	ro2, err := any5.IntoFile(SharedRO)
	require.NoError(t, err)

	any6, err := r.Open("/x")
	require.NoError(t, err)
	_, err = any6.IntoFile(ExclRW)
	assert.ErrorIs(t, err, kerrors.ErrLocked)

	ro1.Drop()
	ro2.Drop()
}

// TestWriteThenReadRoundTrip implements the §8 round-trip law for
// ExclRW files.
func TestWriteThenReadRoundTrip(t *testing.T) {
	r, _ := newTestResolver()
	root, err := r.Open("/")
	require.NoError(t, err)
	rootDir, err := root.IntoDir()
	require.NoError(t, err)
	any, err := rootDir.CreateFile("y")
	require.NoError(t, err)
	f, err := any.IntoFile(ExclRW)
	require.NoError(t, err)
	defer f.Drop()

	payload := []byte("hello world")
	n, err := f.Write(3, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = f.Read(3, got)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestReadAtEOFReturnsZeroBytes(t *testing.T) {
	r, _ := newTestResolver()
	root, err := r.Open("/")
	require.NoError(t, err)
	rootDir, err := root.IntoDir()
	require.NoError(t, err)
	any, err := rootDir.CreateFile("z")
	require.NoError(t, err)
	f, err := any.IntoFile(SharedRO)
	require.NoError(t, err)
	defer f.Drop()

	buf := make([]byte, 8)
	n, err := f.Read(0, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenChildMatchesPathResolution(t *testing.T) {
	r, _ := newTestResolver()
	root, err := r.Open("/")
	require.NoError(t, err)
	rootDir, err := root.IntoDir()
	require.NoError(t, err)
	sub, err := rootDir.Mkdir("d")
	require.NoError(t, err)
	subDir, err := sub.IntoDir()
	require.NoError(t, err)
	_, err = subDir.CreateFile("f")
	require.NoError(t, err)

	viaPath, err := r.Open("/d/f")
	require.NoError(t, err)
	viaChild, err := subDir.OpenChild("f")
	require.NoError(t, err)

	assert.Equal(t, viaChild.e.key, viaPath.e.key)
}

func TestSymlinkLoopDetected(t *testing.T) {
	r, drv := newTestResolver()
	root := drv.rootKey()
	_, err := drv.Symlink(root, "a", "/a")
	require.NoError(t, err)

	_, err = r.Open("/a")
	assert.ErrorIs(t, err, kerrors.ErrSymlinkLoop)
}
