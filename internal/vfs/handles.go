package vfs

import (
	"kernelcore/internal/kerrors"
	"kernelcore/internal/ksync"
)

// OpenMode selects the lock discipline a File handle acquires at
// construction and releases on drop (§4.5).
type OpenMode int

const (
	NoDataAccess OpenMode = iota
	SharedRO
	Execute
	Append
	ExclRW
	UniqueRW // reserved: CoW snapshot; currently locked like ExclRW
	Unsynch
)

// fileLock implements the SharedRO/Execute/Append -> shared,
// ExclRW -> exclusive, Unsynch -> no lock at all mapping from §4.5,
// on top of the kernel's own RwLock rather than a bespoke one.
type fileLock struct {
	rw ksync.RwLock
}

func (l *fileLock) acquire(mode OpenMode) error {
	switch mode {
	case SharedRO, Execute, Append:
		if !l.rw.TryRLock() {
			return kerrors.ErrLocked
		}
		return nil
	case ExclRW, UniqueRW:
		if !l.rw.TryLock() {
			return kerrors.ErrLocked
		}
		return nil
	case Unsynch, NoDataAccess:
		return nil
	default:
		return kerrors.ErrUnsupported
	}
}

func (l *fileLock) release(mode OpenMode) {
	switch mode {
	case SharedRO, Execute, Append:
		l.rw.RUnlock()
	case ExclRW, UniqueRW:
		l.rw.Unlock()
	case Unsynch, NoDataAccess:
	}
}

// Any is an untyped cached-node handle, convertible to a typed handle
// once its kind is checked.
type Any struct {
	cache *Cache
	e     *entry
}

// Open resolves path through r and returns an Any handle, incrementing
// the cache entry's refcount.
func (r *Resolver) Open(path string) (*Any, error) {
	key, kind, driver, err := r.Resolve(path)
	if err != nil {
		return nil, err
	}
	e := r.cache.acquire(key, kind, driver)
	return &Any{cache: r.cache, e: e}, nil
}

// Drop releases the handle's cache reference.
func (a *Any) Drop() { a.cache.release(a.e) }

// Kind reports the node's type.
func (a *Any) Kind() NodeKind { return a.e.kind }

// IntoFile converts to a File handle, acquiring mode's lock. Fails
// TypeMismatch if the node is not a file.
func (a *Any) IntoFile(mode OpenMode) (*File, error) {
	if a.e.kind != KindFile {
		return nil, kerrors.ErrTypeMismatch
	}
	if a.e.lock == nil {
		a.e.lock = &fileLock{}
	}
	if err := a.e.lock.acquire(mode); err != nil {
		return nil, err
	}
	return &File{cache: a.cache, e: a.e, mode: mode}, nil
}

// IntoDir converts to a Dir handle. Fails TypeMismatch if not a
// directory.
func (a *Any) IntoDir() (*Dir, error) {
	if a.e.kind != KindDir {
		return nil, kerrors.ErrTypeMismatch
	}
	return &Dir{cache: a.cache, e: a.e}, nil
}

// IntoSymlink converts to a Symlink handle.
func (a *Any) IntoSymlink() (*Symlink, error) {
	if a.e.kind != KindSymlink {
		return nil, kerrors.ErrTypeMismatch
	}
	return &Symlink{cache: a.cache, e: a.e}, nil
}

// File is a typed handle holding an open-mode lock for its lifetime.
type File struct {
	cache *Cache
	e     *entry
	mode  OpenMode
}

// Drop releases the file's lock and cache reference.
func (f *File) Drop() {
	f.e.lock.release(f.mode)
	f.cache.release(f.e)
}

func (f *File) writable() bool {
	switch f.mode {
	case ExclRW, UniqueRW, Append, Unsynch:
		return true
	default:
		return false
	}
}

// Read reads into dst starting at ofs, returning bytes read. Reading
// exactly at EOF returns 0 bytes without error (§8 boundary).
func (f *File) Read(ofs int64, dst []byte) (int, error) {
	size, err := f.e.driver.Size(f.e.key)
	if err != nil {
		return 0, err
	}
	if ofs == size {
		return 0, nil
	}
	return f.e.driver.Read(f.e.key, ofs, dst)
}

// Write writes src at ofs. Fails PermissionDenied unless the mode
// permits writing (§4.5: write fails under SharedRO).
func (f *File) Write(ofs int64, src []byte) (int, error) {
	if !f.writable() {
		return 0, kerrors.ErrPermissionDenied
	}
	return f.e.driver.Write(f.e.key, ofs, src)
}

// Append writes src at the file's current end, ignoring ofs (§4.5).
func (f *File) Append(src []byte) (int, error) {
	if !f.writable() {
		return 0, kerrors.ErrPermissionDenied
	}
	size, err := f.e.driver.Size(f.e.key)
	if err != nil {
		return 0, err
	}
	return f.e.driver.Write(f.e.key, size, src)
}

// MapMode selects how memory_map's page protection and writeback
// behavior are derived from the open mode (§4.5).
type MapMode int

const (
	MapReadOnly MapMode = iota
	MapExecute
	MapWriteBack
)

// MemoryMap validates open-mode compatibility (Execute maps require an
// Execute open; WriteBack requires ExclRW), requires size to be a
// whole number of pages (ofs is not checked for alignment), then reads
// each page's backing bytes into dst (standing
// in for "reserve a page and finalize its protection", since this
// hosted build has no real page-fault-driven mmap).
func (f *File) MemoryMap(ofs int64, size int, pageSize int, mode MapMode, dst []byte) error {
	if mode == MapExecute && f.mode != Execute {
		return kerrors.ErrPermissionDenied
	}
	if mode == MapWriteBack && f.mode != ExclRW {
		return kerrors.ErrPermissionDenied
	}
	if size%pageSize != 0 {
		return kerrors.ErrMalformed
	}
	if len(dst) < size {
		return kerrors.ErrMalformed
	}
	for off := 0; off < size; off += pageSize {
		n, err := f.e.driver.Read(f.e.key, ofs+int64(off), dst[off:off+pageSize])
		if err != nil {
			return err
		}
		for i := n; i < pageSize; i++ {
			dst[off+i] = 0
		}
	}
	return nil
}

// Dir is a typed handle over a directory node.
type Dir struct {
	cache *Cache
	e     *entry
}

// Drop releases the directory's cache reference.
func (d *Dir) Drop() { d.cache.release(d.e) }

// DirEntry is one child yielded by Iter.
type DirEntry struct {
	Name string
	Key  NodeKey
	Kind NodeKind
}

// Iter lazily yields children, buffering up to 4 at a time via the
// driver's ReadDir (§4.5).
func (d *Dir) Iter(yield func(DirEntry) bool) error {
	pos := 0
	for {
		var buf []DirEntry
		next, done, err := d.e.driver.ReadDir(d.e.key, pos, 4, func(name string, key NodeKey, kind NodeKind) {
			buf = append(buf, DirEntry{Name: name, Key: key, Kind: kind})
		})
		if err != nil {
			return err
		}
		for _, e := range buf {
			if !yield(e) {
				return nil
			}
		}
		if done {
			return nil
		}
		pos = next
	}
}

// OpenChild looks up name and returns an Any handle for it.
func (d *Dir) OpenChild(name string) (*Any, error) {
	key, kind, err := d.e.driver.Lookup(d.e.key, name)
	if err != nil {
		return nil, err
	}
	e := d.cache.acquire(key, kind, d.e.driver)
	return &Any{cache: d.cache, e: e}, nil
}

// CreateFile creates a new file named name in d.
func (d *Dir) CreateFile(name string) (*Any, error) {
	key, err := d.e.driver.Create(d.e.key, name)
	if err != nil {
		return nil, err
	}
	e := d.cache.acquire(key, KindFile, d.e.driver)
	return &Any{cache: d.cache, e: e}, nil
}

// Mkdir creates a subdirectory named name in d.
func (d *Dir) Mkdir(name string) (*Any, error) {
	key, err := d.e.driver.Mkdir(d.e.key, name)
	if err != nil {
		return nil, err
	}
	e := d.cache.acquire(key, KindDir, d.e.driver)
	return &Any{cache: d.cache, e: e}, nil
}

// Symlink creates a symlink named name pointing at target.
func (d *Dir) Symlink(name, target string) (*Any, error) {
	key, err := d.e.driver.Symlink(d.e.key, name, target)
	if err != nil {
		return nil, err
	}
	e := d.cache.acquire(key, KindSymlink, d.e.driver)
	return &Any{cache: d.cache, e: e}, nil
}

// Symlink is a typed handle over a symlink node.
type Symlink struct {
	cache *Cache
	e     *entry
}

// Drop releases the symlink's cache reference.
func (s *Symlink) Drop() { s.cache.release(s.e) }

// GetTarget returns the stored link target.
func (s *Symlink) GetTarget() (string, error) { return s.e.driver.GetTarget(s.e.key) }
