// Package vfs implements the node cache, path resolver, and typed
// handles of §4.5. Cached nodes are keyed by (mount_id, inode_id) in a
// sharded, lock-striped table generalizing the teacher's
// hashtable.Hashtable_t (biscuit/src/hashtable) to a fixed key type
// with an embedded refcount instead of an opaque interface{} value.
package vfs

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"kernelcore/internal/kerrors"
	"kernelcore/internal/ksync"
)

// NodeKey identifies a cached node by the mount it lives under and its
// filesystem-local inode number.
type NodeKey struct {
	MountID  uint64
	InodeID  uint64
}

// NodeKind distinguishes the node types a Driver can hand back.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDir
	KindSymlink
)

// Driver is the filesystem-driver-facing contract (§6): node
// operations a concrete filesystem implements and the cache/resolver
// drive generically.
type Driver interface {
	// Lookup resolves name within the directory identified by dirKey,
	// returning the child's key and kind.
	Lookup(dirKey NodeKey, name string) (NodeKey, NodeKind, error)
	// ReadDir buffers up to limit children starting at pos, invoking
	// emit for each; returns the new pos (for resumption) and whether
	// the directory is exhausted.
	ReadDir(dirKey NodeKey, pos int, limit int, emit func(name string, key NodeKey, kind NodeKind)) (int, bool, error)
	Read(key NodeKey, ofs int64, dst []byte) (int, error)
	Write(key NodeKey, ofs int64, src []byte) (int, error)
	Truncate(key NodeKey, size int64) error
	Create(dirKey NodeKey, name string) (NodeKey, error)
	Mkdir(dirKey NodeKey, name string) (NodeKey, error)
	Symlink(dirKey NodeKey, name string, target string) (NodeKey, error)
	GetTarget(key NodeKey) (string, error)
	Size(key NodeKey) (int64, error)
}

// entry is a cache slot: refcount plus the node's identity and kind.
// Protected by its owning bucket's mutex.
type entry struct {
	key     NodeKey
	kind    NodeKind
	driver  Driver
	refs    int
	lock    *fileLock // lazily created for File handles
}

const bucketCount = 64

type bucket struct {
	mu   ksync.Mutex
	byID map[NodeKey]*entry
}

// Cache is the global node cache (§4.5): a sharded map from NodeKey to
// cached entries, each refcounted. Entries reaching refcount zero are
// left in place (eviction is optional, per spec) rather than removed
// eagerly.
type Cache struct {
	buckets [bucketCount]*bucket
}

// NewCache constructs an empty node cache.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.buckets {
		c.buckets[i] = &bucket{byID: make(map[NodeKey]*entry)}
	}
	return c
}

func (c *Cache) bucketFor(k NodeKey) *bucket {
	h := k.MountID*1099511628211 ^ k.InodeID
	return c.buckets[h%uint64(bucketCount)]
}

// acquire finds or creates the entry for key, incrementing its
// refcount, and returns it.
func (c *Cache) acquire(key NodeKey, kind NodeKind, driver Driver) *entry {
	b := c.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byID[key]
	if !ok {
		e = &entry{key: key, kind: kind, driver: driver}
		b.byID[key] = e
	}
	e.refs++
	return e
}

func (c *Cache) release(e *entry) {
	b := c.bucketFor(e.key)
	b.mu.Lock()
	defer b.mu.Unlock()
	e.refs--
	// refcount reaching zero makes the entry eligible for eviction but
	// the cache may retain it (§4.5); this implementation retains.
}

// MountPoint binds a mount id to its root node and driver.
type MountPoint struct {
	MountID uint64
	Root    NodeKey
	Driver  Driver
}

// Resolver resolves slash-paths against a mount table, following
// symlinks up to depthLimit and normalizing components to NFC so that
// visually-identical paths from different input encodings compare
// equal (the x/text-backed supplement to the byte-oriented path
// resolution the distilled spec describes).
type Resolver struct {
	cache      *Cache
	mounts     map[string]MountPoint // mount path -> mount point, longest-prefix wins
	depthLimit int
}

// NewResolver builds a resolver over cache with the given root mount
// and symlink depth limit.
func NewResolver(cache *Cache, rootMount MountPoint, depthLimit int) *Resolver {
	r := &Resolver{cache: cache, mounts: map[string]MountPoint{"/": rootMount}, depthLimit: depthLimit}
	return r
}

// Mount registers an additional mount point at path.
func (r *Resolver) Mount(path string, mp MountPoint) { r.mounts[normalizePath(path)] = mp }

func normalizePath(p string) string {
	return norm.NFC.String(p)
}

// mountFor returns the mount point with the longest matching prefix
// for path.
func (r *Resolver) mountFor(path string) (string, MountPoint) {
	best := "/"
	for prefix := range r.mounts {
		if strings.HasPrefix(path, prefix) && len(prefix) >= len(best) {
			best = prefix
		}
	}
	return best, r.mounts[best]
}

// Resolve walks path component by component from its mount's root,
// consulting the mount table at each crossing and following symlinks
// up to depthLimit (§4.5). It returns the resolved node's key, kind,
// and owning driver.
func (r *Resolver) Resolve(path string) (NodeKey, NodeKind, Driver, error) {
	return r.resolveDepth(path, 0)
}

// resolveDepth threads the cumulative symlink-following depth through
// recursive resolution of link targets, so a cycle is caught
// regardless of how many absolute-path hops it takes to re-enter
// itself rather than only bounding a single call's local loop.
func (r *Resolver) resolveDepth(path string, depth int) (NodeKey, NodeKind, Driver, error) {
	path = normalizePath(path)
	prefix, mp := r.mountFor(path)
	rest := strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/")

	cur := mp.Root
	kind := KindDir
	driver := mp.Driver

	if rest == "" {
		return cur, kind, driver, nil
	}

	for _, comp := range strings.Split(rest, "/") {
		if comp == "" || comp == "." {
			continue
		}
		if kind != KindDir {
			return NodeKey{}, 0, nil, kerrors.ErrNotADirectory
		}
		child, childKind, err := driver.Lookup(cur, comp)
		if err != nil {
			return NodeKey{}, 0, nil, err
		}
		cur, kind, driver = child, childKind, driver

		for kind == KindSymlink {
			depth++
			if depth > r.depthLimit {
				return NodeKey{}, 0, nil, kerrors.ErrSymlinkLoop
			}
			target, err := driver.GetTarget(cur)
			if err != nil {
				return NodeKey{}, 0, nil, err
			}
			tKey, tKind, tDriver, err := r.resolveDepth(target, depth)
			if err != nil {
				return NodeKey{}, 0, nil, err
			}
			cur, kind, driver = tKey, tKind, tDriver
		}

		// Crossing into a different mount at this component: re-root
		// at the new mount's driver for subsequent lookups.
		if sub, submp := r.mountFor(path); sub != "/" && submp.MountID != mp.MountID {
			driver = submp.Driver
		}
	}
	return cur, kind, driver, nil
}
