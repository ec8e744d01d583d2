package treefs

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/gobeaver/treefs/internal/metrics"
)

// ============================================================================
// Cached Proxy Tree
// ============================================================================

// cachedNode is the bookkeeping shared by every wrapper of a cached tree: a
// back-reference to the root that owns the caches and the absolute path of
// the wrapper as seen from that root.
//
// epoch is the root's path epoch when path was last known to be right. Every
// rename, move or delete through the tree bumps the root's epoch, so wrappers
// below the relocated entity fall behind and stop using the path cache.
type cachedNode struct {
	root *CachedProxyRootDirectory

	pathMu sync.RWMutex
	path   []string
	epoch  uint64
}

func (n *cachedNode) initNode(root *CachedProxyRootDirectory, path []string, epoch uint64) {
	n.root = root
	n.path = path
	n.epoch = epoch
}

// Path returns the path of the entity relative to the cached root, as of the
// last time it was resolved. It can be out of date once an ancestor has been
// renamed or moved.
func (n *cachedNode) Path() []string {
	path, _ := n.location()
	return path
}

// Root returns the root owning the caches of this tree.
func (n *cachedNode) Root() *CachedProxyRootDirectory { return n.root }

// location returns the path and the epoch it is valid for. The root's path
// is always valid.
func (n *cachedNode) location() ([]string, uint64) {
	n.pathMu.RLock()
	defer n.pathMu.RUnlock()
	if len(n.path) == 0 {
		return nil, n.root.pathEpoch.Load()
	}
	return slices.Clone(n.path), n.epoch
}

// relocate bumps the path epoch after the entity was renamed to name, or moved
// or deleted (empty name). A renamed wrapper that was current stays current
// under its new path. Relocating the root changes no path below it.
func (n *cachedNode) relocate(name string) {
	n.pathMu.Lock()
	defer n.pathMu.Unlock()
	if len(n.path) == 0 {
		return
	}
	epochs := &n.root.pathEpoch
	current := epochs.Load()
	if name == "" || n.epoch != current || !epochs.CompareAndSwap(current, current+1) {
		epochs.Add(1)
		return
	}
	path := slices.Clone(n.path)
	path[len(path)-1] = name
	n.path = path
	n.epoch = current + 1
}

// CachedProxyFile is a leaf of a cached tree.
type CachedProxyFile struct {
	ProxyFile
	cachedNode
}

// CachedProxyDirectory is a directory of a cached tree. It keeps the wrapped
// children of its last successful Children call until the next change event
// anywhere in the tree.
//
// Entities obtained from a cached tree are the wrappers registered in the
// root's path cache, so repeated lookups of one path share a wrapper, its
// listeners and its children cache. After Move, use the returned value.
// Wrappers obtained before a rename, move or delete in the tree keep working
// but bypass the path cache, since their paths may be outdated; look them up
// again to share the cached wrappers.
type CachedProxyDirectory struct {
	ProxyDirectory
	cachedNode

	cmu       sync.Mutex
	children  []File
	gen       uint64
	populated bool
}

func (d *CachedProxyDirectory) initCached(root *CachedProxyRootDirectory, dir Directory, self File, up *ProxyFile, path []string, epoch uint64) {
	d.initDir(dir, self, up, true, d.wrapChild)
	d.hook = root.ClearCache
	d.onRelocate = d.relocate
	d.initNode(root, path, epoch)
}

// Children serves the cached listing while no change was observed since it
// was fetched. A listing fetched while a change was happening is returned but
// not kept.
func (d *CachedProxyDirectory) Children(ctx context.Context) ([]File, error) {
	gen := d.root.generation.Load()

	d.cmu.Lock()
	if d.populated && d.gen == gen {
		children := slices.Clone(d.children)
		d.cmu.Unlock()
		metrics.RecordCacheHit("children")
		return children, nil
	}
	d.cmu.Unlock()
	metrics.RecordCacheMiss("children")

	raw, err := d.dir.Children(ctx)
	if err != nil {
		return nil, err
	}
	children := d.wrapAll(raw)

	d.cmu.Lock()
	if d.root.generation.Load() == gen {
		d.children = children
		d.gen = gen
		d.populated = true
	}
	d.cmu.Unlock()

	return slices.Clone(children), nil
}

// GetFile answers from the root's path cache and falls back to the wrapped
// directory, registering the result.
func (d *CachedProxyDirectory) GetFile(ctx context.Context, path []string) (File, error) {
	if len(path) == 0 {
		return d.self, nil
	}
	base, epoch := d.location()
	abs := append(base, path...)
	if epoch == d.root.pathEpoch.Load() {
		if f, ok := d.root.paths.Load(JoinPath(abs)); ok {
			metrics.RecordCacheHit("path")
			return f, nil
		}
	}
	metrics.RecordCacheMiss("path")

	f, err := d.dir.GetFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return d.root.register(abs, epoch, f, &d.ProxyFile), nil
}

// Search walks the cached tree so that results are registered wrappers.
func (d *CachedProxyDirectory) Search(ctx context.Context, query string) ([]File, error) {
	return SearchTree(ctx, d, query)
}

// ClearCache drops every cache of the tree.
func (d *CachedProxyDirectory) ClearCache() {
	d.root.ClearCache()
}

func (d *CachedProxyDirectory) wrapChild(f File) File {
	base, epoch := d.location()
	return d.root.register(append(base, f.Name()), epoch, f, &d.ProxyFile)
}

// ============================================================================
// CachedProxyRootDirectory
// ============================================================================

// CachedProxyRootDirectory is the top of a cached tree and owns its caches:
// the path to wrapper map and the generation counter that invalidates every
// children cache at once. It stays subscribed to the wrapped directory, so
// any change the backend reports below it clears the caches.
//
// Only renames, moves and deletes made through the tree advance the path
// epoch. Entities relocated directly on the backend clear the caches, but
// wrappers already held below them keep their old paths.
type CachedProxyRootDirectory struct {
	CachedProxyDirectory

	paths      *xsync.Map[string, File]
	generation atomic.Uint64
	pathEpoch  atomic.Uint64
}

// NewCachedProxyRootDirectory wraps d in a cached tree. Call Release when the
// tree is no longer used to drop its subscription to d.
func NewCachedProxyRootDirectory(d Directory) *CachedProxyRootDirectory {
	r := &CachedProxyRootDirectory{
		paths: xsync.NewMap[string, File](),
	}
	r.initCached(r, d, r, nil, nil, 0)
	r.pin()
	return r
}

// ClearCache invalidates every children cache and the whole path cache.
func (r *CachedProxyRootDirectory) ClearCache() {
	r.generation.Add(1)
	r.paths.Clear()
	metrics.RecordCacheInvalidation()
}

// Root returns r.
func (r *CachedProxyRootDirectory) Root() *CachedProxyRootDirectory { return r }

// register returns the wrapper of f at path, reusing the registered one when
// it still refers to the same entity. A path resolved before the current
// epoch may be wrong, so its wrapper is not registered.
func (r *CachedProxyRootDirectory) register(path []string, epoch uint64, f File, up *ProxyFile) File {
	if epoch != r.pathEpoch.Load() {
		return r.newWrapper(f, path, epoch, up)
	}
	key := JoinPath(path)
	if w, ok := r.paths.Load(key); ok && sameEntity(w, f) {
		return w
	}

	w := r.newWrapper(f, path, epoch, up)
	actual, loaded := r.paths.LoadOrStore(key, w)
	if !loaded {
		return w
	}
	if sameEntity(actual, f) {
		return actual
	}
	r.paths.Store(key, w)
	return w
}

func (r *CachedProxyRootDirectory) newWrapper(f File, path []string, epoch uint64, up *ProxyFile) File {
	if d, ok := AsDirectory(f); ok {
		c := &CachedProxyDirectory{}
		c.initCached(r, d, c, up, path, epoch)
		return c
	}
	c := &CachedProxyFile{}
	c.init(f, c, up, true)
	c.hook = r.ClearCache
	c.onRelocate = c.relocate
	c.initNode(r, path, epoch)
	return c
}

func sameEntity(a, b File) bool {
	return a.ID() == b.ID() && a.Kind() == b.Kind()
}

var (
	_ Directory = (*CachedProxyRootDirectory)(nil)
	_ Directory = (*CachedProxyDirectory)(nil)
	_ File      = (*CachedProxyFile)(nil)
)
