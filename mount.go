package treefs

import (
	"context"
	"slices"
	"sync"

	"github.com/gobeaver/treefs/internal/logging"
	"github.com/gobeaver/treefs/internal/metrics"
)

// ============================================================================
// Mount Table
// ============================================================================

// mountEntry is a mounted directory together with the mounts made inside it.
// relay forwards the changes of dir to the virtual directories above the
// mount point, located by the path it had when it was mounted.
type mountEntry struct {
	dir    Directory
	mounts mountTable
	relay  *Listener
}

// mountTable maps the id of a mount point to what is mounted there.
type mountTable map[string]*mountEntry

// detach removes the relays of e and of every mount nested in it.
func (e *mountEntry) detach() int {
	e.dir.RemoveOnChangeListener(e.relay)
	n := 1
	for _, nested := range e.mounts {
		n += nested.detach()
	}
	return n
}

// ============================================================================
// VirtualDirectory
// ============================================================================

// VirtualDirectory is a directory of a virtual tree. Its children are looked
// up in the mount table of the nearest virtual root: a child whose id is
// mounted is replaced by a VirtualRootDirectory over the mounted directory,
// other directories become VirtualDirectory values and files pass through.
//
// Listeners of a virtual directory also see changes inside directories
// mounted below it, and mounts and unmounts below it.
type VirtualDirectory struct {
	ProxyDirectory
	owner   *VirtualRootDirectory
	selfDir Directory
	vpath   []string // path from the top of the tree

	relayMu    sync.Mutex
	mountRelay *Listener
	relayed    bool
}

func (v *VirtualDirectory) initVirtual(d Directory, self Directory, up *ProxyFile, owner *VirtualRootDirectory, vpath []string) {
	v.initDir(d, self, up, false, v.wrapChild)
	v.owner = owner
	v.selfDir = self
	v.vpath = vpath
}

func (v *VirtualDirectory) wrapChild(f File) File {
	top := v.owner.top
	vpath := append(slices.Clip(v.vpath), f.Name())

	top.mu.RLock()
	entry, mounted := v.owner.table[f.ID()]
	top.mu.RUnlock()

	if mounted {
		r := &VirtualRootDirectory{
			table:      entry.mounts,
			parent:     v.owner,
			mountPoint: f,
			top:        top,
		}
		r.initVirtual(entry.dir, r, &v.ProxyFile, r, vpath)
		return r
	}
	if d, ok := AsDirectory(f); ok {
		c := &VirtualDirectory{}
		c.initVirtual(d, c, &v.ProxyFile, v.owner, vpath)
		return c
	}
	return f
}

func (v *VirtualDirectory) AddOnChangeListener(l *Listener) {
	v.ProxyFile.AddOnChangeListener(l)
	v.syncMountRelay()
}

func (v *VirtualDirectory) RemoveOnChangeListener(l *Listener) {
	v.ProxyFile.RemoveOnChangeListener(l)
	v.syncMountRelay()
}

// syncMountRelay keeps v registered with the top of the tree under its path
// while it has listeners. The top itself is notified directly.
func (v *VirtualDirectory) syncMountRelay() {
	if len(v.vpath) == 0 {
		return
	}
	hub := v.owner.top.hub
	key := JoinPath(v.vpath)

	v.relayMu.Lock()
	defer v.relayMu.Unlock()
	want := v.listeners.Len() > 0
	switch {
	case want && !v.relayed:
		if v.mountRelay == nil {
			v.mountRelay = NewListener(func(File) { v.changed() })
		}
		hub.Add(key, v.self, v.mountRelay)
		v.relayed = true
	case !want && v.relayed:
		hub.Remove(key, v.mountRelay)
		v.relayed = false
	}
}

// Read returns the listing of the virtual children, mounts included.
func (v *VirtualDirectory) Read(ctx context.Context) ([]byte, error) {
	return ListingJSON(ctx, v.selfDir)
}

// GetFile always walks through Children so that mounts are honored at every
// segment.
func (v *VirtualDirectory) GetFile(ctx context.Context, path []string) (File, error) {
	return WalkPath(ctx, v.selfDir, path)
}

// Search walks the virtual tree, descending into mounted directories.
func (v *VirtualDirectory) Search(ctx context.Context, query string) ([]File, error) {
	return SearchTree(ctx, v.selfDir, query)
}

// Copy copies the virtual view, so mounted subtrees are copied as regular
// directories.
func (v *VirtualDirectory) Copy(ctx context.Context, target Directory) (File, error) {
	return CopyTo(ctx, v.selfDir, target)
}

// Mount registers dir as the content of mountPoint in the mount table of the
// nearest virtual root and dispatches a change event. mountPoint is a child of
// v; its id keys the mount, and changes inside dir are reported to v and the
// directories above it.
func (v *VirtualDirectory) Mount(ctx context.Context, mountPoint File, dir Directory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mountPoint == nil {
		return NewPathError("mount", "", ErrNotExist)
	}
	if dir == nil {
		return NewPathError("mount", mountPoint.Name(), ErrNilDirectory)
	}

	top := v.owner.top
	parent := slices.Clone(v.vpath)
	entry := &mountEntry{
		dir:    dir,
		mounts: make(mountTable),
		relay:  NewListener(func(File) { top.dispatch(parent) }),
	}

	top.mu.Lock()
	if _, exists := v.owner.table[mountPoint.ID()]; exists {
		top.mu.Unlock()
		return NewPathError("mount", mountPoint.Name(), ErrMountExists)
	}
	v.owner.table[mountPoint.ID()] = entry
	top.mu.Unlock()

	dir.AddOnChangeListener(entry.relay)
	metrics.MountAdded()
	log := logging.Get("treefs.mount")
	log.Debug().
		Str("mountPoint", mountPoint.Name()).
		Str("id", mountPoint.ID()).
		Msg("mounted directory")

	v.announce()
	return nil
}

// UnmountAt removes the mount registered for mountPoint in the nearest
// virtual root.
func (v *VirtualDirectory) UnmountAt(ctx context.Context, mountPoint File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mountPoint == nil {
		return NewPathError("unmount", "", ErrMountNotFound)
	}
	if err := v.owner.removeEntry(mountPoint.ID(), mountPoint.Name()); err != nil {
		return err
	}
	v.announce()
	return nil
}

// Mounts returns the directories mounted directly in the nearest virtual root,
// keyed by mount point id.
func (v *VirtualDirectory) Mounts() map[string]Directory {
	top := v.owner.top
	top.mu.RLock()
	defer top.mu.RUnlock()

	out := make(map[string]Directory, len(v.owner.table))
	for id, e := range v.owner.table {
		out[id] = e.dir
	}
	return out
}

// announce dispatches a mount change on v, its virtual ancestors and the top
// of the tree.
func (v *VirtualDirectory) announce() {
	v.owner.top.dispatch(v.vpath)
}

// ============================================================================
// VirtualRootDirectory
// ============================================================================

// VirtualRootDirectory is the root of a mounted directory. It is presented
// under the id and name of its mount point and owns the mount table for
// mounts made inside it.
type VirtualRootDirectory struct {
	VirtualDirectory

	table      mountTable
	parent     *VirtualRootDirectory // owner of the entry for this mount
	mountPoint File
	top        *VirtualFS
}

func (r *VirtualRootDirectory) ID() string {
	if r.mountPoint == nil {
		return r.VirtualDirectory.ID()
	}
	return r.mountPoint.ID()
}

func (r *VirtualRootDirectory) Name() string {
	if r.mountPoint == nil {
		return r.VirtualDirectory.Name()
	}
	return r.mountPoint.Name()
}

func (r *VirtualRootDirectory) Info() FileInfo {
	info := r.VirtualDirectory.Info()
	if r.mountPoint != nil {
		info.ID = r.mountPoint.ID()
		info.Name = r.mountPoint.Name()
	}
	return info
}

func (r *VirtualRootDirectory) Rename(ctx context.Context, newName string) error {
	if r.parent != nil {
		return NewPathError("rename", r.Name(), ErrNotSupported)
	}
	return r.VirtualDirectory.Rename(ctx, newName)
}

func (r *VirtualRootDirectory) Delete(ctx context.Context) error {
	if r.parent != nil {
		return NewPathError("delete", r.Name(), ErrNotSupported)
	}
	return r.VirtualDirectory.Delete(ctx)
}

func (r *VirtualRootDirectory) Move(ctx context.Context, target Directory) (File, error) {
	if r.parent != nil {
		return nil, NewPathError("move", r.Name(), ErrNotSupported)
	}
	return r.VirtualDirectory.Move(ctx, target)
}

// Unmount removes this mount from the table of its owning root and
// dispatches a change event. The top of a virtual tree cannot be unmounted.
func (r *VirtualRootDirectory) Unmount(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.parent == nil {
		return NewPathError("unmount", r.Name(), ErrNotSupported)
	}
	if err := r.parent.removeEntry(r.mountPoint.ID(), r.mountPoint.Name()); err != nil {
		return err
	}
	r.announce()
	return nil
}

// IsMounted reports whether r is a mounted directory rather than the top of
// the tree.
func (r *VirtualRootDirectory) IsMounted() bool {
	return r.parent != nil
}

func (r *VirtualRootDirectory) removeEntry(id, name string) error {
	r.top.mu.Lock()
	entry, ok := r.table[id]
	if !ok {
		r.top.mu.Unlock()
		return NewPathError("unmount", name, ErrMountNotFound)
	}
	delete(r.table, id)
	r.top.mu.Unlock()

	for range entry.detach() {
		metrics.MountRemoved()
	}
	log := logging.Get("treefs.mount")
	log.Debug().Str("mountPoint", name).Str("id", id).Msg("unmounted directory")
	return nil
}

// ============================================================================
// VirtualFS
// ============================================================================

// VirtualFS is the top of a virtual tree. It guards every mount table of the
// tree and routes the change events of mounted directories to the virtual
// directories above their mount points.
//
// Example:
//
//	vfs := treefs.NewVirtualFS(memory.New())
//	point, _ := vfs.AddDirectory(ctx, "data")
//	_ = vfs.Mount(ctx, point, local.New("/srv/data"))
//	f, _ := vfs.GetFile(ctx, []string{"data", "report.csv"})
type VirtualFS struct {
	VirtualRootDirectory
	mu  sync.RWMutex
	hub *EventHub // virtual directories with listeners, keyed by path
}

// NewVirtualFS builds a virtual tree over root.
func NewVirtualFS(root Directory) *VirtualFS {
	v := &VirtualFS{hub: NewEventHub()}
	v.table = make(mountTable)
	v.top = v
	v.initVirtual(root, v, nil, &v.VirtualRootDirectory, nil)
	return v
}

// dispatch notifies the virtual directories at path and above it, deepest
// first, then the top.
func (v *VirtualFS) dispatch(path []string) {
	keys := Lineage(path)
	v.hub.Dispatch(keys[:len(keys)-1]...)
	v.changed()
}

// Close unmounts everything and releases the listeners held on mounted
// directories.
func (v *VirtualFS) Close() error {
	v.mu.Lock()
	table := v.table
	v.table = make(mountTable)
	v.mu.Unlock()

	for _, e := range table {
		for range e.detach() {
			metrics.MountRemoved()
		}
	}
	v.Release()
	return nil
}

// Snapshot returns the ids of every mount point in the tree, nested mounts
// included, mapped to the mounted directory.
func (v *VirtualFS) Snapshot() map[string]Directory {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[string]Directory)
	var collect func(t mountTable)
	collect = func(t mountTable) {
		for id, e := range t {
			out[id] = e.dir
			collect(e.mounts)
		}
	}
	collect(v.table)
	return out
}

var (
	_ Directory = (*VirtualDirectory)(nil)
	_ Directory = (*VirtualRootDirectory)(nil)
	_ Directory = (*VirtualFS)(nil)
)
