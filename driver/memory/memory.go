// Package memory provides an in-memory tree backend.
//
// Every entity gets a random UUID when created; the id is kept across rename
// and move. Copies get new ids. Change events bubble from an entity to all of
// its ancestors. Useful for tests, scratch space and as a mount root.
package memory

import (
	"bytes"
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gobeaver/treefs"
)

// Config holds configuration for the memory backend
type Config struct {
	// MaxSize is the maximum total content size in bytes (0 = unlimited)
	MaxSize int64
}

// tree is the shared state of one backend instance. A single lock guards all
// of its nodes.
type tree struct {
	mu      sync.RWMutex
	root    *node
	maxSize int64
	size    int64
}

// node is one entity of the tree.
type node struct {
	id       string
	name     string
	dir      bool
	data     []byte
	mimeType string
	created  time.Time
	modified time.Time
	extra    map[string]any

	parent   *node
	children map[string]*node

	listeners treefs.Listeners
	handle    treefs.File
}

// File is a leaf of a memory tree.
type File struct {
	t *tree
	n *node
}

// Directory is a directory of a memory tree.
type Directory struct {
	File
}

// New creates a new, empty memory tree and returns its root.
func New(cfg ...Config) *Directory {
	var maxSize int64
	if len(cfg) > 0 {
		maxSize = cfg[0].MaxSize
	}

	t := &tree{maxSize: maxSize}
	t.root = t.newNode("", true)
	return t.root.handle.(*Directory)
}

func (t *tree) newNode(name string, dir bool) *node {
	now := time.Now().UTC()
	n := &node{
		id:       uuid.NewString(),
		name:     name,
		dir:      dir,
		created:  now,
		modified: now,
	}
	if dir {
		n.children = make(map[string]*node)
		n.mimeType = treefs.DirectoryMimeType
		n.handle = &Directory{File{t: t, n: n}}
	} else {
		n.handle = &File{t: t, n: n}
	}
	return n
}

// Size returns the total content size held by the tree.
func (d *Directory) Size() int64 {
	d.t.mu.RLock()
	defer d.t.mu.RUnlock()
	return d.t.size
}

// ============================================================================
// Tree helpers (callers hold t.mu)
// ============================================================================

func (t *tree) attached(n *node) bool {
	for p := n; p != nil; p = p.parent {
		if p == t.root {
			return true
		}
	}
	return false
}

// lineage returns n and its ancestors, n first.
func lineage(n *node) []*node {
	var nodes []*node
	for p := n; p != nil; p = p.parent {
		nodes = append(nodes, p)
	}
	return nodes
}

func isAncestor(a, n *node) bool {
	for p := n; p != nil; p = p.parent {
		if p == a {
			return true
		}
	}
	return false
}

func subtreeSize(n *node) int64 {
	size := int64(len(n.data))
	for _, c := range n.children {
		size += subtreeSize(c)
	}
	return size
}

func (t *tree) fits(delta int64) bool {
	return t.maxSize <= 0 || t.size+delta <= t.maxSize
}

// clone deep-copies n with fresh ids. The copy is not attached.
func (t *tree) clone(n *node) *node {
	c := t.newNode(n.name, n.dir)
	c.data = bytes.Clone(n.data)
	c.mimeType = n.mimeType
	c.extra = maps.Clone(n.extra)
	for name, child := range n.children {
		cc := t.clone(child)
		cc.parent = c
		c.children[name] = cc
	}
	return c
}

func (t *tree) path(n *node) string {
	var names []string
	for p := n; p != nil && p != t.root; p = p.parent {
		names = append([]string{p.name}, names...)
	}
	return treefs.JoinPath(names)
}

// notify dispatches a change on every node, outside the tree lock.
func notify(nodes []*node) {
	for _, n := range nodes {
		n.listeners.Dispatch(n.handle)
	}
}

// ============================================================================
// File
// ============================================================================

func (f *File) ID() string { return f.n.id }

func (f *File) Name() string {
	f.t.mu.RLock()
	defer f.t.mu.RUnlock()
	return f.n.name
}

func (f *File) Kind() treefs.Kind {
	if f.n.dir {
		return treefs.KindDirectory
	}
	return treefs.KindFile
}

func (f *File) Info() treefs.FileInfo {
	f.t.mu.RLock()
	defer f.t.mu.RUnlock()

	n := f.n
	if n.dir {
		info := treefs.DirectoryInfo(n.id, n.name)
		info.Created = n.created
		info.LastModified = n.modified
		info.Extra = maps.Clone(n.extra)
		return info
	}
	return treefs.FileInfo{
		ID:           n.id,
		Name:         n.name,
		Size:         int64(len(n.data)),
		MimeType:     n.mimeType,
		Created:      n.created,
		LastModified: n.modified,
		Extra:        maps.Clone(n.extra),
	}
}

func (f *File) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d, ok := f.n.handle.(*Directory); ok {
		return treefs.ListingJSON(ctx, d)
	}

	f.t.mu.RLock()
	defer f.t.mu.RUnlock()
	if !f.t.attached(f.n) {
		return nil, treefs.NewPathError("read", f.n.name, treefs.ErrDetached)
	}
	return bytes.Clone(f.n.data), nil
}

func (f *File) Write(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.n.dir {
		return nil, treefs.NewPathError("write", f.Name(), treefs.ErrNotSupported)
	}

	f.t.mu.Lock()
	if !f.t.attached(f.n) {
		f.t.mu.Unlock()
		return nil, treefs.NewPathError("write", f.n.name, treefs.ErrDetached)
	}
	delta := int64(len(data) - len(f.n.data))
	if !f.t.fits(delta) {
		f.t.mu.Unlock()
		return nil, treefs.NewPathError("write", f.t.path(f.n), treefs.ErrNoSpace)
	}
	f.n.data = bytes.Clone(data)
	f.n.modified = time.Now().UTC()
	f.t.size += delta
	changed := lineage(f.n)
	f.t.mu.Unlock()

	notify(changed)
	return bytes.Clone(data), nil
}

func (f *File) Rename(ctx context.Context, newName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := treefs.ValidateName(newName); err != nil {
		return treefs.NewPathError("rename", newName, err)
	}

	f.t.mu.Lock()
	n := f.n
	switch {
	case n == f.t.root:
		f.t.mu.Unlock()
		return treefs.NewPathError("rename", "/", treefs.ErrNotSupported)
	case !f.t.attached(n):
		f.t.mu.Unlock()
		return treefs.NewPathError("rename", n.name, treefs.ErrDetached)
	case n.name == newName:
		f.t.mu.Unlock()
		return nil
	}
	if _, exists := n.parent.children[newName]; exists {
		f.t.mu.Unlock()
		return treefs.NewPathError("rename", newName, treefs.ErrExist)
	}
	delete(n.parent.children, n.name)
	n.name = newName
	n.parent.children[newName] = n
	n.parent.modified = time.Now().UTC()
	changed := lineage(n)
	f.t.mu.Unlock()

	notify(changed)
	return nil
}

func (f *File) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.t.mu.Lock()
	n := f.n
	switch {
	case n == f.t.root:
		f.t.mu.Unlock()
		return treefs.NewPathError("delete", "/", treefs.ErrNotSupported)
	case !f.t.attached(n):
		f.t.mu.Unlock()
		return treefs.NewPathError("delete", n.name, treefs.ErrDetached)
	}
	changed := lineage(n)
	delete(n.parent.children, n.name)
	n.parent.modified = time.Now().UTC()
	n.parent = nil
	f.t.size -= subtreeSize(n)
	f.t.mu.Unlock()

	notify(changed)
	return nil
}

// Copy copies natively when target belongs to the same tree, and falls back
// to treefs.CopyTo otherwise.
func (f *File) Copy(ctx context.Context, target treefs.Directory) (treefs.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dst, ok := f.sameTree(target)
	if !ok {
		return treefs.CopyTo(ctx, f.n.handle, target)
	}

	f.t.mu.Lock()
	n := f.n
	if !f.t.attached(n) || !f.t.attached(dst) {
		f.t.mu.Unlock()
		return nil, treefs.NewPathError("copy", n.name, treefs.ErrDetached)
	}
	if _, exists := dst.children[n.name]; exists {
		f.t.mu.Unlock()
		return nil, treefs.NewPathError("copy", n.name, treefs.ErrExist)
	}
	if !f.t.fits(subtreeSize(n)) {
		f.t.mu.Unlock()
		return nil, treefs.NewPathError("copy", n.name, treefs.ErrNoSpace)
	}
	c := f.t.clone(n)
	c.parent = dst
	dst.children[c.name] = c
	dst.modified = time.Now().UTC()
	f.t.size += subtreeSize(c)
	changed := lineage(dst)
	f.t.mu.Unlock()

	notify(changed)
	return c.handle, nil
}

// Move re-parents the node when target belongs to the same tree; the id is
// kept. Other targets fall back to treefs.MoveTo.
func (f *File) Move(ctx context.Context, target treefs.Directory) (treefs.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dst, ok := f.sameTree(target)
	if !ok {
		return treefs.MoveTo(ctx, f.n.handle, target)
	}

	f.t.mu.Lock()
	n := f.n
	switch {
	case n == f.t.root:
		f.t.mu.Unlock()
		return nil, treefs.NewPathError("move", "/", treefs.ErrNotSupported)
	case !f.t.attached(n) || !f.t.attached(dst):
		f.t.mu.Unlock()
		return nil, treefs.NewPathError("move", n.name, treefs.ErrDetached)
	case n.parent == dst:
		f.t.mu.Unlock()
		return n.handle, nil
	case isAncestor(n, dst):
		f.t.mu.Unlock()
		return nil, treefs.NewPathError("move", n.name, treefs.ErrNotSupported)
	}
	if _, exists := dst.children[n.name]; exists {
		f.t.mu.Unlock()
		return nil, treefs.NewPathError("move", n.name, treefs.ErrExist)
	}
	changed := lineage(n)
	now := time.Now().UTC()
	delete(n.parent.children, n.name)
	n.parent.modified = now
	n.parent = dst
	dst.children[n.name] = n
	dst.modified = now
	changed = append(changed, lineage(dst)...)
	f.t.mu.Unlock()

	notify(changed)
	return n.handle, nil
}

func (f *File) AddOnChangeListener(l *treefs.Listener) {
	f.n.listeners.Add(l)
}

func (f *File) RemoveOnChangeListener(l *treefs.Listener) {
	f.n.listeners.Remove(l)
}

// Checksum hashes the content in place.
func (f *File) Checksum(ctx context.Context, algorithm treefs.ChecksumAlgorithm) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.n.dir {
		return "", treefs.NewPathError("checksum", f.Name(), treefs.ErrIsDir)
	}

	f.t.mu.RLock()
	defer f.t.mu.RUnlock()
	if !f.t.attached(f.n) {
		return "", treefs.NewPathError("checksum", f.n.name, treefs.ErrDetached)
	}
	return treefs.CalculateChecksum(bytes.NewReader(f.n.data), algorithm)
}

// sameTree returns the node of target when it is a directory of this tree.
// Wrapped targets are not unwrapped so that their layers see the operation.
func (f *File) sameTree(target treefs.Directory) (*node, bool) {
	d, ok := target.(*Directory)
	if !ok || d.t != f.t {
		return nil, false
	}
	return d.n, true
}

// ============================================================================
// Directory
// ============================================================================

// Children lists the children sorted by name.
func (d *Directory) Children(ctx context.Context) ([]treefs.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.t.mu.RLock()
	defer d.t.mu.RUnlock()
	if !d.t.attached(d.n) {
		return nil, treefs.NewPathError("children", d.n.name, treefs.ErrDetached)
	}

	names := make([]string, 0, len(d.n.children))
	for name := range d.n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	children := make([]treefs.File, 0, len(names))
	for _, name := range names {
		children = append(children, d.n.children[name].handle)
	}
	return children, nil
}

func (d *Directory) AddFile(ctx context.Context, data []byte, name, mimeType string) (treefs.File, error) {
	if mimeType == "" {
		mimeType = treefs.GuessMimeType(name, data)
	}
	n, err := d.add(ctx, "addFile", name, false, func(n *node) {
		n.data = bytes.Clone(data)
		n.mimeType = mimeType
	})
	if err != nil {
		return nil, err
	}
	return n.handle, nil
}

func (d *Directory) AddDirectory(ctx context.Context, name string) (treefs.Directory, error) {
	n, err := d.add(ctx, "addDirectory", name, true, nil)
	if err != nil {
		return nil, err
	}
	return n.handle.(*Directory), nil
}

func (d *Directory) add(ctx context.Context, op, name string, dir bool, fill func(*node)) (*node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := treefs.ValidateName(name); err != nil {
		return nil, treefs.NewPathError(op, name, err)
	}

	n := d.t.newNode(name, dir)
	if fill != nil {
		fill(n)
	}

	d.t.mu.Lock()
	if !d.t.attached(d.n) {
		d.t.mu.Unlock()
		return nil, treefs.NewPathError(op, d.n.name, treefs.ErrDetached)
	}
	if _, exists := d.n.children[name]; exists {
		d.t.mu.Unlock()
		return nil, treefs.NewPathError(op, name, treefs.ErrExist)
	}
	if !d.t.fits(int64(len(n.data))) {
		d.t.mu.Unlock()
		return nil, treefs.NewPathError(op, name, treefs.ErrNoSpace)
	}
	n.parent = d.n
	d.n.children[name] = n
	d.n.modified = n.created
	d.t.size += int64(len(n.data))
	changed := lineage(d.n)
	d.t.mu.Unlock()

	notify(changed)
	return n, nil
}

func (d *Directory) Search(ctx context.Context, query string) ([]treefs.File, error) {
	return treefs.SearchTree(ctx, d, query)
}

// GetFile resolves path through the node index. It fails exactly where
// treefs.WalkPath would.
func (d *Directory) GetFile(ctx context.Context, path []string) (treefs.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.t.mu.RLock()
	defer d.t.mu.RUnlock()
	if !d.t.attached(d.n) {
		return nil, treefs.NewPathError("getFile", d.n.name, treefs.ErrDetached)
	}

	cur := d.n
	for i, name := range path {
		next, ok := cur.children[name]
		if !cur.dir || !ok {
			return nil, treefs.NewPathError("getFile", treefs.JoinPath(path[:i+1]), treefs.ErrNotExist)
		}
		cur = next
	}
	return cur.handle, nil
}

var (
	_ treefs.Directory   = (*Directory)(nil)
	_ treefs.File        = (*File)(nil)
	_ treefs.CanChecksum = (*File)(nil)
)
