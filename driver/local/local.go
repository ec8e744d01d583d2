// Package local provides a tree backend over a directory of the local
// filesystem.
//
// Entities are addressed by their slash separated path below the base
// directory, and that path is also their id, so ids change on rename and move.
// Mutations made through the backend are reported to listeners immediately;
// changes made by other processes are reported once Watch is running.
//
// The filesystem has no place to keep mime types: the mime type passed to
// AddFile is ignored and guessed from the name and content instead.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/internal/logging"
	"github.com/gobeaver/treefs/internal/metrics"
)

const backend = "local"

// sniffLen is how much content is read to guess a mime type.
const sniffLen = 512

// fsys is the state shared by all handles of one backend instance.
type fsys struct {
	root string
	hub  *treefs.EventHub
	log  zerolog.Logger

	// mu serializes check-then-act mutations made through this instance
	mu sync.Mutex
}

// File is a leaf of a local tree.
type File struct {
	fs    *fsys
	dir   bool
	outer treefs.File

	mu      sync.RWMutex
	path    []string
	deleted bool
}

// Directory is a directory of a local tree.
type Directory struct {
	File
}

// New creates a backend rooted at root, creating the directory if needed, and
// returns its root.
func New(root string) (*Directory, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	// Ensure the root directory exists
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	s := &fsys{
		root: absRoot,
		hub:  treefs.NewEventHub(),
		log:  logging.Get("treefs.local"),
	}
	return s.handle(nil, true).(*Directory), nil
}

// BasePath returns the absolute directory the tree is rooted at.
func (d *Directory) BasePath() string {
	return d.fs.root
}

func (s *fsys) handle(path []string, dir bool) treefs.File {
	if dir {
		d := &Directory{File{fs: s, dir: true, path: path}}
		d.outer = d
		return d
	}
	f := &File{fs: s, path: path}
	f.outer = f
	return f
}

func (s *fsys) abs(path []string) string {
	return filepath.Join(s.root, filepath.FromSlash(treefs.JoinPath(path)))
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(backend, op, *err, time.Since(start))
}

// pathErr converts os errors into the tree sentinels.
func pathErr(op string, path []string, err error) error {
	p := treefs.JoinPath(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return treefs.NewPathError(op, p, treefs.ErrNotExist)
	case errors.Is(err, fs.ErrExist):
		return treefs.NewPathError(op, p, treefs.ErrExist)
	default:
		return treefs.NewPathError(op, p, err)
	}
}

func child(path []string, name string) []string {
	return append(slices.Clip(path), name)
}

func isPrefix(prefix, path []string) bool {
	return len(prefix) <= len(path) && slices.Equal(prefix, path[:len(prefix)])
}

// ============================================================================
// File
// ============================================================================

func (f *File) rel() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.path
}

func (f *File) setPath(path []string) {
	f.mu.Lock()
	f.path = path
	f.mu.Unlock()
}

// live returns the current path, or ErrDetached once the entity was deleted
// through this handle.
func (f *File) live(op string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.deleted {
		return nil, treefs.NewPathError(op, treefs.JoinPath(f.path), treefs.ErrDetached)
	}
	return f.path, nil
}

// ID is the path relative to the base directory, with a leading slash.
func (f *File) ID() string { return "/" + treefs.JoinPath(f.rel()) }

func (f *File) Name() string {
	path := f.rel()
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

func (f *File) Kind() treefs.Kind {
	if f.dir {
		return treefs.KindDirectory
	}
	return treefs.KindFile
}

// Info stats the entity. Only id, name and kind are filled when it no longer
// exists.
func (f *File) Info() treefs.FileInfo {
	path := f.rel()
	abs := f.fs.abs(path)

	var info treefs.FileInfo
	if f.dir {
		info = treefs.DirectoryInfo(f.ID(), f.Name())
	} else {
		info = treefs.FileInfo{ID: f.ID(), Name: f.Name()}
	}

	st, err := os.Stat(abs)
	if err != nil {
		return info
	}
	extra, created := platformInfo(st)
	if created.IsZero() {
		created = st.ModTime()
	}
	info.LastModified = st.ModTime().UTC()
	info.Created = created.UTC()
	info.Extra = extra
	if !f.dir {
		info.Size = st.Size()
		info.MimeType = contentType(abs, info.Name)
	}
	return info
}

// contentType guesses from the extension first and sniffs the head of the
// file only when that fails.
func contentType(abs, name string) string {
	if mt := treefs.GuessMimeType(name, nil); mt != treefs.MimeTypeOctetStream {
		return mt
	}
	file, err := os.Open(abs)
	if err != nil {
		return treefs.MimeTypeOctetStream
	}
	defer file.Close()

	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(file, head)
	return treefs.GuessMimeType(name, head[:n])
}

func (f *File) Read(ctx context.Context) (data []byte, err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if f.dir {
		return treefs.ListingJSON(ctx, f.outer.(*Directory))
	}
	defer observe("read", time.Now(), &err)

	path, err := f.live("read")
	if err != nil {
		return nil, err
	}
	data, err = os.ReadFile(f.fs.abs(path))
	if err != nil {
		return nil, pathErr("read", path, err)
	}
	return data, nil
}

// Write replaces the content, keeping the file's permissions.
func (f *File) Write(ctx context.Context, data []byte) (stored []byte, err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if f.dir {
		return nil, treefs.NewPathError("write", f.Name(), treefs.ErrNotSupported)
	}
	defer observe("write", time.Now(), &err)

	path, err := f.live("write")
	if err != nil {
		return nil, err
	}
	abs := f.fs.abs(path)
	st, err := os.Stat(abs)
	if err != nil {
		return nil, pathErr("write", path, err)
	}
	if st.IsDir() {
		return nil, treefs.NewPathError("write", treefs.JoinPath(path), treefs.ErrIsDir)
	}
	if err := os.WriteFile(abs, data, st.Mode().Perm()); err != nil {
		return nil, pathErr("write", path, err)
	}

	f.fs.hub.Dispatch(treefs.Lineage(path)...)
	return slices.Clone(data), nil
}

func (f *File) Rename(ctx context.Context, newName string) (err error) {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := treefs.ValidateName(newName); err != nil {
		return treefs.NewPathError("rename", newName, err)
	}
	defer observe("rename", time.Now(), &err)

	f.fs.mu.Lock()
	path, err := f.live("rename")
	switch {
	case err != nil:
		f.fs.mu.Unlock()
		return err
	case len(path) == 0:
		f.fs.mu.Unlock()
		return treefs.NewPathError("rename", "/", treefs.ErrNotSupported)
	case path[len(path)-1] == newName:
		f.fs.mu.Unlock()
		return nil
	}
	renamed := child(path[:len(path)-1], newName)
	if _, err := os.Lstat(f.fs.abs(renamed)); err == nil {
		f.fs.mu.Unlock()
		return treefs.NewPathError("rename", newName, treefs.ErrExist)
	}
	if err := os.Rename(f.fs.abs(path), f.fs.abs(renamed)); err != nil {
		f.fs.mu.Unlock()
		return pathErr("rename", path, err)
	}
	f.fs.hub.Rekey(treefs.JoinPath(path), treefs.JoinPath(renamed))
	f.setPath(renamed)
	f.fs.mu.Unlock()

	f.fs.hub.Dispatch(treefs.Lineage(renamed)...)
	return nil
}

// Delete removes the entity and, for directories, everything below it.
func (f *File) Delete(ctx context.Context) (err error) {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	defer observe("delete", time.Now(), &err)

	f.fs.mu.Lock()
	path, err := f.live("delete")
	switch {
	case err != nil:
		f.fs.mu.Unlock()
		return err
	case len(path) == 0:
		f.fs.mu.Unlock()
		return treefs.NewPathError("delete", "/", treefs.ErrNotSupported)
	}
	abs := f.fs.abs(path)
	if _, err := os.Lstat(abs); err != nil {
		f.fs.mu.Unlock()
		return pathErr("delete", path, err)
	}
	if err := os.RemoveAll(abs); err != nil {
		f.fs.mu.Unlock()
		return pathErr("delete", path, err)
	}
	f.mu.Lock()
	f.deleted = true
	f.mu.Unlock()
	f.fs.mu.Unlock()

	f.fs.hub.Dispatch(treefs.Lineage(path)...)
	return nil
}

// Copy copies on disk when target is a directory of the same backend, and
// falls back to treefs.CopyTo otherwise.
func (f *File) Copy(ctx context.Context, target treefs.Directory) (copied treefs.File, err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	dst, ok := f.sameFS(target)
	if !ok {
		return treefs.CopyTo(ctx, f.outer, target)
	}
	defer observe("copy", time.Now(), &err)

	f.fs.mu.Lock()
	src, err := f.live("copy")
	if err != nil {
		f.fs.mu.Unlock()
		return nil, err
	}
	dstPath, err := dst.live("copy")
	if err != nil {
		f.fs.mu.Unlock()
		return nil, err
	}
	name := f.Name()
	if len(src) == 0 {
		f.fs.mu.Unlock()
		return nil, treefs.NewPathError("copy", "/", treefs.ErrNotSupported)
	}
	out := child(dstPath, name)
	if _, err := os.Lstat(f.fs.abs(out)); err == nil {
		f.fs.mu.Unlock()
		return nil, treefs.NewPathError("copy", name, treefs.ErrExist)
	}
	if err := copyTree(f.fs.abs(src), f.fs.abs(out)); err != nil {
		_ = os.RemoveAll(f.fs.abs(out))
		f.fs.mu.Unlock()
		return nil, pathErr("copy", src, err)
	}
	f.fs.mu.Unlock()

	f.fs.hub.Dispatch(treefs.Lineage(dstPath)...)
	return f.fs.handle(out, f.dir), nil
}

// Move renames on disk when target is a directory of the same backend. The
// handle follows the entity and its id changes to the new path. Other targets
// fall back to treefs.MoveTo.
func (f *File) Move(ctx context.Context, target treefs.Directory) (moved treefs.File, err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	dst, ok := f.sameFS(target)
	if !ok {
		return treefs.MoveTo(ctx, f.outer, target)
	}
	defer observe("move", time.Now(), &err)

	f.fs.mu.Lock()
	src, err := f.live("move")
	if err != nil {
		f.fs.mu.Unlock()
		return nil, err
	}
	dstPath, err := dst.live("move")
	switch {
	case err != nil:
		f.fs.mu.Unlock()
		return nil, err
	case len(src) == 0:
		f.fs.mu.Unlock()
		return nil, treefs.NewPathError("move", "/", treefs.ErrNotSupported)
	case slices.Equal(src[:len(src)-1], dstPath):
		f.fs.mu.Unlock()
		return f.outer, nil
	case isPrefix(src, dstPath):
		f.fs.mu.Unlock()
		return nil, treefs.NewPathError("move", treefs.JoinPath(src), treefs.ErrNotSupported)
	}
	out := child(dstPath, src[len(src)-1])
	if _, err := os.Lstat(f.fs.abs(out)); err == nil {
		f.fs.mu.Unlock()
		return nil, treefs.NewPathError("move", treefs.JoinPath(out), treefs.ErrExist)
	}
	if err := os.Rename(f.fs.abs(src), f.fs.abs(out)); err != nil {
		f.fs.mu.Unlock()
		return nil, pathErr("move", src, err)
	}
	f.fs.hub.Rekey(treefs.JoinPath(src), treefs.JoinPath(out))
	f.setPath(out)
	f.fs.mu.Unlock()

	f.fs.hub.Dispatch(append(treefs.Lineage(src[:len(src)-1]), treefs.Lineage(out)...)...)
	return f.outer, nil
}

func (f *File) AddOnChangeListener(l *treefs.Listener) {
	f.fs.hub.Add(treefs.JoinPath(f.rel()), f.outer, l)
}

func (f *File) RemoveOnChangeListener(l *treefs.Listener) {
	f.fs.hub.Remove(treefs.JoinPath(f.rel()), l)
}

// Checksum streams the file through the hash.
func (f *File) Checksum(ctx context.Context, algorithm treefs.ChecksumAlgorithm) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if f.dir {
		return "", treefs.NewPathError("checksum", f.Name(), treefs.ErrIsDir)
	}
	path, err := f.live("checksum")
	if err != nil {
		return "", err
	}

	file, err := os.Open(f.fs.abs(path))
	if err != nil {
		return "", pathErr("checksum", path, err)
	}
	defer file.Close()
	return treefs.CalculateChecksum(file, algorithm)
}

// sameFS returns target as a directory of this backend instance. Wrapped
// targets are not unwrapped so that their layers see the operation.
func (f *File) sameFS(target treefs.Directory) (*Directory, bool) {
	d, ok := target.(*Directory)
	if !ok || d.fs != f.fs {
		return nil, false
	}
	return d, true
}

// copyTree copies src to dst. The source tree is listed completely before
// anything is created, so copying a directory into its own subtree ends.
func copyTree(src, dst string) error {
	type entry struct {
		rel  string
		mode fs.FileMode
	}
	var entries []entry
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{rel: rel, mode: info.Mode()})
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		from, to := filepath.Join(src, e.rel), filepath.Join(dst, e.rel)
		switch {
		case e.mode.IsDir():
			if err := os.Mkdir(to, e.mode.Perm()); err != nil {
				return err
			}
		case e.mode.IsRegular():
			if err := copyFile(from, to, e.mode.Perm()); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(from, to string, perm fs.FileMode) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ============================================================================
// Directory
// ============================================================================

// Children lists the directory sorted by name.
func (d *Directory) Children(ctx context.Context) ([]treefs.File, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	path, err := d.live("children")
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(d.fs.abs(path))
	if err != nil {
		return nil, pathErr("children", path, err)
	}
	children := make([]treefs.File, 0, len(entries))
	for _, e := range entries {
		p := child(path, e.Name())
		dir := e.IsDir()
		if e.Type()&fs.ModeSymlink != 0 {
			if st, err := os.Stat(d.fs.abs(p)); err == nil {
				dir = st.IsDir()
			}
		}
		children = append(children, d.fs.handle(p, dir))
	}
	return children, nil
}

// AddFile creates the file exclusively. mimeType is not stored.
func (d *Directory) AddFile(ctx context.Context, data []byte, name, _ string) (f treefs.File, err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if err := treefs.ValidateName(name); err != nil {
		return nil, treefs.NewPathError("addFile", name, err)
	}
	defer observe("addFile", time.Now(), &err)

	path, err := d.live("addFile")
	if err != nil {
		return nil, err
	}
	p := child(path, name)
	file, err := os.OpenFile(d.fs.abs(p), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, pathErr("addFile", p, err)
	}
	_, werr := file.Write(data)
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(d.fs.abs(p))
		return nil, pathErr("addFile", p, werr)
	}

	d.fs.hub.Dispatch(treefs.Lineage(path)...)
	return d.fs.handle(p, false), nil
}

func (d *Directory) AddDirectory(ctx context.Context, name string) (sub treefs.Directory, err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if err := treefs.ValidateName(name); err != nil {
		return nil, treefs.NewPathError("addDirectory", name, err)
	}
	defer observe("addDirectory", time.Now(), &err)

	path, err := d.live("addDirectory")
	if err != nil {
		return nil, err
	}
	p := child(path, name)
	if err := os.Mkdir(d.fs.abs(p), 0o755); err != nil {
		return nil, pathErr("addDirectory", p, err)
	}

	d.fs.hub.Dispatch(treefs.Lineage(path)...)
	return d.fs.handle(p, true).(*Directory), nil
}

func (d *Directory) Search(ctx context.Context, query string) ([]treefs.File, error) {
	return treefs.SearchTree(ctx, d, query)
}

// GetFile stats each prefix of path instead of listing directories. It fails
// exactly where treefs.WalkPath would.
func (d *Directory) GetFile(ctx context.Context, path []string) (treefs.File, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	base, err := d.live("getFile")
	if err != nil {
		return nil, err
	}

	cur, dir := base, true
	for i, name := range path {
		notFound := treefs.NewPathError("getFile", treefs.JoinPath(path[:i+1]), treefs.ErrNotExist)
		// names that are not a single segment cannot be listed by a parent
		if !dir || treefs.ValidateName(name) != nil {
			return nil, notFound
		}
		next := child(cur, name)
		st, err := os.Stat(d.fs.abs(next))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound
		}
		if err != nil {
			return nil, pathErr("getFile", next, err)
		}
		cur, dir = next, st.IsDir()
	}
	if len(path) == 0 {
		return d.outer, nil
	}
	return d.fs.handle(cur, dir), nil
}

var (
	_ treefs.Directory   = (*Directory)(nil)
	_ treefs.File        = (*File)(nil)
	_ treefs.CanChecksum = (*File)(nil)
)
