// Package zip provides a read-only tree backend over a ZIP archive.
//
// The archive is indexed once when it is opened. Directories are taken from
// explicit directory entries and from the paths of the files below them.
// Entries whose path is absolute or leaves the archive root ("..") are
// skipped. Ids are the slash separated path below the root, so "/" is the root.
//
// Every mutation fails with ErrNotSupported and change listeners are never
// called, since the content cannot change. Copy works and copies out of the
// archive into any other tree.
package zip

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/internal/logging"
	"github.com/gobeaver/treefs/internal/metrics"
)

const backend = "zip"

// archive is the index shared by all handles of one opened archive.
type archive struct {
	closer io.Closer
	root   *node
	log    zerolog.Logger
}

// node is a file or directory of the index.
type node struct {
	path     []string
	entry    *zip.File // nil for implied directories
	dir      bool
	modified time.Time
	children map[string]*node
}

// File is a leaf of an archive tree.
type File struct {
	a     *archive
	n     *node
	outer treefs.File
}

// Directory is a directory of an archive tree.
type Directory struct {
	File
}

// Open opens the archive at name. Close releases the file.
func Open(name string) (*Directory, error) {
	rc, err := zip.OpenReader(name)
	if err != nil && !insecureOnly(rc, err) {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	root := build(&rc.Reader)
	root.a.closer = rc
	return root, nil
}

// New indexes the archive read from r, which holds size bytes.
func New(r io.ReaderAt, size int64) (*Directory, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil && !insecureOnly(zr, err) {
		return nil, fmt.Errorf("failed to read zip: %w", err)
	}
	return build(zr), nil
}

// insecureOnly reports whether the archive was read and only its entry names
// were rejected. Such entries are skipped while indexing.
func insecureOnly[R any](r *R, err error) bool {
	return r != nil && errors.Is(err, zip.ErrInsecurePath)
}

func build(zr *zip.Reader) *Directory {
	a := &archive{
		root: &node{dir: true, children: make(map[string]*node)},
		log:  logging.Get("treefs.zip"),
	}

	for _, f := range zr.File {
		path, ok := entryPath(f.Name)
		if !ok {
			a.log.Warn().Str("entry", f.Name).Msg("skipping entry outside the archive root")
			continue
		}
		if len(path) == 0 {
			continue
		}
		isDir := f.FileInfo().IsDir()
		n, ok := a.insert(path, isDir)
		if !ok {
			a.log.Warn().Str("entry", f.Name).Msg("skipping entry clashing with another entry")
			continue
		}
		if isDir {
			n.modified = f.Modified
		} else {
			n.entry = f
		}
	}
	return a.handle(a.root).(*Directory)
}

// entryPath splits an entry name. It fails for absolute names and names
// with ".." segments.
func entryPath(name string) ([]string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return nil, false
	}
	path := treefs.SplitPath(name)
	for _, seg := range path {
		if treefs.ValidateName(seg) != nil {
			return nil, false
		}
	}
	return path, true
}

// insert adds path and its missing parents to the index. It fails when a
// segment is already a node of the other kind.
func (a *archive) insert(path []string, dir bool) (*node, bool) {
	cur := a.root
	for i, name := range path {
		last := i == len(path)-1
		next, ok := cur.children[name]
		if !ok {
			next = &node{path: slices.Clip(path[:i+1]), dir: dir || !last}
			if next.dir {
				next.children = make(map[string]*node)
			}
			cur.children[name] = next
		} else if next.dir != (dir || !last) || (last && !dir) {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func (a *archive) handle(n *node) treefs.File {
	if n.dir {
		d := &Directory{File{a: a, n: n}}
		d.outer = d
		return d
	}
	f := &File{a: a, n: n}
	f.outer = f
	return f
}

// Close releases the archive file. Handles must not be used afterwards.
func (d *Directory) Close() error {
	if d.a.closer == nil {
		return nil
	}
	return d.a.closer.Close()
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(backend, op, *err, time.Since(start))
}

func (f *File) rejected(op string) error {
	return treefs.NewPathError(op, "/"+treefs.JoinPath(f.n.path), treefs.ErrNotSupported)
}

func (f *File) ID() string { return "/" + treefs.JoinPath(f.n.path) }

func (f *File) Name() string {
	if len(f.n.path) == 0 {
		return ""
	}
	return f.n.path[len(f.n.path)-1]
}

func (f *File) Kind() treefs.Kind {
	if f.n.dir {
		return treefs.KindDirectory
	}
	return treefs.KindFile
}

// Info reports the uncompressed size and the modification time stored in the
// archive. Extra holds the compressed size and compression method.
func (f *File) Info() treefs.FileInfo {
	if f.n.dir {
		info := treefs.DirectoryInfo(f.ID(), f.Name())
		info.LastModified = f.n.modified
		info.Created = f.n.modified
		return info
	}
	e := f.n.entry
	return treefs.FileInfo{
		ID:           f.ID(),
		Name:         f.Name(),
		Size:         int64(e.UncompressedSize64),
		MimeType:     treefs.GuessMimeType(f.Name(), nil),
		Created:      e.Modified,
		LastModified: e.Modified,
		Extra: map[string]any{
			"compressedSize": e.CompressedSize64,
			"method":         e.Method,
		},
	}
}

func (f *File) Read(ctx context.Context) (data []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.n.dir {
		return treefs.ListingJSON(ctx, f.outer.(treefs.Directory))
	}
	defer observe("read", time.Now(), &err)

	rc, err := f.n.entry.Open()
	if err != nil {
		return nil, treefs.NewPathError("read", f.ID(), err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (f *File) Write(context.Context, []byte) ([]byte, error) {
	return nil, f.rejected("write")
}

func (f *File) Rename(context.Context, string) error { return f.rejected("rename") }

func (f *File) Delete(context.Context) error { return f.rejected("delete") }

func (f *File) Move(context.Context, treefs.Directory) (treefs.File, error) {
	return nil, f.rejected("move")
}

// Copy copies the entity out of the archive into target.
func (f *File) Copy(ctx context.Context, target treefs.Directory) (treefs.File, error) {
	return treefs.CopyTo(ctx, f.outer, target)
}

// The archive never changes, so listeners are not kept.
func (f *File) AddOnChangeListener(*treefs.Listener)    {}
func (f *File) RemoveOnChangeListener(*treefs.Listener) {}

// Checksum hashes the entry while decompressing it.
func (f *File) Checksum(ctx context.Context, algorithm treefs.ChecksumAlgorithm) (sum string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.n.dir {
		return "", treefs.NewPathError("checksum", f.Name(), treefs.ErrIsDir)
	}
	defer observe("checksum", time.Now(), &err)

	rc, err := f.n.entry.Open()
	if err != nil {
		return "", treefs.NewPathError("checksum", f.ID(), err)
	}
	defer rc.Close()
	return treefs.CalculateChecksum(rc, algorithm)
}

// Children lists the children sorted by name.
func (d *Directory) Children(ctx context.Context) ([]treefs.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(d.n.children))
	for name := range d.n.children {
		names = append(names, name)
	}
	slices.Sort(names)

	children := make([]treefs.File, len(names))
	for i, name := range names {
		children[i] = d.a.handle(d.n.children[name])
	}
	return children, nil
}

func (d *Directory) AddFile(_ context.Context, _ []byte, name, _ string) (treefs.File, error) {
	return nil, treefs.NewPathError("addFile", treefs.JoinPath(append(slices.Clip(d.n.path), name)), treefs.ErrNotSupported)
}

func (d *Directory) AddDirectory(_ context.Context, name string) (treefs.Directory, error) {
	return nil, treefs.NewPathError("addDirectory", treefs.JoinPath(append(slices.Clip(d.n.path), name)), treefs.ErrNotSupported)
}

// Search matches names over the index without decompressing anything.
func (d *Directory) Search(ctx context.Context, query string) ([]treefs.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := treefs.NameMatcher(query)
	var results []treefs.File
	var visit func(n *node)
	visit = func(n *node) {
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			child := d.a.handle(n.children[name])
			if m.Match(child) {
				results = append(results, child)
			}
			if n.children[name].dir {
				visit(n.children[name])
			}
		}
	}
	visit(d.n)
	return results, nil
}

// GetFile looks path up in the index. It fails where treefs.WalkPath would.
func (d *Directory) GetFile(ctx context.Context, path []string) (treefs.File, error) {
	if len(path) == 0 {
		return d.outer, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur := d.n
	for i, name := range path {
		next, ok := cur.children[name]
		if !cur.dir || !ok {
			return nil, treefs.NewPathError("getFile", treefs.JoinPath(path[:i+1]), treefs.ErrNotExist)
		}
		cur = next
	}
	return d.a.handle(cur), nil
}
