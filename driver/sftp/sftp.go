// Package sftp provides a tree backend over a directory of an SFTP server.
//
// Like the local backend, entities are addressed by their path below the
// base directory and that path is their id, so ids change on rename and move.
// Mime types are not stored and are guessed from names.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/internal/logging"
	"github.com/gobeaver/treefs/internal/metrics"
)

const backend = "sftp"

// Config holds SFTP connection configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key
	BasePath   string

	// Timeout bounds the TCP connect and SSH handshake. Zero means 30s.
	Timeout time.Duration

	// HostKeyCallback verifies the server. Nil accepts any host key.
	HostKeyCallback ssh.HostKeyCallback
}

// conn is the state shared by all handles of one backend instance.
type conn struct {
	client  *sftp.Client
	sshConn *ssh.Client
	root    string
	hub     *treefs.EventHub
	log     zerolog.Logger

	// mu serializes check-then-act mutations made through this instance
	mu sync.Mutex
}

// File is a leaf of an SFTP tree.
type File struct {
	c     *conn
	dir   bool
	outer treefs.File

	mu      sync.RWMutex
	path    []string
	deleted bool
}

// Directory is a directory of an SFTP tree.
type Directory struct {
	File
}

// Dial connects to the server described by cfg and returns the root of the
// tree at cfg.BasePath. Close releases the connection.
func Dial(cfg Config) (*Directory, error) {
	// Build SSH config
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.Timeout,
	}
	if sshConfig.HostKeyCallback == nil {
		sshConfig.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if sshConfig.Timeout == 0 {
		sshConfig.Timeout = 30 * time.Second
	}

	// Add authentication method
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(cfg.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return nil, fmt.Errorf("no authentication method provided")
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	sshConn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH: %w", err)
	}

	// Create SFTP client
	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	root, err := New(client, cfg.BasePath)
	if err != nil {
		client.Close()
		sshConn.Close()
		return nil, err
	}
	root.c.sshConn = sshConn
	return root, nil
}

// New returns the root of the tree at basePath on an established client,
// creating the directory if needed. An empty basePath is the server's
// working directory.
func New(client *sftp.Client, basePath string) (*Directory, error) {
	if basePath == "" {
		wd, err := client.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		basePath = wd
	}
	basePath = path.Clean("/" + basePath)

	if err := client.MkdirAll(basePath); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	c := &conn{
		client: client,
		root:   basePath,
		hub:    treefs.NewEventHub(),
		log:    logging.Get("treefs.sftp"),
	}
	return c.handle(nil, true).(*Directory), nil
}

// Close closes the SFTP and SSH connections
func (d *Directory) Close() error {
	var errs []error
	if err := d.c.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.c.sshConn != nil {
		if err := d.c.sshConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BasePath returns the directory on the server the tree is rooted at.
func (d *Directory) BasePath() string {
	return d.c.root
}

func (c *conn) handle(p []string, dir bool) treefs.File {
	if dir {
		d := &Directory{File{c: c, dir: true, path: p}}
		d.outer = d
		return d
	}
	f := &File{c: c, path: p}
	f.outer = f
	return f
}

func (c *conn) abs(p []string) string {
	return path.Join(c.root, treefs.JoinPath(p))
}

func (c *conn) exists(p []string) bool {
	_, err := c.client.Lstat(c.abs(p))
	return err == nil
}

// removeAll recursively removes a directory and its contents
func (c *conn) removeAll(p string) error {
	entries, err := c.client.ReadDir(p)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		entryPath := path.Join(p, entry.Name())
		if entry.IsDir() {
			if err := c.removeAll(entryPath); err != nil {
				return err
			}
		} else if err := c.client.Remove(entryPath); err != nil {
			return err
		}
	}
	return c.client.RemoveDirectory(p)
}

// copyTree copies src to dst. The source tree is listed completely before
// anything is created, so copying a directory into its own subtree ends.
func (c *conn) copyTree(src, dst string) error {
	type entry struct {
		rel string
		dir bool
	}
	entries := []entry{{rel: ".", dir: true}}
	var list func(rel string) error
	list = func(rel string) error {
		infos, err := c.client.ReadDir(path.Join(src, rel))
		if err != nil {
			return err
		}
		for _, info := range infos {
			r := path.Join(rel, info.Name())
			entries = append(entries, entry{rel: r, dir: info.IsDir()})
			if info.IsDir() {
				if err := list(r); err != nil {
					return err
				}
			}
		}
		return nil
	}
	st, err := c.client.Stat(src)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return c.copyFile(src, dst)
	}
	if err := list("."); err != nil {
		return err
	}

	for _, e := range entries {
		to := path.Join(dst, e.rel)
		if e.dir {
			if err := c.client.Mkdir(to); err != nil {
				return err
			}
			continue
		}
		if err := c.copyFile(path.Join(src, e.rel), to); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) copyFile(from, to string) error {
	in, err := c.client.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := c.client.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(backend, op, *err, time.Since(start))
}

// mapSFTPError maps SFTP errors to tree errors
func mapSFTPError(op string, p []string, err error) error {
	rel := treefs.JoinPath(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return treefs.NewPathError(op, rel, treefs.ErrNotExist)
	case errors.Is(err, fs.ErrExist):
		return treefs.NewPathError(op, rel, treefs.ErrExist)
	case errors.Is(err, fs.ErrPermission):
		return treefs.NewPathError(op, rel, treefs.ErrNotAllowed)
	default:
		return treefs.NewPathError(op, rel, err)
	}
}

func child(p []string, name string) []string {
	return append(slices.Clip(p), name)
}

func isPrefix(prefix, p []string) bool {
	return len(prefix) <= len(p) && slices.Equal(prefix, p[:len(prefix)])
}

// ============================================================================
// File
// ============================================================================

func (f *File) rel() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.path
}

func (f *File) setPath(p []string) {
	f.mu.Lock()
	f.path = p
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
	p := f.rel()
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

func (f *File) Kind() treefs.Kind {
	if f.dir {
		return treefs.KindDirectory
	}
	return treefs.KindFile
}

// Info stats the entity. Only id, name and kind are filled when it no longer
// exists. The server reports no creation time, the modification time is used.
func (f *File) Info() treefs.FileInfo {
	var info treefs.FileInfo
	if f.dir {
		info = treefs.DirectoryInfo(f.ID(), f.Name())
	} else {
		info = treefs.FileInfo{ID: f.ID(), Name: f.Name()}
	}

	st, err := f.c.client.Stat(f.c.abs(f.rel()))
	if err != nil {
		return info
	}
	info.LastModified = st.ModTime().UTC()
	info.Created = info.LastModified
	info.Extra = map[string]any{"mode": st.Mode().String()}
	if !f.dir {
		info.Size = st.Size()
		info.MimeType = treefs.GuessMimeType(info.Name, nil)
	}
	return info
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

	p, err := f.live("read")
	if err != nil {
		return nil, err
	}
	file, err := f.c.client.Open(f.c.abs(p))
	if err != nil {
		return nil, mapSFTPError("read", p, err)
	}
	defer file.Close()

	data, err = io.ReadAll(file)
	if err != nil {
		return nil, mapSFTPError("read", p, err)
	}
	return data, nil
}

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

	p, err := f.live("write")
	if err != nil {
		return nil, err
	}
	abs := f.c.abs(p)
	st, err := f.c.client.Stat(abs)
	if err != nil {
		return nil, mapSFTPError("write", p, err)
	}
	if st.IsDir() {
		return nil, treefs.NewPathError("write", treefs.JoinPath(p), treefs.ErrIsDir)
	}
	file, err := f.c.client.OpenFile(abs, os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return nil, mapSFTPError("write", p, err)
	}
	_, werr := file.Write(data)
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, mapSFTPError("write", p, werr)
	}

	f.c.hub.Dispatch(treefs.Lineage(p)...)
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

	f.c.mu.Lock()
	p, err := f.live("rename")
	switch {
	case err != nil:
		f.c.mu.Unlock()
		return err
	case len(p) == 0:
		f.c.mu.Unlock()
		return treefs.NewPathError("rename", "/", treefs.ErrNotSupported)
	case p[len(p)-1] == newName:
		f.c.mu.Unlock()
		return nil
	}
	renamed := child(p[:len(p)-1], newName)
	if f.c.exists(renamed) {
		f.c.mu.Unlock()
		return treefs.NewPathError("rename", newName, treefs.ErrExist)
	}
	if err := f.c.client.Rename(f.c.abs(p), f.c.abs(renamed)); err != nil {
		f.c.mu.Unlock()
		return mapSFTPError("rename", p, err)
	}
	f.c.hub.Rekey(treefs.JoinPath(p), treefs.JoinPath(renamed))
	f.setPath(renamed)
	f.c.mu.Unlock()

	f.c.hub.Dispatch(treefs.Lineage(renamed)...)
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

	f.c.mu.Lock()
	p, err := f.live("delete")
	switch {
	case err != nil:
		f.c.mu.Unlock()
		return err
	case len(p) == 0:
		f.c.mu.Unlock()
		return treefs.NewPathError("delete", "/", treefs.ErrNotSupported)
	}
	abs := f.c.abs(p)
	st, err := f.c.client.Lstat(abs)
	if err != nil {
		f.c.mu.Unlock()
		return mapSFTPError("delete", p, err)
	}
	if st.IsDir() {
		err = f.c.removeAll(abs)
	} else {
		err = f.c.client.Remove(abs)
	}
	if err != nil {
		f.c.mu.Unlock()
		return mapSFTPError("delete", p, err)
	}
	f.mu.Lock()
	f.deleted = true
	f.mu.Unlock()
	f.c.mu.Unlock()

	f.c.hub.Dispatch(treefs.Lineage(p)...)
	return nil
}

// Copy copies on the server when target is a directory of the same backend,
// and falls back to treefs.CopyTo otherwise. SFTP has no copy command, so
// the content still passes through the client.
func (f *File) Copy(ctx context.Context, target treefs.Directory) (copied treefs.File, err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	dst, ok := f.sameConn(target)
	if !ok {
		return treefs.CopyTo(ctx, f.outer, target)
	}
	defer observe("copy", time.Now(), &err)

	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	src, err := f.live("copy")
	if err != nil {
		return nil, err
	}
	dstPath, err := dst.live("copy")
	if err != nil {
		return nil, err
	}
	if len(src) == 0 {
		return nil, treefs.NewPathError("copy", "/", treefs.ErrNotSupported)
	}
	out := child(dstPath, src[len(src)-1])
	if f.c.exists(out) {
		return nil, treefs.NewPathError("copy", treefs.JoinPath(out), treefs.ErrExist)
	}
	if err := f.c.copyTree(f.c.abs(src), f.c.abs(out)); err != nil {
		if st, serr := f.c.client.Lstat(f.c.abs(out)); serr == nil {
			cleanup := f.c.client.Remove
			if st.IsDir() {
				cleanup = f.c.removeAll
			}
			if cerr := cleanup(f.c.abs(out)); cerr != nil {
				f.c.log.Warn().Err(cerr).Str("path", treefs.JoinPath(out)).Msg("failed to remove partial copy")
			}
		}
		return nil, mapSFTPError("copy", src, err)
	}

	f.c.hub.Dispatch(treefs.Lineage(dstPath)...)
	return f.c.handle(out, f.dir), nil
}

// Move renames on the server when target is a directory of the same backend.
// The handle follows the entity and its id changes to the new path. Other
// targets fall back to treefs.MoveTo.
func (f *File) Move(ctx context.Context, target treefs.Directory) (moved treefs.File, err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	dst, ok := f.sameConn(target)
	if !ok {
		return treefs.MoveTo(ctx, f.outer, target)
	}
	defer observe("move", time.Now(), &err)

	f.c.mu.Lock()
	src, err := f.live("move")
	if err != nil {
		f.c.mu.Unlock()
		return nil, err
	}
	dstPath, err := dst.live("move")
	switch {
	case err != nil:
		f.c.mu.Unlock()
		return nil, err
	case len(src) == 0:
		f.c.mu.Unlock()
		return nil, treefs.NewPathError("move", "/", treefs.ErrNotSupported)
	case slices.Equal(src[:len(src)-1], dstPath):
		f.c.mu.Unlock()
		return f.outer, nil
	case isPrefix(src, dstPath):
		f.c.mu.Unlock()
		return nil, treefs.NewPathError("move", treefs.JoinPath(src), treefs.ErrNotSupported)
	}
	out := child(dstPath, src[len(src)-1])
	if f.c.exists(out) {
		f.c.mu.Unlock()
		return nil, treefs.NewPathError("move", treefs.JoinPath(out), treefs.ErrExist)
	}
	if err := f.c.client.Rename(f.c.abs(src), f.c.abs(out)); err != nil {
		f.c.mu.Unlock()
		return nil, mapSFTPError("move", src, err)
	}
	f.c.hub.Rekey(treefs.JoinPath(src), treefs.JoinPath(out))
	f.setPath(out)
	f.c.mu.Unlock()

	f.c.hub.Dispatch(append(treefs.Lineage(src[:len(src)-1]), treefs.Lineage(out)...)...)
	return f.outer, nil
}

func (f *File) AddOnChangeListener(l *treefs.Listener) {
	f.c.hub.Add(treefs.JoinPath(f.rel()), f.outer, l)
}

func (f *File) RemoveOnChangeListener(l *treefs.Listener) {
	f.c.hub.Remove(treefs.JoinPath(f.rel()), l)
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
	p, err := f.live("checksum")
	if err != nil {
		return "", err
	}

	file, err := f.c.client.Open(f.c.abs(p))
	if err != nil {
		return "", mapSFTPError("checksum", p, err)
	}
	defer file.Close()
	return treefs.CalculateChecksum(file, algorithm)
}

func (f *File) sameConn(target treefs.Directory) (*Directory, bool) {
	d, ok := target.(*Directory)
	if !ok || d.c != f.c {
		return nil, false
	}
	return d, true
}

// ============================================================================
// Directory
// ============================================================================

// Children lists the directory sorted by name.
func (d *Directory) Children(ctx context.Context) (children []treefs.File, err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	defer observe("children", time.Now(), &err)

	p, err := d.live("children")
	if err != nil {
		return nil, err
	}
	infos, err := d.c.client.ReadDir(d.c.abs(p))
	if err != nil {
		return nil, mapSFTPError("children", p, err)
	}
	slices.SortFunc(infos, func(a, b os.FileInfo) int { return strings.Compare(a.Name(), b.Name()) })

	children = make([]treefs.File, 0, len(infos))
	for _, info := range infos {
		children = append(children, d.c.handle(child(p, info.Name()), info.IsDir()))
	}
	return children, nil
}

// AddFile creates the file. mimeType is not stored.
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

	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	p, err := d.live("addFile")
	if err != nil {
		return nil, err
	}
	np := child(p, name)
	if d.c.exists(np) {
		return nil, treefs.NewPathError("addFile", treefs.JoinPath(np), treefs.ErrExist)
	}
	file, err := d.c.client.OpenFile(d.c.abs(np), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, mapSFTPError("addFile", np, err)
	}
	_, werr := file.Write(data)
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = d.c.client.Remove(d.c.abs(np))
		return nil, mapSFTPError("addFile", np, werr)
	}

	d.c.hub.Dispatch(treefs.Lineage(p)...)
	return d.c.handle(np, false), nil
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

	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	p, err := d.live("addDirectory")
	if err != nil {
		return nil, err
	}
	np := child(p, name)
	if d.c.exists(np) {
		return nil, treefs.NewPathError("addDirectory", treefs.JoinPath(np), treefs.ErrExist)
	}
	if err := d.c.client.Mkdir(d.c.abs(np)); err != nil {
		return nil, mapSFTPError("addDirectory", np, err)
	}

	d.c.hub.Dispatch(treefs.Lineage(p)...)
	return d.c.handle(np, true).(*Directory), nil
}

func (d *Directory) Search(ctx context.Context, query string) ([]treefs.File, error) {
	return treefs.SearchTree(ctx, d, query)
}

// GetFile stats each prefix of path instead of listing directories. It fails
// exactly where treefs.WalkPath would.
func (d *Directory) GetFile(ctx context.Context, p []string) (treefs.File, error) {
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
	for i, name := range p {
		notFound := treefs.NewPathError("getFile", treefs.JoinPath(p[:i+1]), treefs.ErrNotExist)
		// names that are not a single segment cannot be listed by a parent
		if !dir || treefs.ValidateName(name) != nil {
			return nil, notFound
		}
		next := child(cur, name)
		st, err := d.c.client.Stat(d.c.abs(next))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound
		}
		if err != nil {
			return nil, mapSFTPError("getFile", next, err)
		}
		cur, dir = next, st.IsDir()
	}
	if len(p) == 0 {
		return d.outer, nil
	}
	return d.c.handle(cur, dir), nil
}

var (
	_ treefs.Directory   = (*Directory)(nil)
	_ treefs.File        = (*File)(nil)
	_ treefs.CanChecksum = (*File)(nil)
)
