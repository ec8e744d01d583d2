// Package remote serves trees over HTTP and provides a backend that talks to
// such a server.
//
// Remote handles are addressed by their path on the server; the id of a
// handle is that path with a leading slash, and the server side id is kept in
// Info().Extra["remoteId"]. Info is the snapshot received with the handle.
// Listeners observe changes made through the same client only.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/internal/logging"
	"github.com/gobeaver/treefs/internal/metrics"
)

const backend = "remote"

// DefaultTimeout bounds every request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// Option configures a client.
type Option func(*client)

// WithToken sends "Authorization: Bearer <token>" with every request.
func WithToken(token string) Option {
	return func(c *client) { c.token = token }
}

// WithTimeout sets the request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

type client struct {
	base  string
	token string
	http  *http.Client
	hub   *treefs.EventHub
	log   zerolog.Logger
}

// File is a leaf of a remote tree.
type File struct {
	c     *client
	dir   bool
	outer treefs.File

	mu      sync.RWMutex
	path    []string
	info    treefs.FileInfo
	deleted bool
}

// Directory is a directory of a remote tree.
type Directory struct {
	File
}

// New returns the root of the tree served at baseURL. No request is made
// until the tree is used.
func New(baseURL string, opts ...Option) (*Directory, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}

	c := &client{
		base: strings.TrimSuffix(u.String(), "/"),
		http: &http.Client{Timeout: DefaultTimeout},
		hub:  treefs.NewEventHub(),
		log:  logging.Get("treefs.remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c.handle(nil, treefs.DirectoryInfo("", "")).(*Directory), nil
}

func (c *client) handle(path []string, info treefs.FileInfo) treefs.File {
	if info.Directory {
		d := &Directory{File{c: c, dir: true, path: path, info: info}}
		d.outer = d
		return d
	}
	f := &File{c: c, path: path, info: info}
	f.outer = f
	return f
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(backend, op, *err, time.Since(start))
}

func child(path []string, name string) []string {
	return append(slices.Clip(path), name)
}

// endpoint builds the URL of path, with action as an extra last segment.
func (c *client) endpoint(path []string, action string, query url.Values) string {
	var b strings.Builder
	b.WriteString(c.base)
	for _, name := range path {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(name))
	}
	if action != "" {
		b.WriteByte('/')
		b.WriteString(action)
	}
	if len(path) == 0 && action == "" {
		b.WriteByte('/')
	}
	if len(query) > 0 {
		b.WriteByte('?')
		b.WriteString(query.Encode())
	}
	return b.String()
}

// do sends one request and returns the body of a 2xx response. Error
// responses are turned back into *treefs.PathError values.
func (c *client) do(ctx context.Context, op, method string, path []string, action string, query url.Values, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, action, query), r)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", treefs.MimeTypeOctetStream)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, treefs.NewPathError(op, treefs.JoinPath(path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, treefs.NewPathError(op, treefs.JoinPath(path), err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, c.decodeError(op, path, resp.StatusCode, data)
}

func (c *client) decodeError(op string, path []string, status int, data []byte) error {
	var er errorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		er.Error = http.StatusText(status)
	}
	p := er.Path
	if p == "" {
		p = treefs.JoinPath(path)
	}
	if sentinel, ok := sentinelOf(status); ok {
		return treefs.NewPathError(op, p, sentinel)
	}
	c.log.Debug().Int("status", status).Str("path", p).Str("error", er.Error).Msg("remote error")
	return treefs.NewPathError(op, p, fmt.Errorf("remote: %s (status %d)", er.Error, status))
}

func (c *client) doInfo(ctx context.Context, op, method string, path []string, action string, query url.Values, body []byte) (treefs.FileInfo, error) {
	data, err := c.do(ctx, op, method, path, action, query, body)
	if err != nil {
		return treefs.FileInfo{}, err
	}
	var info treefs.FileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return treefs.FileInfo{}, treefs.NewPathError(op, treefs.JoinPath(path), fmt.Errorf("decode info: %w", err))
	}
	return info, nil
}

// ============================================================================
// File
// ============================================================================

func (f *File) rel() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.path
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

func (f *File) update(path []string, info treefs.FileInfo) {
	f.mu.Lock()
	f.path = path
	f.info = info
	f.mu.Unlock()
}

// ID is the path on the server with a leading slash.
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

func (f *File) Info() treefs.FileInfo {
	f.mu.RLock()
	info := f.info
	path := f.path
	f.mu.RUnlock()

	extra := make(map[string]any, len(info.Extra)+1)
	for k, v := range info.Extra {
		extra[k] = v
	}
	if info.ID != "" {
		extra["remoteId"] = info.ID
	}
	info.ID = "/" + treefs.JoinPath(path)
	if len(path) > 0 {
		info.Name = path[len(path)-1]
	}
	info.Extra = extra
	return info
}

func (f *File) Read(ctx context.Context) (data []byte, err error) {
	defer observe("read", time.Now(), &err)
	path, err := f.live("read")
	if err != nil {
		return nil, err
	}
	return f.c.do(ctx, "read", http.MethodGet, path, "", nil, nil)
}

func (f *File) Write(ctx context.Context, data []byte) (stored []byte, err error) {
	if f.dir {
		return nil, treefs.NewPathError("write", f.Name(), treefs.ErrNotSupported)
	}
	defer observe("write", time.Now(), &err)
	path, err := f.live("write")
	if err != nil {
		return nil, err
	}
	stored, err = f.c.do(ctx, "write", http.MethodPut, path, "", nil, data)
	if err != nil {
		return nil, err
	}
	if info, err := f.c.doInfo(ctx, "write", http.MethodGet, path, actionStat, nil, nil); err == nil {
		f.update(path, info)
	}

	f.c.hub.Dispatch(treefs.Lineage(path)...)
	return stored, nil
}

func (f *File) Rename(ctx context.Context, newName string) (err error) {
	if err := treefs.ValidateName(newName); err != nil {
		return treefs.NewPathError("rename", newName, err)
	}
	defer observe("rename", time.Now(), &err)
	path, err := f.live("rename")
	if err != nil {
		return err
	}
	if len(path) == 0 {
		return treefs.NewPathError("rename", "/", treefs.ErrNotSupported)
	}
	info, err := f.c.doInfo(ctx, "rename", http.MethodPost, path, actionRename, url.Values{"name": {newName}}, nil)
	if err != nil {
		return err
	}
	renamed := child(path[:len(path)-1], newName)
	f.c.hub.Rekey(treefs.JoinPath(path), treefs.JoinPath(renamed))
	f.update(renamed, info)

	f.c.hub.Dispatch(treefs.Lineage(renamed)...)
	return nil
}

func (f *File) Delete(ctx context.Context) (err error) {
	defer observe("delete", time.Now(), &err)
	path, err := f.live("delete")
	if err != nil {
		return err
	}
	if len(path) == 0 {
		return treefs.NewPathError("delete", "/", treefs.ErrNotSupported)
	}
	if _, err := f.c.do(ctx, "delete", http.MethodPost, path, actionDelete, nil, nil); err != nil {
		return err
	}
	f.mu.Lock()
	f.deleted = true
	f.mu.Unlock()

	f.c.hub.Dispatch(treefs.Lineage(path)...)
	return nil
}

// Copy is done by the server when target belongs to the same client.
func (f *File) Copy(ctx context.Context, target treefs.Directory) (copied treefs.File, err error) {
	dst, ok := f.sameClient(target)
	if !ok {
		return treefs.CopyTo(ctx, f.outer, target)
	}
	defer observe("copy", time.Now(), &err)
	path, err := f.live("copy")
	if err != nil {
		return nil, err
	}
	dstPath, err := dst.live("copy")
	if err != nil {
		return nil, err
	}
	info, err := f.c.doInfo(ctx, "copy", http.MethodPost, path, actionCopy, url.Values{"to": {"/" + treefs.JoinPath(dstPath)}}, nil)
	if err != nil {
		return nil, err
	}

	f.c.hub.Dispatch(treefs.Lineage(dstPath)...)
	return f.c.handle(child(dstPath, info.Name), info), nil
}

// Move is done by the server when target belongs to the same client, and the
// handle follows the entity.
func (f *File) Move(ctx context.Context, target treefs.Directory) (moved treefs.File, err error) {
	dst, ok := f.sameClient(target)
	if !ok {
		return treefs.MoveTo(ctx, f.outer, target)
	}
	defer observe("move", time.Now(), &err)
	path, err := f.live("move")
	if err != nil {
		return nil, err
	}
	dstPath, err := dst.live("move")
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, treefs.NewPathError("move", "/", treefs.ErrNotSupported)
	}
	if slices.Equal(path[:len(path)-1], dstPath) {
		return f.outer, nil
	}
	info, err := f.c.doInfo(ctx, "move", http.MethodPost, path, actionMove, url.Values{"to": {"/" + treefs.JoinPath(dstPath)}}, nil)
	if err != nil {
		return nil, err
	}
	out := child(dstPath, path[len(path)-1])
	f.c.hub.Rekey(treefs.JoinPath(path), treefs.JoinPath(out))
	f.update(out, info)

	f.c.hub.Dispatch(append(treefs.Lineage(path[:len(path)-1]), treefs.Lineage(out)...)...)
	return f.outer, nil
}

func (f *File) AddOnChangeListener(l *treefs.Listener) {
	f.c.hub.Add(treefs.JoinPath(f.rel()), f.outer, l)
}

func (f *File) RemoveOnChangeListener(l *treefs.Listener) {
	f.c.hub.Remove(treefs.JoinPath(f.rel()), l)
}

// Checksum is computed by the server.
func (f *File) Checksum(ctx context.Context, algorithm treefs.ChecksumAlgorithm) (string, error) {
	if f.dir {
		return "", treefs.NewPathError("checksum", f.Name(), treefs.ErrIsDir)
	}
	path, err := f.live("checksum")
	if err != nil {
		return "", err
	}
	data, err := f.c.do(ctx, "checksum", http.MethodGet, path, actionChecksum, url.Values{"algorithm": {string(algorithm)}}, nil)
	if err != nil {
		return "", err
	}
	var resp checksumResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", treefs.NewPathError("checksum", treefs.JoinPath(path), err)
	}
	return resp.Checksum, nil
}

func (f *File) sameClient(target treefs.Directory) (*Directory, bool) {
	d, ok := target.(*Directory)
	if !ok || d.c != f.c {
		return nil, false
	}
	return d, true
}

// ============================================================================
// Directory
// ============================================================================

func (d *Directory) Children(ctx context.Context) (children []treefs.File, err error) {
	defer observe("children", time.Now(), &err)
	path, err := d.live("children")
	if err != nil {
		return nil, err
	}
	data, err := d.c.do(ctx, "children", http.MethodGet, path, "", nil, nil)
	if err != nil {
		return nil, err
	}
	infos, err := treefs.ParseListing(data)
	if err != nil {
		return nil, treefs.NewPathError("children", treefs.JoinPath(path), err)
	}
	children = make([]treefs.File, 0, len(infos))
	for _, info := range infos {
		children = append(children, d.c.handle(child(path, info.Name), info))
	}
	return children, nil
}

func (d *Directory) AddFile(ctx context.Context, data []byte, name, mimeType string) (f treefs.File, err error) {
	if err := treefs.ValidateName(name); err != nil {
		return nil, treefs.NewPathError("addFile", name, err)
	}
	defer observe("addFile", time.Now(), &err)
	path, err := d.live("addFile")
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	q := url.Values{"name": {name}}
	if mimeType != "" {
		q.Set("mimeType", mimeType)
	}
	info, err := d.c.doInfo(ctx, "addFile", http.MethodPost, path, actionAdd, q, data)
	if err != nil {
		return nil, err
	}

	d.c.hub.Dispatch(treefs.Lineage(path)...)
	return d.c.handle(child(path, name), info), nil
}

func (d *Directory) AddDirectory(ctx context.Context, name string) (sub treefs.Directory, err error) {
	if err := treefs.ValidateName(name); err != nil {
		return nil, treefs.NewPathError("addDirectory", name, err)
	}
	defer observe("addDirectory", time.Now(), &err)
	path, err := d.live("addDirectory")
	if err != nil {
		return nil, err
	}
	info, err := d.c.doInfo(ctx, "addDirectory", http.MethodPost, path, actionMkdir, url.Values{"name": {name}}, nil)
	if err != nil {
		return nil, err
	}
	info.Directory = true

	d.c.hub.Dispatch(treefs.Lineage(path)...)
	return d.c.handle(child(path, name), info).(*Directory), nil
}

func (d *Directory) Search(ctx context.Context, query string) (found []treefs.File, err error) {
	defer observe("search", time.Now(), &err)
	path, err := d.live("search")
	if err != nil {
		return nil, err
	}
	data, err := d.c.do(ctx, "search", http.MethodGet, path, actionSearch, url.Values{"q": {query}}, nil)
	if err != nil {
		return nil, err
	}
	var results []searchResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, treefs.NewPathError("search", treefs.JoinPath(path), err)
	}
	found = make([]treefs.File, 0, len(results))
	for _, r := range results {
		p := append(slices.Clip(path), treefs.SplitPath(r.Path)...)
		found = append(found, d.c.handle(p, r.Info))
	}
	return found, nil
}

// GetFile resolves the whole path in one request. The server resolves it
// with its own GetFile, so failures carry the same paths.
func (d *Directory) GetFile(ctx context.Context, path []string) (f treefs.File, err error) {
	if len(path) == 0 {
		return d.outer, nil
	}
	defer observe("getFile", time.Now(), &err)
	base, err := d.live("getFile")
	if err != nil {
		return nil, err
	}
	info, err := d.c.doInfo(ctx, "getFile", http.MethodGet, base, actionStat, url.Values{"p": path}, nil)
	if err != nil {
		return nil, err
	}
	return d.c.handle(append(slices.Clip(base), path...), info), nil
}
