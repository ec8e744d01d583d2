// Package s3 provides an append-only tree backend over an S3 bucket.
//
// Objects below the configured prefix are presented as a tree: a key's
// slash separated segments are its path, common prefixes are directories and
// an empty object whose key ends in "/" marks an explicit directory. Files
// and directories can be listed, read, searched and added, but never
// changed: Write, Rename, Delete and Move fail with ErrNotSupported. Ids are
// the object keys, directory ids end in "/".
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/internal/logging"
	"github.com/gobeaver/treefs/internal/metrics"
)

const backend = "s3"

// directoryMarkerType is the content type of directory marker objects.
const directoryMarkerType = "application/x-directory"

// Client is the part of *s3.Client the backend uses.
type Client interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Option configures the backend.
type Option func(*bucket)

// WithPrefix roots the tree at prefix instead of the bucket root.
func WithPrefix(prefix string) Option {
	return func(b *bucket) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		b.prefix = prefix
	}
}

// bucket is the state shared by all handles of one backend instance.
type bucket struct {
	client Client
	name   string
	prefix string
	hub    *treefs.EventHub
	log    zerolog.Logger

	// mu serializes the existence check and the upload of additions
	mu sync.Mutex
}

// File is an object of the bucket.
type File struct {
	b     *bucket
	dir   bool
	outer treefs.File
	path  []string
	info  treefs.FileInfo
}

// Directory is a prefix of the bucket.
type Directory struct {
	File
}

// New returns the root of the tree stored in the named bucket.
func New(client Client, name string, opts ...Option) *Directory {
	b := &bucket{
		client: client,
		name:   name,
		hub:    treefs.NewEventHub(),
		log:    logging.Get("treefs.s3"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.dirHandle(nil, time.Time{})
}

func (b *bucket) key(path []string) string {
	return b.prefix + treefs.JoinPath(path)
}

// dirPrefix is the listing prefix of a directory.
func (b *bucket) dirPrefix(path []string) string {
	if len(path) == 0 {
		return b.prefix
	}
	return b.key(path) + "/"
}

func (b *bucket) dirHandle(path []string, modified time.Time) *Directory {
	id := b.dirPrefix(path)
	if id == "" {
		id = "/"
	}
	info := treefs.DirectoryInfo(id, name(path))
	info.LastModified = modified
	info.Created = modified
	d := &Directory{File{b: b, dir: true, path: path, info: info}}
	d.outer = d
	return d
}

func (b *bucket) fileHandle(path []string, size int64, mimeType string, modified time.Time) *File {
	if mimeType == "" {
		mimeType = treefs.GuessMimeType(name(path), nil)
	}
	f := &File{b: b, path: path, info: treefs.FileInfo{
		ID:           b.key(path),
		Name:         name(path),
		Size:         size,
		MimeType:     mimeType,
		LastModified: modified.UTC(),
		Created:      modified.UTC(),
		Extra:        map[string]any{"bucket": b.name},
	}}
	f.outer = f
	return f
}

func name(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

func child(path []string, name string) []string {
	return append(slices.Clip(path), name)
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(backend, op, *err, time.Since(start))
}

// mapS3Error maps S3 errors to tree errors
func mapS3Error(op string, path []string, err error) error {
	if isNotFound(err) {
		return treefs.NewPathError(op, treefs.JoinPath(path), treefs.ErrNotExist)
	}
	return treefs.NewPathError(op, treefs.JoinPath(path), err)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &notFound)
}

// head returns the file stored at path, or nil when there is none.
func (b *bucket) head(ctx context.Context, path []string) (*File, error) {
	resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(b.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, mapS3Error("stat", path, err)
	}
	return b.fileHandle(path, aws.ToInt64(resp.ContentLength), aws.ToString(resp.ContentType), aws.ToTime(resp.LastModified)), nil
}

// isDir reports whether any object lives below path.
func (b *bucket) isDir(ctx context.Context, path []string) (bool, error) {
	if len(path) == 0 {
		return true, nil
	}
	resp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.name),
		Prefix:  aws.String(b.dirPrefix(path)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, mapS3Error("stat", path, err)
	}
	return len(resp.Contents) > 0, nil
}

// lookup resolves path to a file or directory handle, or nil.
func (b *bucket) lookup(ctx context.Context, path []string) (treefs.File, error) {
	if len(path) == 0 {
		return b.dirHandle(nil, time.Time{}), nil
	}
	f, err := b.head(ctx, path)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return f, nil
	}
	ok, err := b.isDir(ctx, path)
	if err != nil || !ok {
		return nil, err
	}
	return b.dirHandle(path, time.Time{}), nil
}

func (b *bucket) exists(ctx context.Context, path []string) (bool, error) {
	f, err := b.lookup(ctx, path)
	return f != nil, err
}

// ============================================================================
// File
// ============================================================================

// ID is the object key; directory ids end in "/".
func (f *File) ID() string { return f.info.ID }

func (f *File) Name() string { return name(f.path) }

func (f *File) Kind() treefs.Kind {
	if f.dir {
		return treefs.KindDirectory
	}
	return treefs.KindFile
}

// Info is the snapshot taken when the handle was listed or looked up.
func (f *File) Info() treefs.FileInfo { return f.info }

func (f *File) Read(ctx context.Context) (data []byte, err error) {
	if f.dir {
		return treefs.ListingJSON(ctx, f.outer.(*Directory))
	}
	defer observe("read", time.Now(), &err)

	rc, err := f.open(ctx, "read")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err = io.ReadAll(rc)
	if err != nil {
		return nil, treefs.NewPathError("read", treefs.JoinPath(f.path), err)
	}
	return data, nil
}

func (f *File) open(ctx context.Context, op string) (io.ReadCloser, error) {
	resp, err := f.b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.b.name),
		Key:    aws.String(f.b.key(f.path)),
	})
	if err != nil {
		return nil, mapS3Error(op, f.path, err)
	}
	return resp.Body, nil
}

func (f *File) Write(ctx context.Context, data []byte) ([]byte, error) {
	return nil, treefs.NewPathError("write", f.Name(), treefs.ErrNotSupported)
}

func (f *File) Rename(ctx context.Context, newName string) error {
	return treefs.NewPathError("rename", f.Name(), treefs.ErrNotSupported)
}

func (f *File) Delete(ctx context.Context) error {
	return treefs.NewPathError("delete", f.Name(), treefs.ErrNotSupported)
}

// Copy copies into any target, this bucket included.
func (f *File) Copy(ctx context.Context, target treefs.Directory) (treefs.File, error) {
	return treefs.CopyTo(ctx, f.outer, target)
}

// Move fails before copying anything since the source cannot be deleted.
func (f *File) Move(ctx context.Context, target treefs.Directory) (treefs.File, error) {
	return nil, treefs.NewPathError("move", f.Name(), treefs.ErrNotSupported)
}

func (f *File) AddOnChangeListener(l *treefs.Listener) {
	f.b.hub.Add(treefs.JoinPath(f.path), f.outer, l)
}

func (f *File) RemoveOnChangeListener(l *treefs.Listener) {
	f.b.hub.Remove(treefs.JoinPath(f.path), l)
}

// Checksum streams the object through the hash.
func (f *File) Checksum(ctx context.Context, algorithm treefs.ChecksumAlgorithm) (string, error) {
	if f.dir {
		return "", treefs.NewPathError("checksum", f.Name(), treefs.ErrIsDir)
	}
	rc, err := f.open(ctx, "checksum")
	if err != nil {
		return "", err
	}
	defer rc.Close()

	sum, err := treefs.CalculateChecksum(rc, algorithm)
	if err != nil {
		return "", treefs.NewPathError("checksum", treefs.JoinPath(f.path), err)
	}
	return sum, nil
}

// ============================================================================
// Directory
// ============================================================================

// Children lists one level below the directory, sorted by name.
func (d *Directory) Children(ctx context.Context) (children []treefs.File, err error) {
	defer observe("children", time.Now(), &err)
	prefix := d.b.dirPrefix(d.path)

	paginator := s3.NewListObjectsV2Paginator(d.b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.b.name),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error("children", d.path, err)
		}
		for _, p := range page.CommonPrefixes {
			dirName := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), prefix), "/")
			if dirName == "" {
				continue
			}
			children = append(children, d.b.dirHandle(child(d.path, dirName), time.Time{}))
		}
		for _, obj := range page.Contents {
			fileName := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			// Skip the directory marker itself
			if fileName == "" || strings.Contains(fileName, "/") {
				continue
			}
			children = append(children, d.b.fileHandle(child(d.path, fileName), aws.ToInt64(obj.Size), "", aws.ToTime(obj.LastModified)))
		}
	}

	slices.SortFunc(children, func(a, b treefs.File) int { return strings.Compare(a.Name(), b.Name()) })
	d.b.log.Debug().Str("prefix", prefix).Int("children", len(children)).Msg("listed")
	return children, nil
}

// AddFile uploads a new object. Existing objects are never replaced.
func (d *Directory) AddFile(ctx context.Context, data []byte, name, mimeType string) (f treefs.File, err error) {
	if err := treefs.ValidateName(name); err != nil {
		return nil, treefs.NewPathError("addFile", name, err)
	}
	defer observe("addFile", time.Now(), &err)
	if mimeType == "" {
		mimeType = treefs.GuessMimeType(name, data)
	}
	path := child(d.path, name)

	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if err := d.ensureAbsent(ctx, "addFile", path); err != nil {
		return nil, err
	}
	_, err = d.b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.b.name),
		Key:           aws.String(d.b.key(path)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mimeType),
	})
	if err != nil {
		return nil, mapS3Error("addFile", path, err)
	}

	d.b.hub.Dispatch(treefs.Lineage(d.path)...)
	return d.b.fileHandle(path, int64(len(data)), mimeType, time.Now()), nil
}

// AddDirectory uploads an empty marker object for the directory.
func (d *Directory) AddDirectory(ctx context.Context, name string) (sub treefs.Directory, err error) {
	if err := treefs.ValidateName(name); err != nil {
		return nil, treefs.NewPathError("addDirectory", name, err)
	}
	defer observe("addDirectory", time.Now(), &err)
	path := child(d.path, name)

	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if err := d.ensureAbsent(ctx, "addDirectory", path); err != nil {
		return nil, err
	}
	_, err = d.b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.b.name),
		Key:           aws.String(d.b.dirPrefix(path)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(directoryMarkerType),
	})
	if err != nil {
		return nil, mapS3Error("addDirectory", path, err)
	}

	d.b.hub.Dispatch(treefs.Lineage(d.path)...)
	return d.b.dirHandle(path, time.Now().UTC()), nil
}

func (d *Directory) ensureAbsent(ctx context.Context, op string, path []string) error {
	exists, err := d.b.exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return treefs.NewPathError(op, treefs.JoinPath(path), treefs.ErrExist)
	}
	return nil
}

// Search lists every object below the directory once and matches the names
// of the files and of the directories implied by their keys.
func (d *Directory) Search(ctx context.Context, query string) (found []treefs.File, err error) {
	defer observe("search", time.Now(), &err)
	m := treefs.NameMatcher(query)
	prefix := d.b.dirPrefix(d.path)
	seen := make(map[string]bool)

	paginator := s3.NewListObjectsV2Paginator(d.b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.b.name),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error("search", d.path, err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			segments := strings.Split(strings.TrimSuffix(rel, "/"), "/")
			if rel == "" || slices.Contains(segments, "") {
				continue
			}
			marker := strings.HasSuffix(rel, "/")

			// directories implied by the key
			dirs := len(segments) - 1
			if marker {
				dirs = len(segments)
			}
			for i := 1; i <= dirs; i++ {
				p := append(slices.Clip(d.path), segments[:i]...)
				key := treefs.JoinPath(p)
				if seen[key] {
					continue
				}
				seen[key] = true
				if dir := d.b.dirHandle(p, time.Time{}); m.Match(dir) {
					found = append(found, dir)
				}
			}
			if !marker {
				p := append(slices.Clip(d.path), segments...)
				if f := d.b.fileHandle(p, aws.ToInt64(obj.Size), "", aws.ToTime(obj.LastModified)); m.Match(f) {
					found = append(found, f)
				}
			}
		}
	}
	return found, nil
}

// GetFile looks the path up directly instead of listing every level. When
// nothing is found, the deepest existing ancestor decides which segment is
// reported missing, as WalkPath would.
func (d *Directory) GetFile(ctx context.Context, path []string) (f treefs.File, err error) {
	if len(path) == 0 {
		return d.outer, nil
	}
	defer observe("getFile", time.Now(), &err)

	full := append(slices.Clip(d.path), path...)
	for i, name := range path {
		// such names cannot be listed as a child
		if name == "" || strings.Contains(name, "/") {
			if _, err := d.GetFile(ctx, path[:i]); err != nil {
				return nil, err
			}
			return nil, treefs.NewPathError("getFile", treefs.JoinPath(path[:i+1]), treefs.ErrNotExist)
		}
	}

	found, err := d.b.lookup(ctx, full)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return found, nil
	}
	for j := len(path) - 1; j > 0; j-- {
		exists, err := d.b.exists(ctx, full[:len(d.path)+j])
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, treefs.NewPathError("getFile", treefs.JoinPath(path[:j+1]), treefs.ErrNotExist)
		}
	}
	return nil, treefs.NewPathError("getFile", path[0], treefs.ErrNotExist)
}

var (
	_ treefs.Directory   = (*Directory)(nil)
	_ treefs.File        = (*File)(nil)
	_ treefs.CanChecksum = (*File)(nil)
)
