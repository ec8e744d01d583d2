package treefs

import (
	"context"
)

// ============================================================================
// Read-only Proxy
// ============================================================================

// ReadOnlyOptions configures read-only proxies.
type ReadOnlyOptions struct {
	// OnWriteAttempt is called for every rejected mutation. Returning nil lets
	// the operation through; returning an error replaces ErrNotAllowed.
	OnWriteAttempt func(op, name string) error
}

// ReadOnlyOption configures a read-only proxy.
type ReadOnlyOption func(*ReadOnlyOptions)

// WithWriteAttemptHandler installs a handler for mutation attempts.
func WithWriteAttemptHandler(handler func(op, name string) error) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.OnWriteAttempt = handler
	}
}

// ReadOnlyFile rejects Write, Rename, Delete and Move with ErrNotAllowed.
// Copying out of a read-only tree is allowed.
//
// Example:
//
//	ro := treefs.NewReadOnly(dir)
//	_, err := ro.(treefs.Directory).AddFile(ctx, data, "a.txt", "")
//	// errors.Is(err, treefs.ErrNotAllowed)
type ReadOnlyFile struct {
	ProxyFile
	opts *ReadOnlyOptions
}

// ReadOnlyDirectory additionally rejects AddFile and AddDirectory. Its
// children are read-only too.
type ReadOnlyDirectory struct {
	ProxyDirectory
	opts *ReadOnlyOptions
}

// NewReadOnly wraps f in a read-only proxy of the matching kind.
func NewReadOnly(f File, opts ...ReadOnlyOption) File {
	o := &ReadOnlyOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return newReadOnly(f, nil, o)
}

// NewReadOnlyDirectory wraps a directory in a read-only proxy.
func NewReadOnlyDirectory(d Directory, opts ...ReadOnlyOption) *ReadOnlyDirectory {
	o := &ReadOnlyOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return newReadOnlyDirectory(d, nil, o)
}

func newReadOnly(f File, up *ProxyFile, o *ReadOnlyOptions) File {
	if d, ok := AsDirectory(f); ok {
		return newReadOnlyDirectory(d, up, o)
	}
	r := &ReadOnlyFile{opts: o}
	r.init(f, r, up, false)
	return r
}

func newReadOnlyDirectory(d Directory, up *ProxyFile, o *ReadOnlyOptions) *ReadOnlyDirectory {
	r := &ReadOnlyDirectory{opts: o}
	r.initDir(d, r, up, false, func(f File) File { return newReadOnly(f, &r.ProxyFile, o) })
	return r
}

// IsReadOnly reports true. Unwrap stops at read-only layers.
func (r *ReadOnlyFile) IsReadOnly() bool { return true }

// IsReadOnly reports true. Unwrap stops at read-only layers.
func (r *ReadOnlyDirectory) IsReadOnly() bool { return true }

func (r *ReadOnlyFile) Write(ctx context.Context, data []byte) ([]byte, error) {
	if err := r.opts.check("write", r.Name()); err != nil {
		return nil, err
	}
	return r.ProxyFile.Write(ctx, data)
}

func (r *ReadOnlyFile) Rename(ctx context.Context, newName string) error {
	if err := r.opts.check("rename", r.Name()); err != nil {
		return err
	}
	return r.ProxyFile.Rename(ctx, newName)
}

func (r *ReadOnlyFile) Delete(ctx context.Context) error {
	if err := r.opts.check("delete", r.Name()); err != nil {
		return err
	}
	return r.ProxyFile.Delete(ctx)
}

func (r *ReadOnlyFile) Move(ctx context.Context, target Directory) (File, error) {
	if err := r.opts.check("move", r.Name()); err != nil {
		return nil, err
	}
	return r.ProxyFile.Move(ctx, target)
}

func (r *ReadOnlyDirectory) Write(ctx context.Context, data []byte) ([]byte, error) {
	if err := r.opts.check("write", r.Name()); err != nil {
		return nil, err
	}
	return r.ProxyDirectory.Write(ctx, data)
}

func (r *ReadOnlyDirectory) Rename(ctx context.Context, newName string) error {
	if err := r.opts.check("rename", r.Name()); err != nil {
		return err
	}
	return r.ProxyDirectory.Rename(ctx, newName)
}

func (r *ReadOnlyDirectory) Delete(ctx context.Context) error {
	if err := r.opts.check("delete", r.Name()); err != nil {
		return err
	}
	return r.ProxyDirectory.Delete(ctx)
}

func (r *ReadOnlyDirectory) Move(ctx context.Context, target Directory) (File, error) {
	if err := r.opts.check("move", r.Name()); err != nil {
		return nil, err
	}
	return r.ProxyDirectory.Move(ctx, target)
}

func (r *ReadOnlyDirectory) AddFile(ctx context.Context, data []byte, name, mimeType string) (File, error) {
	if err := r.opts.check("addFile", name); err != nil {
		return nil, err
	}
	return r.ProxyDirectory.AddFile(ctx, data, name, mimeType)
}

func (r *ReadOnlyDirectory) AddDirectory(ctx context.Context, name string) (Directory, error) {
	if err := r.opts.check("addDirectory", name); err != nil {
		return nil, err
	}
	return r.ProxyDirectory.AddDirectory(ctx, name)
}

func (o *ReadOnlyOptions) check(op, name string) error {
	if o.OnWriteAttempt != nil {
		if err := o.OnWriteAttempt(op, name); err != nil {
			return &PathError{Op: op, Path: name, Err: err}
		}
		return nil
	}
	return &PathError{Op: op, Path: name, Err: ErrNotAllowed}
}

var (
	_ File      = (*ReadOnlyFile)(nil)
	_ Directory = (*ReadOnlyDirectory)(nil)
)
