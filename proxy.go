package treefs

import (
	"context"
	"sync"
)

// ============================================================================
// ProxyFile
// ============================================================================

// ProxyFile forwards every operation to a wrapped File. It is the base of the
// change-event, cached, read-only and virtual layers.
//
// Change events of the wrapped file are re-dispatched to the proxy's own
// listeners. The proxy subscribes to the wrapped file when its first listener
// is added and unsubscribes when the last one is removed, so short-lived
// proxies never leave listeners behind on the backend.
type ProxyFile struct {
	inner File
	self  File       // outermost value, passed to listeners
	up    *ProxyFile // enclosing directory proxy, receives bubbled events
	hook  func()     // runs before listeners on every change
	emit  bool       // dispatch after local mutations

	// onRelocate runs after a rename (with the new name), move or delete
	// (with "") through this proxy, before the change is dispatched.
	onRelocate func(name string)

	mu         sync.Mutex
	listeners  Listeners
	relay      *Listener
	subscribed bool
	pinned     bool
}

// NewProxyFile wraps a leaf file.
func NewProxyFile(f File) *ProxyFile {
	p := &ProxyFile{}
	p.init(f, p, nil, false)
	return p
}

// NewProxy wraps f in a ProxyDirectory or ProxyFile depending on its kind.
func NewProxy(f File) File {
	if d, ok := AsDirectory(f); ok {
		return NewProxyDirectory(d)
	}
	return NewProxyFile(f)
}

func (p *ProxyFile) init(inner, self File, up *ProxyFile, emit bool) {
	p.inner = inner
	p.self = self
	p.up = up
	p.emit = emit
}

// Unwrap returns the wrapped file.
func (p *ProxyFile) Unwrap() File { return p.inner }

func (p *ProxyFile) ID() string     { return p.inner.ID() }
func (p *ProxyFile) Name() string   { return p.inner.Name() }
func (p *ProxyFile) Kind() Kind     { return p.inner.Kind() }
func (p *ProxyFile) Info() FileInfo { return p.inner.Info() }

func (p *ProxyFile) Read(ctx context.Context) ([]byte, error) {
	return p.inner.Read(ctx)
}

func (p *ProxyFile) Write(ctx context.Context, data []byte) ([]byte, error) {
	stored, err := p.inner.Write(ctx, data)
	if err != nil {
		return nil, err
	}
	p.emitChange()
	return stored, nil
}

func (p *ProxyFile) Rename(ctx context.Context, newName string) error {
	if err := p.inner.Rename(ctx, newName); err != nil {
		return err
	}
	p.relocated(newName)
	p.emitChange()
	return nil
}

func (p *ProxyFile) Delete(ctx context.Context) error {
	if err := p.inner.Delete(ctx); err != nil {
		return err
	}
	p.relocated("")
	p.emitChange()
	return nil
}

// Copy hands the unwrapped target to the wrapped file so native copies still
// apply, then returns the copy as seen through target.
func (p *ProxyFile) Copy(ctx context.Context, target Directory) (File, error) {
	if target == nil {
		return nil, NewPathError("copy", p.Name(), ErrNilDirectory)
	}
	copied, err := p.inner.Copy(ctx, UnwrapDirectory(target))
	if err != nil {
		return nil, err
	}
	notifyChanged(target)
	return adoptInto(target, copied), nil
}

func (p *ProxyFile) Move(ctx context.Context, target Directory) (File, error) {
	if target == nil {
		return nil, NewPathError("move", p.Name(), ErrNilDirectory)
	}
	moved, err := p.inner.Move(ctx, UnwrapDirectory(target))
	if err != nil {
		return nil, err
	}
	p.relocated("")
	p.emitChange()
	notifyChanged(target)
	return adoptInto(target, moved), nil
}

func (p *ProxyFile) AddOnChangeListener(l *Listener) {
	p.listeners.Add(l)
	p.syncSubscription()
}

func (p *ProxyFile) RemoveOnChangeListener(l *Listener) {
	p.listeners.Remove(l)
	p.syncSubscription()
}

// Release drops the subscription to the wrapped file held on behalf of a
// pinned proxy. Listeners stay registered.
func (p *ProxyFile) Release() {
	p.mu.Lock()
	p.pinned = false
	p.mu.Unlock()
	p.syncSubscription()
}

// pin keeps the proxy subscribed even without listeners. Roots of cached and
// virtual trees are pinned so they can invalidate on backend changes.
func (p *ProxyFile) pin() {
	p.mu.Lock()
	p.pinned = true
	p.mu.Unlock()
	p.syncSubscription()
}

func (p *ProxyFile) syncSubscription() {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := p.pinned || p.listeners.Len() > 0
	switch {
	case want && !p.subscribed:
		if p.relay == nil {
			p.relay = NewListener(func(File) { p.changed() })
		}
		p.inner.AddOnChangeListener(p.relay)
		p.subscribed = true
	case !want && p.subscribed:
		p.inner.RemoveOnChangeListener(p.relay)
		p.subscribed = false
	}
}

// changed runs the hook and notifies the proxy's own listeners.
func (p *ProxyFile) changed() {
	if p.hook != nil {
		p.hook()
	}
	p.listeners.Dispatch(p.self)
}

func (p *ProxyFile) relocated(name string) {
	if p.onRelocate != nil {
		p.onRelocate(name)
	}
}

// emitChange signals a change made through this proxy, bubbling it to the
// enclosing proxies. It is a no-op on proxies that do not emit.
func (p *ProxyFile) emitChange() {
	if !p.emit {
		return
	}
	for a := p; a != nil; a = a.up {
		a.changed()
	}
}

func (p *ProxyFile) base() *ProxyFile { return p }

// proxied is implemented by every type embedding ProxyFile.
type proxied interface {
	base() *ProxyFile
}

// adopter is implemented by directory proxies that wrap what lands in them.
type adopter interface {
	adopt(f File) File
}

func adoptInto(target Directory, f File) File {
	if a, ok := target.(adopter); ok {
		return a.adopt(f)
	}
	return f
}

func notifyChanged(target File) {
	if p, ok := target.(proxied); ok {
		p.base().emitChange()
	}
}

// ============================================================================
// ProxyDirectory
// ============================================================================

// ProxyDirectory is the directory counterpart of ProxyFile. Children, search
// results and created entries are wrapped in proxies of the same flavour.
type ProxyDirectory struct {
	ProxyFile
	dir  Directory
	wrap func(f File) File
}

// NewProxyDirectory wraps a directory.
func NewProxyDirectory(d Directory) *ProxyDirectory {
	p := &ProxyDirectory{}
	p.initDir(d, p, nil, false, nil)
	return p
}

// initDir sets up the directory proxy. A nil wrap wraps children in plain or
// emitting proxies that bubble into this one.
func (p *ProxyDirectory) initDir(d Directory, self File, up *ProxyFile, emit bool, wrap func(File) File) {
	p.init(d, self, up, emit)
	p.dir = d
	if wrap == nil {
		wrap = func(f File) File { return newChildProxy(f, &p.ProxyFile, emit) }
	}
	p.wrap = wrap
}

func newChildProxy(f File, up *ProxyFile, emit bool) File {
	if d, ok := AsDirectory(f); ok {
		c := &ProxyDirectory{}
		c.initDir(d, c, up, emit, nil)
		return c
	}
	c := &ProxyFile{}
	c.init(f, c, up, emit)
	return c
}

func (p *ProxyDirectory) adopt(f File) File { return p.wrap(f) }

func (p *ProxyDirectory) Children(ctx context.Context) ([]File, error) {
	children, err := p.dir.Children(ctx)
	if err != nil {
		return nil, err
	}
	return p.wrapAll(children), nil
}

func (p *ProxyDirectory) AddFile(ctx context.Context, data []byte, name, mimeType string) (File, error) {
	f, err := p.dir.AddFile(ctx, data, name, mimeType)
	if err != nil {
		return nil, err
	}
	p.emitChange()
	return p.wrap(f), nil
}

func (p *ProxyDirectory) AddDirectory(ctx context.Context, name string) (Directory, error) {
	d, err := p.dir.AddDirectory(ctx, name)
	if err != nil {
		return nil, err
	}
	p.emitChange()
	if wrapped, ok := AsDirectory(p.wrap(d)); ok {
		return wrapped, nil
	}
	return d, nil
}

func (p *ProxyDirectory) Search(ctx context.Context, query string) ([]File, error) {
	results, err := p.dir.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return p.wrapAll(results), nil
}

func (p *ProxyDirectory) GetFile(ctx context.Context, path []string) (File, error) {
	if len(path) == 0 {
		return p.self, nil
	}
	f, err := p.dir.GetFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return p.wrap(f), nil
}

func (p *ProxyDirectory) wrapAll(files []File) []File {
	out := make([]File, len(files))
	for i, f := range files {
		out[i] = p.wrap(f)
	}
	return out
}

// ============================================================================
// ChangeEventProxy
// ============================================================================

// ChangeEventProxyFile dispatches a change event on itself after every
// successful Write, Rename, Delete and Move, whether or not the backend
// notifies on its own.
type ChangeEventProxyFile struct {
	ProxyFile
}

// ChangeEventProxyDirectory additionally dispatches after AddFile and
// AddDirectory. Its children are ChangeEventProxy values whose events bubble
// up to it.
type ChangeEventProxyDirectory struct {
	ProxyDirectory
}

// NewChangeEventProxy wraps f in an emitting proxy of the matching kind.
func NewChangeEventProxy(f File) File {
	if d, ok := AsDirectory(f); ok {
		return NewChangeEventProxyDirectory(d)
	}
	p := &ChangeEventProxyFile{}
	p.init(f, p, nil, true)
	return p
}

// NewChangeEventProxyDirectory wraps a directory in an emitting proxy.
func NewChangeEventProxyDirectory(d Directory) *ChangeEventProxyDirectory {
	p := &ChangeEventProxyDirectory{}
	p.initDir(d, p, nil, true, func(f File) File { return newChangeEventChild(f, &p.ProxyFile) })
	return p
}

func newChangeEventChild(f File, up *ProxyFile) File {
	if d, ok := AsDirectory(f); ok {
		c := &ChangeEventProxyDirectory{}
		c.initDir(d, c, up, true, func(f File) File { return newChangeEventChild(f, &c.ProxyFile) })
		return c
	}
	c := &ChangeEventProxyFile{}
	c.init(f, c, up, true)
	return c
}

var (
	_ Directory = (*ProxyDirectory)(nil)
	_ File      = (*ProxyFile)(nil)
	_ Directory = (*ChangeEventProxyDirectory)(nil)
	_ File      = (*ChangeEventProxyFile)(nil)
	_ Unwrapper = (*ProxyFile)(nil)
)
