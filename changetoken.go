package treefs

import (
	"context"
	"sync"
	"sync/atomic"
)

// ============================================================================
// ChangeToken
// ============================================================================

// ChangeToken is a single-use change signal for one file. It fires on the
// first change event the file dispatches after Watch and then detaches its
// listener.
type ChangeToken struct {
	file     File
	listener *Listener

	changed atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	callbacks []func()
	stopOnce  sync.Once
}

// Watch returns a token that is signalled on the next change of f. For a
// directory this includes changes of any descendant.
func Watch(f File) *ChangeToken {
	t := &ChangeToken{
		file: f,
		done: make(chan struct{}),
	}
	t.listener = NewListener(func(File) { t.signal() })
	f.AddOnChangeListener(t.listener)
	return t
}

// HasChanged reports whether the token fired.
func (t *ChangeToken) HasChanged() bool {
	return t.changed.Load()
}

// Done returns a channel closed when the token fires.
func (t *ChangeToken) Done() <-chan struct{} {
	return t.done
}

// RegisterChangeCallback registers a callback run when the token fires. A
// callback registered after the token fired runs immediately.
func (t *ChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	t.mu.Lock()
	if t.changed.Load() {
		t.mu.Unlock()
		callback()
		return func() {}
	}
	t.callbacks = append(t.callbacks, callback)
	index := len(t.callbacks) - 1
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if index < len(t.callbacks) {
			t.callbacks[index] = nil
		}
	}
}

// Stop detaches the token from the file without firing it.
func (t *ChangeToken) Stop() {
	t.stopOnce.Do(func() {
		t.file.RemoveOnChangeListener(t.listener)
	})
}

func (t *ChangeToken) signal() {
	t.mu.Lock()
	if t.changed.Swap(true) {
		t.mu.Unlock()
		return
	}
	callbacks := t.callbacks
	t.callbacks = nil
	close(t.done)
	t.mu.Unlock()

	t.Stop()

	for _, cb := range callbacks {
		if cb != nil {
			cb()
		}
	}
}

// OnChange runs changeAction after every change of f until cancel is called.
// It re-arms a fresh token after each change, so bursts of events collapse
// into one action per token.
//
// Example:
//
//	cancel := treefs.OnChange(configFile, func() {
//	    reloadConfig()
//	})
//	defer cancel()
func OnChange(f File, changeAction func()) (cancel func()) {
	ctx, cancelFunc := context.WithCancel(context.Background())

	go func() {
		for {
			token := Watch(f)
			select {
			case <-ctx.Done():
				token.Stop()
				return
			case <-token.Done():
				changeAction()
			}
		}
	}()

	return cancelFunc
}
