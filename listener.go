package treefs

import (
	"strings"
	"sync"
)

// Listener is a change callback. Registration and removal are by pointer, so
// keep the *Listener around for RemoveOnChangeListener.
type Listener struct {
	fn func(File)
}

// NewListener creates a listener that calls fn with the entity it was
// registered on.
func NewListener(fn func(File)) *Listener {
	return &Listener{fn: fn}
}

func (l *Listener) notify(f File) {
	if l != nil && l.fn != nil {
		l.fn(f)
	}
}

// Listeners is a set of listeners attached to one entity. The zero value is
// ready to use.
type Listeners struct {
	mu   sync.Mutex
	list []*Listener
}

// Add registers l and reports whether the set was empty before.
func (s *Listeners) Add(l *Listener) (first bool) {
	if l == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.list {
		if existing == l {
			return false
		}
	}
	s.list = append(s.list, l)
	return len(s.list) == 1
}

// Remove unregisters l and reports whether this emptied the set.
func (s *Listeners) Remove(l *Listener) (last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.list {
		if existing == l {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return len(s.list) == 0
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (s *Listeners) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Dispatch calls every listener with target. Listeners run outside the lock
// and may add or remove listeners.
func (s *Listeners) Dispatch(target File) {
	s.mu.Lock()
	snapshot := make([]*Listener, len(s.list))
	copy(snapshot, s.list)
	s.mu.Unlock()

	for _, l := range snapshot {
		l.notify(target)
	}
}

// ============================================================================
// EventHub
// ============================================================================

type subscription struct {
	target File
	l      *Listener
}

// EventHub holds listeners keyed by identity for backends that materialize
// fresh objects for the same entity. All instances of one entity share the
// key, so a listener registered through one instance sees changes made
// through any other.
type EventHub struct {
	mu   sync.Mutex
	subs map[string][]subscription
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string][]subscription)}
}

// Add registers l under key. target is the instance l was registered on and
// is what l receives on dispatch.
func (h *EventHub) Add(key string, target File, l *Listener) {
	if l == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[key] {
		if s.l == l {
			return
		}
	}
	h.subs[key] = append(h.subs[key], subscription{target: target, l: l})
}

// Remove unregisters l from key.
func (h *EventHub) Remove(key string, l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[key]
	for i, s := range subs {
		if s.l == l {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, key)
	} else {
		h.subs[key] = subs
	}
}

// Rekey moves every subscription under oldKey or below it (oldKey + "/...")
// to the same position under newKey. Path-keyed backends call it after a
// rename or move.
func (h *EventHub) Rekey(oldKey, newKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, subs := range h.subs {
		var moved string
		switch {
		case key == oldKey:
			moved = newKey
		case oldKey != "" && strings.HasPrefix(key, oldKey+"/"):
			moved = newKey + key[len(oldKey):]
		default:
			continue
		}
		delete(h.subs, key)
		h.subs[moved] = append(h.subs[moved], subs...)
	}
}

// Dispatch notifies the listeners of every key in order.
func (h *EventHub) Dispatch(keys ...string) {
	var pending []subscription
	h.mu.Lock()
	for _, key := range keys {
		pending = append(pending, h.subs[key]...)
	}
	h.mu.Unlock()

	for _, s := range pending {
		s.l.notify(s.target)
	}
}

// Lineage returns the hub keys of path and all its ancestors, deepest first,
// ending with the root key "". Path-keyed backends dispatch on it to bubble a
// change up to every enclosing directory.
func Lineage(path []string) []string {
	keys := make([]string, 0, len(path)+1)
	for i := len(path); i >= 0; i-- {
		keys = append(keys, JoinPath(path[:i]))
	}
	return keys
}
