package hyperliquid

import (
	"sort"
	"sync"
)

// Registry maps a channel key to its listeners in insertion order.
// Duplicates are kept: a listener added twice is invoked twice.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]*Listener
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string][]*Listener),
	}
}

// AddListener appends l to key's list, creating the list if absent.
func (r *Registry) AddListener(key string, l *Listener) {
	if l == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = append(r.entries[key], l)
}

// RemoveListener removes every occurrence of l from key's list. The entry
// itself stays, possibly empty.
func (r *Registry) RemoveListener(key string, l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[key]
	if !ok {
		return
	}

	// Build a new slice so snapshots handed out earlier are never mutated.
	kept := make([]*Listener, 0, len(current))
	for _, existing := range current {
		if existing != l {
			kept = append(kept, existing)
		}
	}
	r.entries[key] = kept
}

// Clear drops key and all of its listeners.
func (r *Registry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Snapshot returns a copy of key's listeners for dispatch.
func (r *Registry) Snapshot(key string) []*Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current := r.entries[key]
	if len(current) == 0 {
		return nil
	}
	out := make([]*Listener, len(current))
	copy(out, current)
	return out
}

// Has reports whether an entry exists for key, even an empty one.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

func (r *Registry) Len(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[key])
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary returns the listener count per key.
func (r *Registry) Summary() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.entries))
	for k, v := range r.entries {
		out[k] = len(v)
	}
	return out
}
