package breaker

import (
	"sync"
	"time"
)

// DefaultRegistryCapacity bounds the number of breakers a registry keeps
// before evicting the least recently used one.
const DefaultRegistryCapacity = 128

type registryEntry struct {
	breaker  *Breaker
	lastUsed time.Time
}

// Registry holds one breaker per peer base URL. The registry is bounded:
// when a new peer would exceed the capacity, the least recently used entry
// is evicted. Dropping a breaker forgets its failure history, which is
// acceptable for peers that have not been contacted in a long time.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*registryEntry
	capacity int
	opts     []Option
}

// NewRegistry creates a registry with the given capacity. Breakers created
// by Get inherit opts. A capacity of zero or less falls back to
// DefaultRegistryCapacity.
func NewRegistry(capacity int, opts ...Option) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistryCapacity
	}
	return &Registry{
		entries:  make(map[string]*registryEntry),
		capacity: capacity,
		opts:     opts,
	}
}

// Get returns the breaker for the given peer, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[name]; ok {
		entry.lastUsed = time.Now()
		return entry.breaker
	}

	if len(r.entries) >= r.capacity {
		r.evictOldest()
	}

	entry := &registryEntry{
		breaker:  New(name, r.opts...),
		lastUsed: time.Now(),
	}
	r.entries[name] = entry
	return entry.breaker
}

// evictOldest must be called with the lock held.
func (r *Registry) evictOldest() {
	var oldestName string
	var oldestTime time.Time
	for name, entry := range r.entries {
		if oldestName == "" || entry.lastUsed.Before(oldestTime) {
			oldestName = name
			oldestTime = entry.lastUsed
		}
	}
	if oldestName != "" {
		delete(r.entries, oldestName)
	}
}

// Len returns the number of tracked peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops every breaker.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*registryEntry)
}
