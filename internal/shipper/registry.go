package shipper

import (
	"fmt"
	"sync"

	"github.com/edgecomet/eventshipper/internal/shipper/store"
)

// Registry shares store handles between shippers of one process that point at the
// same backing store. Handles are reference counted and closed on the last Release.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	store store.Store
	refs  int
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
	}
}

// Acquire returns the store registered under key, calling open only if none is.
func (r *Registry) Acquire(key string, open func() (store.Store, error)) (store.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[key]; ok {
		entry.refs++
		return entry.store, nil
	}

	s, err := open()
	if err != nil {
		return nil, err
	}
	r.entries[key] = &registryEntry{store: s, refs: 1}
	return s, nil
}

// Release drops one reference and closes the store when none remain.
func (r *Registry) Release(key string) error {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("store %s is not registered", key)
	}

	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, key)
	r.mu.Unlock()

	return entry.store.Close()
}

// Refs returns the current reference count for key.
func (r *Registry) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[key]; ok {
		return entry.refs
	}
	return 0
}
