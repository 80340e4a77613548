// Package registry maps agent ids to live actor handles.
package registry

import (
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/errs"
)

// Registry is safe for concurrent use. Operations on a single id are
// linearizable; there is no ordering across ids.
type Registry[H any] struct {
	mu      sync.RWMutex
	entries map[string]H
}

func New[H any]() *Registry[H] {
	return &Registry[H]{entries: make(map[string]H)}
}

func (r *Registry[H]) Register(id string, handle H) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return goerr.Wrap(errs.ErrAlreadyRegistered, "register agent", goerr.V("agent_id", id))
	}
	r.entries[id] = handle
	return nil
}

func (r *Registry[H]) Lookup(id string) (H, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.entries[id]
	if !ok {
		var zero H
		return zero, goerr.Wrap(errs.ErrNotFound, "lookup agent", goerr.V("agent_id", id))
	}
	return handle, nil
}

// Unregister reports whether id was present.
func (r *Registry[H]) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the registered ids in sorted order.
func (r *Registry[H]) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Handles returns a point-in-time copy of every handle, ordered by id.
func (r *Registry[H]) Handles() []H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]H, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id])
	}
	return out
}
