package fleet

import (
	"sort"
	"sync"
)

// LiveSet is a point-in-time copy of the registry's membership.
type LiveSet map[string]struct{}

// Has reports whether name is in the set. A nil set contains nothing.
func (s LiveSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members sorted by name.
func (s LiveSet) Names() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry tracks which workers are currently running. Each worker's
// membership is written only by that worker's supervisor loop.
type Registry struct {
	mu      sync.RWMutex
	live    map[string]struct{}
	changed chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		live:    map[string]struct{}{},
		changed: make(chan struct{}),
	}
}

// MarkLive adds name to the live set.
func (r *Registry) MarkLive(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[name]; ok {
		return
	}
	r.live[name] = struct{}{}
	r.notifyLocked()
}

// MarkDead removes name from the live set.
func (r *Registry) MarkDead(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[name]; !ok {
		return
	}
	delete(r.live, name)
	r.notifyLocked()
}

// IsLive reports whether name is currently live.
func (r *Registry) IsLive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[name]
	return ok
}

// Snapshot returns a consistent copy of the live set.
func (r *Registry) Snapshot() LiveSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(LiveSet, len(r.live))
	for name := range r.live {
		out[name] = struct{}{}
	}
	return out
}

// Changed returns a channel that is closed on the next membership change.
// Callers must call Changed again after it fires.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
