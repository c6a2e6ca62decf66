// Package deps answers whether a task's prerequisites have completed.
//
// The resolver only tracks identifiers. Record payloads stay with the
// scheduler that owns them.
package deps

import (
	"sync"

	"taskd/internal/task"
)

// Resolver keeps the completed and in-flight identifier sets.
type Resolver struct {
	mu        sync.RWMutex
	completed map[string]struct{}
	inflight  map[string]struct{}
}

func NewResolver() *Resolver {
	return &Resolver{
		completed: make(map[string]struct{}),
		inflight:  make(map[string]struct{}),
	}
}

// CanRun reports whether every dependency of d has completed. Unknown
// identifiers count as missing.
func (r *Resolver) CanRun(d task.Descriptor) bool {
	if len(d.Dependencies) == 0 {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dep := range d.Dependencies {
		if _, ok := r.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the dependencies of d that have not completed, in order.
func (r *Resolver) Missing(d task.Descriptor) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, dep := range d.Dependencies {
		if _, ok := r.completed[dep]; !ok {
			out = append(out, dep)
		}
	}
	return out
}

func (r *Resolver) MarkStarted(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		r.inflight[id] = struct{}{}
	}
}

// MarkCompleted moves ids from in-flight to completed.
func (r *Resolver) MarkCompleted(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		delete(r.inflight, id)
		r.completed[id] = struct{}{}
	}
}

// MarkFailed drops ids from in-flight. Dependents stay blocked.
func (r *Resolver) MarkFailed(ids ...string) {
	r.Release(ids...)
}

// Release drops in-flight membership without recording an outcome. It is
// used while an attempt waits for its retry.
func (r *Resolver) Release(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.inflight, id)
	}
}

func (r *Resolver) Completed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.completed[id]
	return ok
}

func (r *Resolver) InFlight(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inflight[id]
	return ok
}

// InFlightLen is the number of identifiers currently marked started.
func (r *Resolver) InFlightLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inflight)
}

// Forget removes ids from both sets. Prune uses it for dropped records.
func (r *Resolver) Forget(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.inflight, id)
		delete(r.completed, id)
	}
}
