package worker

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps backend names to workers.
// It is constructed by the caller and passed down; there is no global instance.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register binds a backend name to a worker, replacing any previous binding.
func (r *Registry) Register(backend string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[backend] = w
}

// For returns the worker bound to backend.
func (r *Registry) For(backend string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[backend]
	if !ok {
		return nil, fmt.Errorf("no worker registered for backend %q", backend)
	}
	return w, nil
}

// Backends lists registered backend names.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
