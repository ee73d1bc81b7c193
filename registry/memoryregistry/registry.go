// Package memoryregistry is an in-memory implementation of registry.Store.
package memoryregistry

import (
	"context"
	"sync"
	"time"

	"github.com/dogmatiq/orchestra/registry"
)

// Registry is an in-memory worker registry.
type Registry struct {
	m       sync.RWMutex
	workers map[string]registry.WorkerDescriptor
}

var _ registry.Store = (*Registry)(nil)

// Register adds or replaces a worker registration.
func (r *Registry) Register(_ context.Context, w registry.WorkerDescriptor) error {
	w.Capabilities = append([]string(nil), w.Capabilities...)

	r.m.Lock()
	defer r.m.Unlock()

	if r.workers == nil {
		r.workers = map[string]registry.WorkerDescriptor{}
	}

	r.workers[w.ID] = w

	return nil
}

// Heartbeat renews a worker's lease and reports its current load.
func (r *Registry) Heartbeat(
	_ context.Context,
	id string,
	load int,
	leaseExpiresAt time.Time,
) error {
	r.m.Lock()
	defer r.m.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return registry.ErrWorkerNotFound
	}

	w.CurrentLoad = load
	w.LeaseExpiresAt = leaseExpiresAt
	r.workers[id] = w

	return nil
}

// Deregister removes a worker registration.
func (r *Registry) Deregister(_ context.Context, id string) error {
	r.m.Lock()
	defer r.m.Unlock()

	if _, ok := r.workers[id]; !ok {
		return registry.ErrWorkerNotFound
	}

	delete(r.workers, id)

	return nil
}

// Query returns the live workers that satisfy q.
func (r *Registry) Query(
	ctx context.Context,
	q registry.Query,
) ([]registry.WorkerDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.m.RLock()
	candidates := make([]registry.WorkerDescriptor, 0, len(r.workers))
	for _, w := range r.workers {
		candidates = append(candidates, w)
	}
	r.m.RUnlock()

	return registry.Filter(candidates, q), nil
}
