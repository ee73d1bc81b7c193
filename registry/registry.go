// Package registry tracks the workers available to execute commands.
package registry

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrWorkerNotFound is returned when an operation refers to a worker that is
// not registered, or whose lease has expired.
var ErrWorkerNotFound = errors.New("worker not found")

// WorkerDescriptor describes a registered worker.
type WorkerDescriptor struct {
	// ID uniquely identifies the worker.
	ID string

	// Address is the bus address that the worker consumes commands from.
	Address string

	// Capabilities is the set of capabilities the worker advertises.
	Capabilities []string

	// CurrentLoad is the number of commands the worker is currently
	// executing, as last reported.
	CurrentLoad int

	// LeaseExpiresAt is the time at which the registration lapses unless it
	// is renewed by a heartbeat.
	LeaseExpiresAt time.Time
}

// Has returns true if the worker advertises every capability in caps.
func (w WorkerDescriptor) Has(caps []string) bool {
	for _, c := range caps {
		found := false

		for _, x := range w.Capabilities {
			if x == c {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

// Live returns true if the worker's lease has not expired at time t.
func (w WorkerDescriptor) Live(t time.Time) bool {
	return t.Before(w.LeaseExpiresAt)
}

// Query selects workers from a registry.
type Query struct {
	// Capabilities is the set of capabilities that a worker must advertise.
	Capabilities []string

	// Now is the time used to evaluate leases. If it is zero, the current
	// time is used.
	Now time.Time
}

// Registry is a read-only view of the registered workers.
type Registry interface {
	// Query returns the live workers that satisfy q, sorted by ID.
	Query(ctx context.Context, q Query) ([]WorkerDescriptor, error)
}

// Store is a registry that workers can register with.
type Store interface {
	Registry

	// Register adds or replaces a worker registration.
	Register(ctx context.Context, w WorkerDescriptor) error

	// Heartbeat renews a worker's lease and reports its current load.
	Heartbeat(ctx context.Context, id string, load int, leaseExpiresAt time.Time) error

	// Deregister removes a worker registration.
	Deregister(ctx context.Context, id string) error
}

// Filter returns the workers in candidates that satisfy q, sorted by ID.
func Filter(candidates []WorkerDescriptor, q Query) []WorkerDescriptor {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	var matches []WorkerDescriptor

	for _, w := range candidates {
		if w.Live(now) && w.Has(q.Capabilities) {
			matches = append(matches, w)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].ID < matches[j].ID
	})

	return matches
}
