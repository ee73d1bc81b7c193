package persistence

import (
	"context"
)

// Result is the result of a successfully persisted batch of operations.
type Result struct {
	// NextEventOffsets maps the ID of each process that events were appended
	// to onto the offset of its next event.
	NextEventOffsets map[string]uint64
}

// A Persister is an interface for committing batches of atomic operations to
// the data store.
type Persister interface {
	// Persist commits a batch of operations atomically.
	//
	// If any one of the operations causes an optimistic concurrency conflict
	// the entire batch is aborted and a ConflictError is returned.
	Persist(context.Context, Batch) (Result, error)
}
