package memorypersistence

import (
	"sync"
	"sync/atomic"
)

// database is an in-memory data store shared by all data-store instances that
// are opened with the same key.
type database struct {
	open  atomic.Bool
	mutex sync.RWMutex

	event      eventDatabase
	checkpoint checkpointDatabase
	process    processDatabase
}

// TryOpen marks the database as open, returning false if it is already open.
func (db *database) TryOpen() bool {
	return db.open.CompareAndSwap(false, true)
}

// Close marks the database as closed.
func (db *database) Close() {
	db.open.Store(false)
}
