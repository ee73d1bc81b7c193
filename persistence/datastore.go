package persistence

import (
	"errors"
)

// ErrDataStoreClosed is returned when performing any persistence operation on a
// closed data-store.
var ErrDataStoreClosed = errors.New("data store is closed")

// DataStore is an interface used by the engine to persist and retrieve process
// state.
type DataStore interface {
	Persister
	EventRepository
	CheckpointRepository
	ProcessRepository

	// Close closes the data store.
	//
	// Closing a data-store causes any future calls to Persist() to return
	// ErrDataStoreClosed.
	//
	// The behavior of read operations on a closed data-store is
	// implementation-defined.
	Close() error
}
