// Package persistence defines the storage interfaces used by the durability
// layer.
package persistence

import (
	"context"
	"errors"
)

// ErrDataStoreLocked indicates that an engine instance has already opened the
// data-store with the same key.
var ErrDataStoreLocked = errors.New("data store is locked")

// Provider is an interface used by the engine to persist and retrieve process
// state.
type Provider interface {
	// Open returns the data-store with the given key.
	//
	// Data stores are opened for exclusive use. If another engine instance has
	// already opened the data-store, ErrDataStoreLocked is returned.
	Open(ctx context.Context, k string) (DataStore, error)
}
