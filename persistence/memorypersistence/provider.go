// Package memorypersistence is an implementation of persistence.Provider that
// keeps process state in memory.
package memorypersistence

import (
	"context"
	"sync"

	"github.com/dogmatiq/orchestra/persistence"
)

// Provider is an implementation of persistence.Provider that stores process
// state in memory.
type Provider struct {
	m         sync.Mutex
	databases map[string]*database
}

// Open returns the data-store with the given key.
//
// Data stores are opened for exclusive use. If another engine instance has
// already opened this data-store, ErrDataStoreLocked is returned.
func (p *Provider) Open(_ context.Context, k string) (persistence.DataStore, error) {
	p.m.Lock()
	defer p.m.Unlock()

	if p.databases == nil {
		p.databases = map[string]*database{}
	}

	db, ok := p.databases[k]

	if !ok {
		db = &database{}
		p.databases[k] = db
	}

	if db.TryOpen() {
		return newDataStore(db), nil
	}

	return nil, persistence.ErrDataStoreLocked
}
