package memorypersistence

import (
	"context"
	"sync"
	"time"

	"github.com/dogmatiq/orchestra/persistence"
)

// dataStore is an implementation of persistence.DataStore that stores process
// state in memory.
type dataStore struct {
	db *database

	m      sync.RWMutex
	closed bool
}

func newDataStore(db *database) *dataStore {
	return &dataStore{db: db}
}

// Persist commits a batch of operations atomically.
//
// If any one of the operations causes an optimistic concurrency conflict the
// entire batch is aborted and a ConflictError is returned.
func (ds *dataStore) Persist(
	ctx context.Context,
	b persistence.Batch,
) (persistence.Result, error) {
	b.MustValidate()

	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.closed {
		return persistence.Result{}, persistence.ErrDataStoreClosed
	}

	ds.db.mutex.Lock()
	defer ds.db.mutex.Unlock()

	if err := b.AcceptVisitor(ctx, &validator{ds.db}); err != nil {
		return persistence.Result{}, err
	}

	c := &committer{
		db:  ds.db,
		now: time.Now(),
	}

	if err := b.AcceptVisitor(ctx, c); err != nil {
		return persistence.Result{}, err
	}

	return c.result, nil
}

// Close closes the data store.
func (ds *dataStore) Close() error {
	ds.m.Lock()
	defer ds.m.Unlock()

	if ds.closed {
		return persistence.ErrDataStoreClosed
	}

	ds.closed = true
	ds.db.Close()

	return nil
}

// validator is an implementation of persistence.OperationVisitor that
// validates operations against the database before they are applied.
type validator struct {
	db *database
}

// committer is an implementation of persistence.OperationVisitor that
// applies operations to the database.
type committer struct {
	db     *database
	now    time.Time
	result persistence.Result
}
