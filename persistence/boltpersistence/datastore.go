package boltpersistence

import (
	"context"
	"sync"
	"time"

	"github.com/dogmatiq/orchestra/internal/x/bboltx"
	"github.com/dogmatiq/orchestra/persistence"
	"go.etcd.io/bbolt"
)

// dataStore is an implementation of persistence.DataStore for BoltDB.
//
// Each data-store keeps its data within a top-level bucket named by its key.
type dataStore struct {
	db  *bbolt.DB
	key []byte

	m       sync.RWMutex
	release func(string) error
}

// Persist commits a batch of operations atomically.
//
// If any one of the operations causes an optimistic concurrency conflict
// the entire batch is aborted and a ConflictError is returned.
func (ds *dataStore) Persist(
	ctx context.Context,
	b persistence.Batch,
) (_ persistence.Result, err error) {
	b.MustValidate()

	defer bboltx.Recover(&err)

	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.release == nil {
		return persistence.Result{}, persistence.ErrDataStoreClosed
	}

	c := &committer{
		now: time.Now(),
	}

	bboltx.Update(
		ds.db,
		func(tx *bbolt.Tx) {
			c.root = bboltx.CreateBucketIfNotExists(tx, ds.key)
			bboltx.Must(b.AcceptVisitor(ctx, c))
		},
	)

	return c.result, nil
}

// Close closes the data store.
//
// In general use it is expected that all pending calls to Persist() will
// have finished before a data-store is closed. Close() blocks until any
// in-flight calls to Persist() return.
func (ds *dataStore) Close() error {
	ds.m.Lock()
	defer ds.m.Unlock()

	if ds.release == nil {
		return persistence.ErrDataStoreClosed
	}

	r := ds.release
	ds.release = nil

	return r(string(ds.key))
}

// view executes fn within a read-only transaction if the data-store's root
// bucket exists.
func (ds *dataStore) view(fn func(root *bbolt.Bucket)) (err error) {
	defer bboltx.Recover(&err)

	ds.m.RLock()
	defer ds.m.RUnlock()

	if ds.release == nil {
		return persistence.ErrDataStoreClosed
	}

	bboltx.View(
		ds.db,
		func(tx *bbolt.Tx) {
			if root, ok := bboltx.TryBucket(tx, ds.key); ok {
				fn(root)
			}
		},
	)

	return nil
}

// committer is an implementation of persistence.OperationVisitor that
// applies operations to the database.
//
// Conflicts are detected as each operation is applied. The returned
// ConflictError aborts the surrounding transaction, discarding any changes
// made by earlier operations in the batch.
type committer struct {
	root   *bbolt.Bucket
	now    time.Time
	result persistence.Result
}

var (
	// trueValue and falseValue are the encodings of boolean fields.
	trueValue  = []byte{1}
	falseValue = []byte{0}
)

// marshalBool returns the encoding of a boolean field.
func marshalBool(v bool) []byte {
	if v {
		return trueValue
	}
	return falseValue
}

// unmarshalBool returns the boolean represented by data.
func unmarshalBool(data []byte) bool {
	return len(data) == 1 && data[0] == 1
}
