package boltpersistence

import (
	"context"

	"github.com/dogmatiq/orchestra/internal/x/bboltx"
	"github.com/dogmatiq/orchestra/persistence"
	"go.etcd.io/bbolt"
)

var (
	// processBucketKey is the key for the root bucket for process records.
	//
	// The keys are process IDs. The values are buckets containing the fields
	// below. Bucket keys are sorted, so iterating this bucket yields records
	// in ID order.
	processBucketKey = []byte("processes")

	processRevisionKey   = []byte("revision")
	processDefinitionKey = []byte("definition")
	processParentKey     = []byte("parent")
	processStatusKey     = []byte("status")
	processTerminalKey   = []byte("terminal")
)

// LoadProcess returns the record of a process.
func (ds *dataStore) LoadProcess(
	_ context.Context,
	id string,
) (persistence.ProcessRecord, error) {
	rec := persistence.ProcessRecord{ID: id}

	err := ds.view(
		func(root *bbolt.Bucket) {
			if b, ok := bboltx.TryBucket(root, processBucketKey, []byte(id)); ok {
				rec = unmarshalProcess(id, b)
			}
		},
	)

	return rec, err
}

// LoadActiveProcesses returns the records of all processes that have not
// reached a terminal status, sorted by ID.
func (ds *dataStore) LoadActiveProcesses(
	context.Context,
) ([]persistence.ProcessRecord, error) {
	var records []persistence.ProcessRecord

	err := ds.view(
		func(root *bbolt.Bucket) {
			processes, ok := bboltx.TryBucket(root, processBucketKey)
			if !ok {
				return
			}

			bboltx.Must(processes.ForEach(
				func(k, v []byte) error {
					if v != nil {
						return nil
					}

					rec := unmarshalProcess(string(k), processes.Bucket(k))
					if !rec.Terminal {
						records = append(records, rec)
					}
					return nil
				},
			))
		},
	)

	return records, err
}

// VisitSaveProcess applies the changes in a "SaveProcess" operation to the
// database.
func (c *committer) VisitSaveProcess(
	_ context.Context,
	op persistence.SaveProcess,
) error {
	b := bboltx.CreateBucketIfNotExists(
		c.root,
		processBucketKey,
		[]byte(op.Process.ID),
	)

	rev := bboltx.UnmarshalUint64(b.Get(processRevisionKey))
	if op.Process.Revision != rev {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	bboltx.Put(b, processRevisionKey, bboltx.MarshalUint64(rev+1))
	bboltx.Put(b, processDefinitionKey, []byte(op.Process.DefinitionRef))
	bboltx.Put(b, processParentKey, []byte(op.Process.ParentID))
	bboltx.Put(b, processStatusKey, []byte(op.Process.Status))
	bboltx.Put(b, processTerminalKey, marshalBool(op.Process.Terminal))

	return nil
}

// unmarshalProcess returns the process record stored in b.
func unmarshalProcess(id string, b *bbolt.Bucket) persistence.ProcessRecord {
	return persistence.ProcessRecord{
		ID:            id,
		Revision:      bboltx.UnmarshalUint64(b.Get(processRevisionKey)),
		DefinitionRef: string(b.Get(processDefinitionKey)),
		ParentID:      string(b.Get(processParentKey)),
		Status:        string(b.Get(processStatusKey)),
		Terminal:      unmarshalBool(b.Get(processTerminalKey)),
	}
}
