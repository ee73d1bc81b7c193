package boltpersistence

import (
	"context"

	"github.com/dogmatiq/orchestra/internal/x/bboltx"
	"github.com/dogmatiq/orchestra/persistence"
	"go.etcd.io/bbolt"
)

var (
	// checkpointBucketKey is the key for the root bucket for checkpoints.
	//
	// The keys are process IDs. The values are buckets containing the fields
	// below.
	checkpointBucketKey = []byte("checkpoints")

	checkpointOffsetKey = []byte("offset")
	checkpointDataKey   = []byte("data")
)

// LoadCheckpoint returns the most recent checkpoint of a process.
func (ds *dataStore) LoadCheckpoint(
	_ context.Context,
	id string,
) (persistence.Checkpoint, bool, error) {
	var (
		cp persistence.Checkpoint
		ok bool
	)

	err := ds.view(
		func(root *bbolt.Bucket) {
			var b *bbolt.Bucket
			b, ok = bboltx.TryBucket(root, checkpointBucketKey, []byte(id))
			if !ok {
				return
			}

			cp = persistence.Checkpoint{
				ProcessID: id,
				Offset:    bboltx.UnmarshalUint64(b.Get(checkpointOffsetKey)),
				Data:      append([]byte(nil), b.Get(checkpointDataKey)...),
			}
		},
	)

	return cp, ok, err
}

// VisitSaveCheckpoint applies the changes in a "SaveCheckpoint" operation to
// the database.
func (c *committer) VisitSaveCheckpoint(
	_ context.Context,
	op persistence.SaveCheckpoint,
) error {
	b := bboltx.CreateBucketIfNotExists(
		c.root,
		checkpointBucketKey,
		[]byte(op.Checkpoint.ProcessID),
	)

	bboltx.Put(b, checkpointOffsetKey, bboltx.MarshalUint64(op.Checkpoint.Offset))
	bboltx.Put(b, checkpointDataKey, op.Checkpoint.Data)

	return nil
}
