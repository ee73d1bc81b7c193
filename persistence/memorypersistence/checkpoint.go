package memorypersistence

import (
	"context"

	"github.com/dogmatiq/orchestra/persistence"
)

// LoadCheckpoint returns the most recent checkpoint of a process.
func (ds *dataStore) LoadCheckpoint(
	_ context.Context,
	id string,
) (persistence.Checkpoint, bool, error) {
	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	cp, ok := ds.db.checkpoint.checkpoints[id]
	return cp, ok, nil
}

// VisitSaveCheckpoint returns an error if a "SaveCheckpoint" operation can not
// be applied to the database.
func (v *validator) VisitSaveCheckpoint(
	context.Context,
	persistence.SaveCheckpoint,
) error {
	return nil
}

// VisitSaveCheckpoint applies the changes in a "SaveCheckpoint" operation to
// the database.
func (c *committer) VisitSaveCheckpoint(
	_ context.Context,
	op persistence.SaveCheckpoint,
) error {
	c.db.checkpoint.save(op.Checkpoint)
	return nil
}

// checkpointDatabase contains process snapshots.
type checkpointDatabase struct {
	checkpoints map[string]persistence.Checkpoint
}

// save stores cp in the database, replacing any existing checkpoint.
func (db *checkpointDatabase) save(cp persistence.Checkpoint) {
	if db.checkpoints == nil {
		db.checkpoints = map[string]persistence.Checkpoint{}
	}

	cp.Data = append([]byte(nil), cp.Data...)
	db.checkpoints[cp.ProcessID] = cp
}
