package sqlpersistence

import (
	"context"
	"database/sql"

	"github.com/dogmatiq/orchestra/persistence"
)

// LoadCheckpoint returns the most recent checkpoint of a process.
func (ds *dataStore) LoadCheckpoint(
	ctx context.Context,
	id string,
) (cp persistence.Checkpoint, ok bool, err error) {
	err = ds.withDB(
		ctx,
		func(ctx context.Context, db *sql.DB) error {
			cp, ok, err = ds.driver.SelectCheckpoint(ctx, db, ds.key, id)
			return err
		},
	)

	return cp, ok, err
}

// VisitSaveCheckpoint applies the changes in a "SaveCheckpoint" operation to
// the database.
func (c *committer) VisitSaveCheckpoint(
	ctx context.Context,
	op persistence.SaveCheckpoint,
) error {
	return c.driver.UpsertCheckpoint(ctx, c.tx, c.key, op.Checkpoint)
}
