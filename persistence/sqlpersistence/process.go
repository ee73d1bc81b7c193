package sqlpersistence

import (
	"context"
	"database/sql"

	"github.com/dogmatiq/orchestra/persistence"
)

// LoadProcess returns the record of a process.
func (ds *dataStore) LoadProcess(
	ctx context.Context,
	id string,
) (rec persistence.ProcessRecord, err error) {
	err = ds.withDB(
		ctx,
		func(ctx context.Context, db *sql.DB) error {
			rec, err = ds.driver.SelectProcess(ctx, db, ds.key, id)
			return err
		},
	)

	return rec, err
}

// LoadActiveProcesses returns the records of all processes that have not
// reached a terminal status, sorted by ID.
func (ds *dataStore) LoadActiveProcesses(
	ctx context.Context,
) (records []persistence.ProcessRecord, err error) {
	err = ds.withDB(
		ctx,
		func(ctx context.Context, db *sql.DB) error {
			records, err = ds.driver.SelectActiveProcesses(ctx, db, ds.key)
			return err
		},
	)

	return records, err
}

// VisitSaveProcess applies the changes in a "SaveProcess" operation to the
// database.
func (c *committer) VisitSaveProcess(
	ctx context.Context,
	op persistence.SaveProcess,
) error {
	var (
		ok  bool
		err error
	)

	if op.Process.Revision == 0 {
		ok, err = c.driver.InsertProcess(ctx, c.tx, c.key, op.Process)
	} else {
		ok, err = c.driver.UpdateProcess(ctx, c.tx, c.key, op.Process)
	}

	if ok || err != nil {
		return err
	}

	return persistence.ConflictError{
		Cause: op,
	}
}
