package sqlite

import (
	"context"
	"database/sql"

	"github.com/dogmatiq/orchestra/internal/x/sqlx"
	"github.com/dogmatiq/orchestra/persistence"
)

// UpsertCheckpoint inserts or replaces a process's checkpoint.
func (driver) UpsertCheckpoint(
	ctx context.Context,
	tx *sql.Tx,
	k string,
	cp persistence.Checkpoint,
) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO process_checkpoint (
			datastore_key,
			process_id,
			event_offset,
			data
		) VALUES (
			$1, $2, $3, $4
		) ON CONFLICT (datastore_key, process_id) DO UPDATE SET
			event_offset = excluded.event_offset,
			data = excluded.data`,
		k,
		cp.ProcessID,
		cp.Offset,
		cp.Data,
	)
	return err
}

// SelectCheckpoint selects a process's checkpoint.
func (driver) SelectCheckpoint(
	ctx context.Context,
	db *sql.DB,
	k, id string,
) (persistence.Checkpoint, bool, error) {
	row := db.QueryRowContext(
		ctx,
		`SELECT
			event_offset,
			data
		FROM process_checkpoint
		WHERE datastore_key = $1
		AND process_id = $2`,
		k,
		id,
	)

	cp := persistence.Checkpoint{
		ProcessID: id,
	}

	err := row.Scan(
		&cp.Offset,
		&cp.Data,
	)
	if err == sql.ErrNoRows {
		return persistence.Checkpoint{}, false, nil
	}

	return cp, err == nil, err
}

// createCheckpointSchema creates the schema elements for process checkpoints.
func createCheckpointSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(
		ctx,
		db,
		`CREATE TABLE IF NOT EXISTS process_checkpoint (
			datastore_key TEXT NOT NULL,
			process_id    TEXT NOT NULL,
			event_offset  INTEGER NOT NULL,
			data          BLOB,

			PRIMARY KEY (datastore_key, process_id)
		)`,
	)
}

// dropCheckpointSchema drops the schema elements for process checkpoints.
func dropCheckpointSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(ctx, db, `DROP TABLE IF EXISTS process_checkpoint`)
}
