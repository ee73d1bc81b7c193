package sqlite

import (
	"context"
	"database/sql"

	"github.com/dogmatiq/orchestra/internal/x/sqlx"
	"github.com/dogmatiq/orchestra/persistence"
)

// InsertProcess inserts a process record.
//
// It returns false if the row already exists.
func (driver) InsertProcess(
	ctx context.Context,
	tx *sql.Tx,
	k string,
	rec persistence.ProcessRecord,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`INSERT INTO process (
			datastore_key,
			process_id,
			definition_ref,
			parent_id,
			status,
			terminal
		) VALUES (
			$1, $2, $3, $4, $5, $6
		) ON CONFLICT (datastore_key, process_id) DO NOTHING`,
		k,
		rec.ID,
		rec.DefinitionRef,
		rec.ParentID,
		rec.Status,
		rec.Terminal,
	), nil
}

// UpdateProcess updates a process record.
//
// It returns false if the row does not exist or rec.Revision is not current.
func (driver) UpdateProcess(
	ctx context.Context,
	tx *sql.Tx,
	k string,
	rec persistence.ProcessRecord,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`UPDATE process SET
			revision = revision + 1,
			definition_ref = $1,
			parent_id = $2,
			status = $3,
			terminal = $4
		WHERE datastore_key = $5
		AND process_id = $6
		AND revision = $7`,
		rec.DefinitionRef,
		rec.ParentID,
		rec.Status,
		rec.Terminal,
		k,
		rec.ID,
		rec.Revision,
	), nil
}

// SelectProcess selects a process record.
func (driver) SelectProcess(
	ctx context.Context,
	db *sql.DB,
	k, id string,
) (persistence.ProcessRecord, error) {
	row := db.QueryRowContext(
		ctx,
		`SELECT
			revision,
			definition_ref,
			parent_id,
			status,
			terminal
		FROM process
		WHERE datastore_key = $1
		AND process_id = $2`,
		k,
		id,
	)

	rec := persistence.ProcessRecord{
		ID: id,
	}

	err := row.Scan(
		&rec.Revision,
		&rec.DefinitionRef,
		&rec.ParentID,
		&rec.Status,
		&rec.Terminal,
	)
	if err == sql.ErrNoRows {
		return persistence.ProcessRecord{ID: id}, nil
	}

	return rec, err
}

// SelectActiveProcesses selects the records of all non-terminal processes,
// ordered by ID.
func (driver) SelectActiveProcesses(
	ctx context.Context,
	db *sql.DB,
	k string,
) (_ []persistence.ProcessRecord, err error) {
	defer sqlx.Recover(&err)

	rows := sqlx.Query(
		ctx,
		db,
		`SELECT
			process_id,
			revision,
			definition_ref,
			parent_id,
			status
		FROM process
		WHERE datastore_key = $1
		AND terminal = FALSE
		ORDER BY process_id`,
		k,
	)
	defer rows.Close()

	var records []persistence.ProcessRecord

	for rows.Next() {
		var rec persistence.ProcessRecord

		sqlx.Must(rows.Scan(
			&rec.ID,
			&rec.Revision,
			&rec.DefinitionRef,
			&rec.ParentID,
			&rec.Status,
		))

		records = append(records, rec)
	}

	sqlx.Must(rows.Err())

	return records, nil
}

// createProcessSchema creates the schema elements for process records.
func createProcessSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(
		ctx,
		db,
		`CREATE TABLE IF NOT EXISTS process (
			datastore_key  TEXT NOT NULL,
			process_id     TEXT NOT NULL,
			revision       INTEGER NOT NULL DEFAULT 1,
			definition_ref TEXT NOT NULL,
			parent_id      TEXT NOT NULL,
			status         TEXT NOT NULL,
			terminal       BOOLEAN NOT NULL,

			PRIMARY KEY (datastore_key, process_id)
		)`,
	)
}

// dropProcessSchema drops the schema elements for process records.
func dropProcessSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(ctx, db, `DROP TABLE IF EXISTS process`)
}
