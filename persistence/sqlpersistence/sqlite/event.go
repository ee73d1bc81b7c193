package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/dogmatiq/orchestra/internal/x/sqlx"
	"github.com/dogmatiq/orchestra/persistence"
)

// SelectNextEventOffset selects the offset of the next event to be appended to
// a process's history.
func (driver) SelectNextEventOffset(
	ctx context.Context,
	tx *sql.Tx,
	k, id string,
) (_ uint64, err error) {
	defer sqlx.Recover(&err)

	return uint64(sqlx.QueryInt64(
		ctx,
		tx,
		`SELECT COALESCE(MAX(event_offset) + 1, 0)
		FROM process_event
		WHERE datastore_key = $1
		AND process_id = $2`,
		k,
		id,
	)), nil
}

// InsertEvent inserts an event at ev.Offset.
func (driver) InsertEvent(
	ctx context.Context,
	tx *sql.Tx,
	k string,
	ev persistence.Event,
) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO process_event (
			datastore_key,
			process_id,
			event_offset,
			event_type,
			data,
			recorded_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)`,
		k,
		ev.ProcessID,
		ev.Offset,
		ev.Type,
		ev.Data,
		ev.RecordedAt.UnixNano(),
	)
	return err
}

// SelectEvents selects the events of a process with an offset greater than or
// equal to offset, in order.
func (driver) SelectEvents(
	ctx context.Context,
	db *sql.DB,
	k, id string,
	offset uint64,
) (_ []persistence.Event, err error) {
	defer sqlx.Recover(&err)

	rows := sqlx.Query(
		ctx,
		db,
		`SELECT
			event_offset,
			event_type,
			data,
			recorded_at
		FROM process_event
		WHERE datastore_key = $1
		AND process_id = $2
		AND event_offset >= $3
		ORDER BY event_offset`,
		k,
		id,
		offset,
	)
	defer rows.Close()

	var events []persistence.Event

	for rows.Next() {
		ev := persistence.Event{
			ProcessID: id,
		}

		var recordedAt int64

		sqlx.Must(rows.Scan(
			&ev.Offset,
			&ev.Type,
			&ev.Data,
			&recordedAt,
		))

		ev.RecordedAt = time.Unix(0, recordedAt)
		events = append(events, ev)
	}

	sqlx.Must(rows.Err())

	return events, nil
}

// createEventSchema creates the schema elements for process events.
func createEventSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(
		ctx,
		db,
		`CREATE TABLE IF NOT EXISTS process_event (
			datastore_key TEXT NOT NULL,
			process_id    TEXT NOT NULL,
			event_offset  INTEGER NOT NULL,
			event_type    TEXT NOT NULL,
			data          BLOB,
			recorded_at   INTEGER NOT NULL,

			PRIMARY KEY (datastore_key, process_id, event_offset)
		)`,
	)
}

// dropEventSchema drops the schema elements for process events.
func dropEventSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(ctx, db, `DROP TABLE IF EXISTS process_event`)
}
