package sqlpersistence

import (
	"context"
	"database/sql"

	"github.com/dogmatiq/orchestra/persistence"
)

// LoadEvents returns the events of a process with an offset greater than or
// equal to offset, in order.
func (ds *dataStore) LoadEvents(
	ctx context.Context,
	id string,
	offset uint64,
) (events []persistence.Event, err error) {
	err = ds.withDB(
		ctx,
		func(ctx context.Context, db *sql.DB) error {
			events, err = ds.driver.SelectEvents(ctx, db, ds.key, id, offset)
			return err
		},
	)

	return events, err
}

// VisitAppendEvents applies the changes in an "AppendEvents" operation to the
// database.
func (c *committer) VisitAppendEvents(
	ctx context.Context,
	op persistence.AppendEvents,
) error {
	next, err := c.driver.SelectNextEventOffset(ctx, c.tx, c.key, op.ProcessID)
	if err != nil {
		return err
	}

	if op.NextOffset != next {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	for _, ev := range op.Events {
		ev.ProcessID = op.ProcessID
		ev.Offset = next

		if ev.RecordedAt.IsZero() {
			ev.RecordedAt = c.now
		}

		if err := c.driver.InsertEvent(ctx, c.tx, c.key, ev); err != nil {
			return err
		}

		next++
	}

	if c.result.NextEventOffsets == nil {
		c.result.NextEventOffsets = map[string]uint64{}
	}
	c.result.NextEventOffsets[op.ProcessID] = next

	return nil
}
