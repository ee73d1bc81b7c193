package memorypersistence

import (
	"context"
	"time"

	"github.com/dogmatiq/orchestra/persistence"
)

// LoadEvents returns the events of a process with an offset greater than or
// equal to offset, in order.
func (ds *dataStore) LoadEvents(
	_ context.Context,
	id string,
	offset uint64,
) ([]persistence.Event, error) {
	ds.db.mutex.RLock()
	defer ds.db.mutex.RUnlock()

	events := ds.db.event.histories[id]
	if offset >= uint64(len(events)) {
		return nil, nil
	}

	return append([]persistence.Event(nil), events[offset:]...), nil
}

// VisitAppendEvents returns an error if an "AppendEvents" operation can not be
// applied to the database.
func (v *validator) VisitAppendEvents(
	_ context.Context,
	op persistence.AppendEvents,
) error {
	if op.NextOffset == uint64(len(v.db.event.histories[op.ProcessID])) {
		return nil
	}

	return persistence.ConflictError{
		Cause: op,
	}
}

// VisitAppendEvents applies the changes in an "AppendEvents" operation to the
// database.
func (c *committer) VisitAppendEvents(
	_ context.Context,
	op persistence.AppendEvents,
) error {
	next := c.db.event.append(op.ProcessID, op.Events, c.now)

	if c.result.NextEventOffsets == nil {
		c.result.NextEventOffsets = map[string]uint64{}
	}
	c.result.NextEventOffsets[op.ProcessID] = next

	return nil
}

// eventDatabase contains process event histories.
type eventDatabase struct {
	histories map[string][]persistence.Event
}

// append adds events to the end of a process's history and returns the offset
// of the next event.
func (db *eventDatabase) append(
	id string,
	events []persistence.Event,
	now time.Time,
) uint64 {
	if db.histories == nil {
		db.histories = map[string][]persistence.Event{}
	}

	history := db.histories[id]

	for _, ev := range events {
		ev.ProcessID = id
		ev.Offset = uint64(len(history))
		ev.Data = append([]byte(nil), ev.Data...)
		if ev.RecordedAt.IsZero() {
			ev.RecordedAt = now
		}
		history = append(history, ev)
	}

	db.histories[id] = history

	return uint64(len(history))
}
