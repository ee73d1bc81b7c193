package boltpersistence

import (
	"context"
	"time"

	"github.com/dogmatiq/orchestra/internal/x/bboltx"
	"github.com/dogmatiq/orchestra/persistence"
	"go.etcd.io/bbolt"
)

var (
	// eventBucketKey is the key for the root bucket for event data.
	//
	// The keys are process IDs. The values are buckets containing the process's
	// history, keyed by the big-endian offset of each event. Each event is
	// itself a bucket containing the fields below.
	eventBucketKey = []byte("events")

	eventTypeKey       = []byte("type")
	eventDataKey       = []byte("data")
	eventRecordedAtKey = []byte("recorded_at")
)

// LoadEvents returns the events of a process with an offset greater than or
// equal to offset, in order.
func (ds *dataStore) LoadEvents(
	_ context.Context,
	id string,
	offset uint64,
) ([]persistence.Event, error) {
	var events []persistence.Event

	err := ds.view(
		func(root *bbolt.Bucket) {
			history, ok := bboltx.TryBucket(root, eventBucketKey, []byte(id))
			if !ok {
				return
			}

			c := history.Cursor()
			for k, _ := c.Seek(bboltx.MarshalUint64(offset)); k != nil; k, _ = c.Next() {
				events = append(
					events,
					unmarshalEvent(id, k, history.Bucket(k)),
				)
			}
		},
	)

	return events, err
}

// VisitAppendEvents applies the changes in an "AppendEvents" operation to the
// database.
func (c *committer) VisitAppendEvents(
	_ context.Context,
	op persistence.AppendEvents,
) error {
	history := bboltx.CreateBucketIfNotExists(
		c.root,
		eventBucketKey,
		[]byte(op.ProcessID),
	)

	next := nextOffset(history)
	if op.NextOffset != next {
		return persistence.ConflictError{
			Cause: op,
		}
	}

	for _, ev := range op.Events {
		recordedAt := ev.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = c.now
		}

		b := bboltx.CreateBucketIfNotExists(history, bboltx.MarshalUint64(next))
		bboltx.Put(b, eventTypeKey, []byte(ev.Type))
		bboltx.Put(b, eventDataKey, ev.Data)
		bboltx.Put(b, eventRecordedAtKey, bboltx.MarshalUint64(uint64(recordedAt.UnixNano())))

		next++
	}

	if c.result.NextEventOffsets == nil {
		c.result.NextEventOffsets = map[string]uint64{}
	}
	c.result.NextEventOffsets[op.ProcessID] = next

	return nil
}

// nextOffset returns the offset of the next event to be appended to history.
func nextOffset(history *bbolt.Bucket) uint64 {
	k, _ := history.Cursor().Last()
	if k == nil {
		return 0
	}

	return bboltx.UnmarshalUint64(k) + 1
}

// unmarshalEvent returns the event stored in b.
func unmarshalEvent(id string, k []byte, b *bbolt.Bucket) persistence.Event {
	ev := persistence.Event{
		ProcessID: id,
		Offset:    bboltx.UnmarshalUint64(k),
		Type:      string(b.Get(eventTypeKey)),
		RecordedAt: time.Unix(
			0,
			int64(bboltx.UnmarshalUint64(b.Get(eventRecordedAtKey))),
		),
	}

	// Values returned by bbolt are only valid for the life of the transaction.
	if data := b.Get(eventDataKey); len(data) > 0 {
		ev.Data = append([]byte(nil), data...)
	}

	return ev
}
