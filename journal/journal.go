// Package journal records the decisions made about each process so that its
// state can be reconstructed after a restart.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/orchestra/internal/x/syncx"
	"github.com/dogmatiq/orchestra/persistence"
	"github.com/dogmatiq/orchestra/process"
)

// DefaultCheckpointInterval is the default number of events recorded between
// checkpoints of a process's state.
const DefaultCheckpointInterval = 64

// Journal commits process events to a data-store and replays them.
//
// Events are always persisted before they are applied to the in-memory
// instance, so a decision is never acted upon unless it is durable.
type Journal struct {
	// DataStore is the store in which events are persisted.
	DataStore persistence.DataStore

	// CheckpointInterval is the number of events recorded between checkpoints.
	// If it is zero, DefaultCheckpointInterval is used.
	CheckpointInterval uint64

	// Logger is the target for log messages. If it is nil,
	// logging.DefaultLogger is used.
	Logger logging.Logger

	locks   syncx.MutexNamespace
	m       sync.Mutex
	cursors map[string]cursor
}

// cursor is the journal's view of a process's persisted state.
type cursor struct {
	// offset is the offset of the next event in the process's history.
	offset uint64

	// record is the process record as currently persisted.
	record persistence.ProcessRecord
}

// Commit persists events against inst, then applies them to inst.
//
// If the events can not be persisted inst is left unchanged.
func (j *Journal) Commit(
	ctx context.Context,
	inst *process.Instance,
	events ...process.Event,
) error {
	if len(events) == 0 {
		return nil
	}

	unlock, err := j.locks.Lock(ctx, inst.ID)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := j.cursor(ctx, inst.ID)
	if err != nil {
		return err
	}

	next := inst.Clone()
	next.Apply(events...)

	op := persistence.AppendEvents{
		ProcessID:  inst.ID,
		NextOffset: cur.offset,
	}

	for _, ev := range events {
		t, data, err := process.MarshalEvent(ev)
		if err != nil {
			return err
		}

		op.Events = append(op.Events, persistence.Event{
			Type: t,
			Data: data,
		})
	}

	batch := persistence.Batch{op}
	offset := cur.offset + uint64(len(events))

	rec := recordOf(next, cur.record.Revision)
	saveRecord := rec.Revision == 0 || rec != cur.record
	if saveRecord {
		batch = append(batch, persistence.SaveProcess{Process: rec})
	}

	if j.shouldCheckpoint(cur.offset, offset) || next.Status.IsTerminal() {
		data, err := process.MarshalInstance(next)
		if err != nil {
			return err
		}

		batch = append(batch, persistence.SaveCheckpoint{
			Checkpoint: persistence.Checkpoint{
				ProcessID: inst.ID,
				Offset:    offset,
				Data:      data,
			},
		})
	}

	if _, err := j.DataStore.Persist(ctx, batch); err != nil {
		if errors.As(err, &persistence.ConflictError{}) {
			j.forget(inst.ID)
		}

		return fmt.Errorf("unable to commit %d event(s) to process %s: %w", len(events), inst.ID, err)
	}

	if saveRecord {
		rec.Revision++
	}

	j.remember(inst.ID, cursor{offset, rec})

	logging.Debug(
		j.logger(),
		"[journal] committed %d event(s) to process %s, next offset is %d",
		len(events),
		inst.ID,
		offset,
	)

	*inst = next

	return nil
}

// Replay reconstructs the state of a process from its most recent checkpoint
// and the events recorded since.
//
// ok is false if the process does not exist.
func (j *Journal) Replay(ctx context.Context, id string) (_ process.Instance, ok bool, _ error) {
	unlock, err := j.locks.Lock(ctx, id)
	if err != nil {
		return process.Instance{}, false, err
	}
	defer unlock()

	rec, err := j.DataStore.LoadProcess(ctx, id)
	if err != nil {
		return process.Instance{}, false, err
	}

	if rec.Revision == 0 {
		return process.Instance{}, false, nil
	}

	inst, offset, err := j.replay(ctx, id)
	if err != nil {
		return process.Instance{}, false, err
	}

	j.remember(id, cursor{offset, rec})

	return inst, true, nil
}

// History returns every event recorded for a process, in order.
func (j *Journal) History(ctx context.Context, id string) ([]process.Event, error) {
	events, err := j.DataStore.LoadEvents(ctx, id, 0)
	if err != nil {
		return nil, err
	}

	history := make([]process.Event, 0, len(events))
	for _, e := range events {
		ev, err := process.UnmarshalEvent(e.Type, e.Data)
		if err != nil {
			return nil, fmt.Errorf("process %s, offset %d: %w", id, e.Offset, err)
		}
		history = append(history, ev)
	}

	return history, nil
}

// Record returns the index record of the process with the given ID.
//
// ok is false if the process does not exist.
func (j *Journal) Record(ctx context.Context, id string) (_ persistence.ProcessRecord, ok bool, _ error) {
	rec, err := j.DataStore.LoadProcess(ctx, id)
	if err != nil {
		return persistence.ProcessRecord{}, false, err
	}

	return rec, rec.Revision != 0, nil
}

// Active returns the records of the processes that have not reached a
// terminal status.
func (j *Journal) Active(ctx context.Context) ([]persistence.ProcessRecord, error) {
	return j.DataStore.LoadActiveProcesses(ctx)
}

// replay loads the checkpoint and subsequent events of a process. It returns
// the offset of the next event.
func (j *Journal) replay(ctx context.Context, id string) (process.Instance, uint64, error) {
	inst := process.Instance{ID: id}
	var offset uint64

	cp, ok, err := j.DataStore.LoadCheckpoint(ctx, id)
	if err != nil {
		return process.Instance{}, 0, err
	}

	if ok {
		inst, err = process.UnmarshalInstance(cp.Data)
		if err != nil {
			return process.Instance{}, 0, fmt.Errorf("process %s, checkpoint at offset %d: %w", id, cp.Offset, err)
		}
		offset = cp.Offset
	}

	events, err := j.DataStore.LoadEvents(ctx, id, offset)
	if err != nil {
		return process.Instance{}, 0, err
	}

	for _, e := range events {
		ev, err := process.UnmarshalEvent(e.Type, e.Data)
		if err != nil {
			return process.Instance{}, 0, fmt.Errorf("process %s, offset %d: %w", id, e.Offset, err)
		}

		inst.Apply(ev)
		offset = e.Offset + 1
	}

	return inst, offset, nil
}

// cursor returns the cursor of the process with the given ID, loading it
// from the data-store if necessary.
func (j *Journal) cursor(ctx context.Context, id string) (cursor, error) {
	j.m.Lock()
	cur, ok := j.cursors[id]
	j.m.Unlock()

	if ok {
		return cur, nil
	}

	rec, err := j.DataStore.LoadProcess(ctx, id)
	if err != nil {
		return cursor{}, err
	}

	cur.record = rec

	if rec.Revision != 0 {
		if _, cur.offset, err = j.replay(ctx, id); err != nil {
			return cursor{}, err
		}
	}

	return cur, nil
}

func (j *Journal) remember(id string, cur cursor) {
	j.m.Lock()
	defer j.m.Unlock()

	if j.cursors == nil {
		j.cursors = map[string]cursor{}
	}

	j.cursors[id] = cur
}

func (j *Journal) forget(id string) {
	j.m.Lock()
	defer j.m.Unlock()

	delete(j.cursors, id)
}

// shouldCheckpoint returns true if appending events from offset "from" up to
// offset "to" crosses a checkpoint boundary.
func (j *Journal) shouldCheckpoint(from, to uint64) bool {
	n := j.CheckpointInterval
	if n == 0 {
		n = DefaultCheckpointInterval
	}

	return from/n != to/n
}

func (j *Journal) logger() logging.Logger {
	if j.Logger != nil {
		return j.Logger
	}

	return logging.DefaultLogger
}

func recordOf(inst process.Instance, rev uint64) persistence.ProcessRecord {
	return persistence.ProcessRecord{
		ID:            inst.ID,
		Revision:      rev,
		DefinitionRef: inst.DefinitionRef,
		ParentID:      inst.ParentID,
		Status:        string(inst.Status),
		Terminal:      inst.Status.IsTerminal(),
	}
}
