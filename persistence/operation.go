package persistence

import (
	"context"
)

// Operation is a persistence operation that can be performed as part of an
// atomic batch.
type Operation interface {
	// AcceptVisitor calls the appropriate visit method on the given visitor.
	AcceptVisitor(context.Context, OperationVisitor) error

	// entityKey returns an identifier for the entity that the operation
	// affects.
	entityKey() entityKey
}

// AppendEvents is a persistence operation that appends events to a process's
// event history.
type AppendEvents struct {
	// ProcessID is the ID of the process that the events belong to.
	ProcessID string

	// NextOffset must be the offset of the next event in the process's history
	// as currently persisted, otherwise an optimistic concurrency conflict
	// occurs and the entire batch of operations is rejected.
	NextOffset uint64

	// Events are the events to append. Their ProcessID and Offset fields are
	// ignored.
	Events []Event
}

// SaveCheckpoint is a persistence operation that stores a snapshot of a
// process's state, replacing any existing checkpoint.
type SaveCheckpoint struct {
	Checkpoint Checkpoint
}

// SaveProcess is a persistence operation that creates or updates the record
// of a process.
type SaveProcess struct {
	// Process is the record to persist.
	//
	// Process.Revision must be the revision of the record as currently
	// persisted, otherwise an optimistic concurrency conflict occurs and the
	// entire batch of operations is rejected.
	Process ProcessRecord
}

// OperationVisitor visits persistence operations.
type OperationVisitor interface {
	VisitAppendEvents(context.Context, AppendEvents) error
	VisitSaveCheckpoint(context.Context, SaveCheckpoint) error
	VisitSaveProcess(context.Context, SaveProcess) error
}

// AcceptVisitor calls v.VisitAppendEvents().
func (op AppendEvents) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitAppendEvents(ctx, op)
}

// AcceptVisitor calls v.VisitSaveCheckpoint().
func (op SaveCheckpoint) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveCheckpoint(ctx, op)
}

// AcceptVisitor calls v.VisitSaveProcess().
func (op SaveProcess) AcceptVisitor(ctx context.Context, v OperationVisitor) error {
	return v.VisitSaveProcess(ctx, op)
}

// entityKey identifies the entity affected by an operation.
type entityKey struct {
	entityType string
	processID  string
}

func (op AppendEvents) entityKey() entityKey {
	return entityKey{"events", op.ProcessID}
}

func (op SaveCheckpoint) entityKey() entityKey {
	return entityKey{"checkpoint", op.Checkpoint.ProcessID}
}

func (op SaveProcess) entityKey() entityKey {
	return entityKey{"process", op.Process.ID}
}
