package persistence

import "context"

// Checkpoint is a snapshot of a process's state.
type Checkpoint struct {
	// ProcessID is the ID of the process.
	ProcessID string

	// Offset is the offset of the first event that is NOT reflected in the
	// snapshot.
	Offset uint64

	// Data is the encoded process state.
	Data []byte
}

// CheckpointRepository is an interface for reading process checkpoints.
type CheckpointRepository interface {
	// LoadCheckpoint returns the most recent checkpoint of a process.
	//
	// ok is false if the process has no checkpoint.
	LoadCheckpoint(ctx context.Context, processID string) (_ Checkpoint, ok bool, _ error)
}
