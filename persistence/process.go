package persistence

import (
	"context"
)

// ProcessRecord is the index entry for a process.
type ProcessRecord struct {
	// ID is the process ID.
	ID string

	// Revision is the version of the record, used for optimistic concurrency
	// control. The first revision of a persisted record is 1.
	Revision uint64

	// DefinitionRef is the reference of the definition the process executes.
	DefinitionRef string

	// ParentID is the ID of the parent process, if this is a subprocess.
	ParentID string

	// Status is the process's lifecycle status.
	Status string

	// Terminal is true once the process has reached a terminal status.
	Terminal bool
}

// ProcessRepository is an interface for reading process records.
type ProcessRepository interface {
	// LoadProcess returns the record of a process.
	//
	// If the process does not exist, a record with a zero revision is
	// returned.
	LoadProcess(ctx context.Context, id string) (ProcessRecord, error)

	// LoadActiveProcesses returns the records of all processes that have not
	// reached a terminal status, sorted by ID.
	LoadActiveProcesses(ctx context.Context) ([]ProcessRecord, error)
}
