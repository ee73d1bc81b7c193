package persistence

import (
	"context"
	"time"
)

// Event is an entry in a process's event history.
type Event struct {
	// ProcessID is the ID of the process the event belongs to.
	ProcessID string

	// Offset is the zero-based position of the event within the process's
	// history.
	Offset uint64

	// Type identifies the kind of event, and hence the structure of Data.
	Type string

	// Data is the encoded event.
	Data []byte

	// RecordedAt is the time at which the event was committed.
	RecordedAt time.Time
}

// EventRepository is an interface for reading process event histories.
type EventRepository interface {
	// LoadEvents returns the events of a process with an offset greater than
	// or equal to offset, in order.
	LoadEvents(ctx context.Context, processID string, offset uint64) ([]Event, error)
}
