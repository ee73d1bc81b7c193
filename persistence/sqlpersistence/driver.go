package sqlpersistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/dogmatiq/orchestra/persistence"
)

// Driver is used to interface with the underlying SQL database.
type Driver interface {
	LockDriver
	EventDriver
	CheckpointDriver
	ProcessDriver

	// IsCompatibleWith returns nil if this driver can be used with db.
	IsCompatibleWith(ctx context.Context, db *sql.DB) error

	// Begin starts a transaction for use in a call to Persist().
	Begin(ctx context.Context, db *sql.DB) (*sql.Tx, error)

	// CreateSchema creates any SQL schema elements required by the driver.
	CreateSchema(ctx context.Context, db *sql.DB) error

	// DropSchema removes any SQL schema elements created by CreateSchema().
	DropSchema(ctx context.Context, db *sql.DB) error
}

// LockDriver is the subset of the Driver interface that is concerned with
// data-store locking.
type LockDriver interface {
	// AcquireLock acquires an exclusive lock on a data-store's data.
	//
	// It returns the lock ID, which can be used in subsequent calls to
	// RenewLock() and ReleaseLock().
	//
	// It returns false if the lock can not be acquired.
	AcquireLock(
		ctx context.Context,
		db *sql.DB,
		k string,
		ttl time.Duration,
	) (int64, bool, error)

	// RenewLock updates the expiry timestamp on a lock that has already been
	// acquired.
	//
	// It returns false if the lock has not been acquired.
	RenewLock(
		ctx context.Context,
		db *sql.DB,
		id int64,
		ttl time.Duration,
	) (bool, error)

	// ReleaseLock releases a lock that was previously acquired.
	ReleaseLock(
		ctx context.Context,
		db *sql.DB,
		id int64,
	) error
}

// EventDriver is the subset of the Driver interface that is concerned with
// process event histories.
type EventDriver interface {
	// SelectNextEventOffset selects the offset of the next event to be
	// appended to a process's history.
	SelectNextEventOffset(
		ctx context.Context,
		tx *sql.Tx,
		k, id string,
	) (uint64, error)

	// InsertEvent inserts an event at ev.Offset.
	InsertEvent(
		ctx context.Context,
		tx *sql.Tx,
		k string,
		ev persistence.Event,
	) error

	// SelectEvents selects the events of a process with an offset greater
	// than or equal to offset, in order.
	SelectEvents(
		ctx context.Context,
		db *sql.DB,
		k, id string,
		offset uint64,
	) ([]persistence.Event, error)
}

// CheckpointDriver is the subset of the Driver interface that is concerned
// with process checkpoints.
type CheckpointDriver interface {
	// UpsertCheckpoint inserts or replaces a process's checkpoint.
	UpsertCheckpoint(
		ctx context.Context,
		tx *sql.Tx,
		k string,
		cp persistence.Checkpoint,
	) error

	// SelectCheckpoint selects a process's checkpoint.
	//
	// It returns false if the process has no checkpoint.
	SelectCheckpoint(
		ctx context.Context,
		db *sql.DB,
		k, id string,
	) (persistence.Checkpoint, bool, error)
}

// ProcessDriver is the subset of the Driver interface that is concerned with
// process records.
type ProcessDriver interface {
	// InsertProcess inserts a process record.
	//
	// It returns false if the row already exists.
	InsertProcess(
		ctx context.Context,
		tx *sql.Tx,
		k string,
		rec persistence.ProcessRecord,
	) (bool, error)

	// UpdateProcess updates a process record.
	//
	// It returns false if the row does not exist or rec.Revision is not
	// current.
	UpdateProcess(
		ctx context.Context,
		tx *sql.Tx,
		k string,
		rec persistence.ProcessRecord,
	) (bool, error)

	// SelectProcess selects a process record.
	SelectProcess(
		ctx context.Context,
		db *sql.DB,
		k, id string,
	) (persistence.ProcessRecord, error)

	// SelectActiveProcesses selects the records of all non-terminal
	// processes, ordered by ID.
	SelectActiveProcesses(
		ctx context.Context,
		db *sql.DB,
		k string,
	) ([]persistence.ProcessRecord, error)
}
