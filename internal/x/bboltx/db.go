package bboltx

import (
	"context"
	"os"

	"github.com/dogmatiq/linger"
	"go.etcd.io/bbolt"
)

// DefaultFileMode is the mode used for database files when none is given.
const DefaultFileMode os.FileMode = 0600

// Open creates and opens a database at the given path.
//
// If mode is zero, DefaultFileMode is used. The time spent waiting for the
// file lock is bounded by the deadline of ctx, if it is sooner than
// opts.Timeout.
func Open(
	ctx context.Context,
	path string,
	mode os.FileMode,
	opts *bbolt.Options,
) (*bbolt.DB, error) {
	if mode == 0 {
		mode = DefaultFileMode
	}

	// A non-positive timeout in the BoltDB options means "wait forever", so an
	// expired context has to be detected up front.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if timeout, ok := linger.FromContextDeadline(ctx); ok {
		var clone bbolt.Options
		if opts == nil {
			clone = *bbolt.DefaultOptions
		} else {
			clone = *opts
		}

		if clone.Timeout == 0 || clone.Timeout > timeout {
			clone.Timeout = timeout
		}

		opts = &clone
	}

	db, err := bbolt.Open(path, mode, opts)
	if err == bbolt.ErrTimeout {
		return nil, context.DeadlineExceeded
	}

	return db, err
}
