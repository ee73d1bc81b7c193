package bboltx

import (
	"go.etcd.io/bbolt"
)

// Update executes fn within a managed read/write transaction.
//
// Any panic raised by one of the helper functions in this package within fn
// causes the transaction to be rolled back. The panic is propagated to the
// caller, so it must be paired with Recover().
func Update(db *bbolt.DB, fn func(tx *bbolt.Tx)) {
	Must(
		db.Update(
			func(tx *bbolt.Tx) (err error) {
				defer Recover(&err)
				fn(tx)
				return nil
			},
		),
	)
}

// View executes fn within a managed read-only transaction.
func View(db *bbolt.DB, fn func(tx *bbolt.Tx)) {
	Must(
		db.View(
			func(tx *bbolt.Tx) (err error) {
				defer Recover(&err)
				fn(tx)
				return nil
			},
		),
	)
}
