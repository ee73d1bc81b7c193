package sqlx

import (
	"context"
	"database/sql"
)

// Exec executes a statement on the given DB.
func Exec(
	ctx context.Context,
	db DB,
	query string,
	args ...interface{},
) sql.Result {
	res, err := db.ExecContext(ctx, query, args...)
	Must(err)
	return res
}

// TryInsert executes an insert statement on the given DB and returns the last
// insert ID.
//
// It returns false if no rows were inserted.
func TryInsert(
	ctx context.Context,
	db DB,
	query string,
	args ...interface{},
) (int64, bool) {
	res, err := db.ExecContext(ctx, query, args...)
	Must(err)

	n, err := res.RowsAffected()
	Must(err)

	if n == 0 {
		return 0, false
	}

	id, err := res.LastInsertId()
	Must(err)

	return id, true
}

// TryExecRow executes a statement on the given DB.
//
// It returns false if the statement did not affect exactly one row.
func TryExecRow(
	ctx context.Context,
	db DB,
	query string,
	args ...interface{},
) bool {
	res, err := db.ExecContext(ctx, query, args...)
	Must(err)

	n, err := res.RowsAffected()
	Must(err)

	return n == 1
}

