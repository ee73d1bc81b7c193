package boltdbtest

import (
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

// Open opens a BoltDB database using a temporary file.
//
// The returned function must be used to close the database, instead of
// DB.Close().
func Open() (*bbolt.DB, func()) {
	dir, err := os.MkdirTemp("", "orchestra-bolt-*")
	if err != nil {
		panic(err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "test.boltdb"), 0600, nil)
	if err != nil {
		os.RemoveAll(dir)
		panic(err)
	}

	return db, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}
