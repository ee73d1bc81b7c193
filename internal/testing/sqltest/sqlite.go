package sqltest

import (
	"database/sql"
	"os"
	"path/filepath"

	// Register the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the name of the SQLite driver registered with
// database/sql.
const SQLiteDriverName = "sqlite3"

// SQLite is a temporary SQLite database.
type SQLite struct {
	// DSN is the data-source name used to open the database.
	DSN string

	dir string
}

// NewSQLite creates a new temporary SQLite database file.
//
// Transactions on connections opened with the DSN take the write lock as soon
// as they begin, and wait for other writers rather than failing.
func NewSQLite() (*SQLite, error) {
	dir, err := os.MkdirTemp("", "orchestra-sqlite-*")
	if err != nil {
		return nil, err
	}

	file := filepath.Join(dir, "test.db")

	return &SQLite{
		DSN: "file:" + file + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate",
		dir: dir,
	}, nil
}

// Open opens the database.
func (s *SQLite) Open() (*sql.DB, error) {
	return sql.Open(SQLiteDriverName, s.DSN)
}

// Close removes the database file.
func (s *SQLite) Close() error {
	return os.RemoveAll(s.dir)
}
