package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLite opens (or creates) a SQLite-backed store at path. The
// pure-Go driver keeps the binary free of cgo. A single connection
// avoids SQLITE_BUSY under the engine's per-record write serialization.
func NewSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s, err := newSQLStore(db, dialectSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
