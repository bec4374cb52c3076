package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgres opens a Postgres-backed store. dsn is a lib/pq connection
// string or URL (postgres://...).
func NewPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := newSQLStore(db, dialectPostgres)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
