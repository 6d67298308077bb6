// Package sqlite opens the embedded database shared by conversation history
// and the task scheduler.
package sqlite

import (
	"database/sql"

	_ "github.com/glebarez/go-sqlite"
	"github.com/m-mizutani/goerr/v2"
)

const DefaultPath = "history.db"

// Open opens (creating if needed) the database file at path.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite", goerr.V("path", path))
	}
	// A single connection keeps writes serialized and makes :memory: usable.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to ping sqlite", goerr.V("path", path))
	}
	return db, nil
}
