package store

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// DB wraps an in-memory BadgerDB
type DB struct {
	db *badger.DB
}

// OpenMemDB opens a BadgerDB that lives only in memory
func OpenMemDB() (*DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil // Disable badger's default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}

	return &DB{db: db}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Badger returns the underlying BadgerDB instance
func (d *DB) Badger() *badger.DB {
	return d.db
}
