package storage

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert hits a unique or foreign
	// key constraint. Processors treat it as "already processed".
	ErrConflict = errors.New("constraint conflict")
)

// notFoundOr maps sql.ErrNoRows to ErrNotFound and passes everything
// else through.
func notFoundOr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// wrapConflict maps sqlite constraint violations to ErrConflict so
// callers never have to inspect driver error codes.
func wrapConflict(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrConflict
	}
	return err
}
