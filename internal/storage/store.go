package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Store wraps the embedded sqlite database. All entity methods run
// against ext, which is either the pooled connection or, inside
// WithTx, the open transaction.
type Store struct {
	db     *sqlx.DB
	ext    sqlx.ExtContext
	logger *logrus.Logger
}

// Open creates the database directory if needed, opens the sqlite file
// with WAL journaling, applies pending migrations and verifies the
// critical schema. A failed verification is returned as an error; the
// runner treats it as fatal.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	// Single writer per pipeline type, many readers. WAL keeps readers
	// off the writer's lock.
	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")
	db.SetMaxOpenConns(1)

	store := &Store{db: db, ext: db, logger: logger}

	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := store.VerifyCriticalSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify schema: %w", err)
	}

	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn against a transaction-bound view of the store. Any
// error from fn rolls back; otherwise the transaction commits. Nested
// calls are not supported.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	bound := &Store{db: s.db, ext: txx, logger: s.logger}
	if err := fn(bound); err != nil {
		txx.Rollback()
		return err
	}
	return txx.Commit()
}
