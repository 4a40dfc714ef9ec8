package storage

import (
	"context"
	"fmt"
	"time"
)

// Migrate applies pending migrations in version order, recording each
// outcome in schema_migrations. A failed migration is recorded and
// stops the sequence.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL,
			success INTEGER NOT NULL,
			error TEXT
		)`)
	if err != nil {
		return fmt.Errorf("create migrations log: %w", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations WHERE success = 1`)
	if err != nil {
		return fmt.Errorf("read migrations log: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.WithFields(map[string]interface{}{
			"version": m.Version,
			"name":    m.Name,
		}).Info("applying migration")

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			s.recordMigration(ctx, m, err)
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at, success) VALUES (?, ?, ?, 1)`,
			m.Version, m.Name, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) recordMigration(ctx context.Context, m migration, cause error) {
	msg := cause.Error()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_migrations (version, name, applied_at, success, error) VALUES (?, ?, ?, 0, ?)`,
		m.Version, m.Name, time.Now().UTC(), msg)
	if err != nil {
		s.logger.WithError(err).Warn("failed to record migration failure")
	}
}

// VerifyCriticalSchema checks that every critical table and column
// exists. The caller exits fatally on error.
func (s *Store) VerifyCriticalSchema(ctx context.Context) error {
	for table, columns := range criticalTables {
		present := map[string]bool{}
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
		if err != nil {
			return fmt.Errorf("inspect table %s: %w", table, err)
		}
		for rows.Next() {
			var (
				cid        int
				name, typ  string
				notNull    int
				dfltValue  interface{}
				primaryKey int
			)
			if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
				rows.Close()
				return err
			}
			present[name] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(present) == 0 {
			return fmt.Errorf("critical table missing: %s", table)
		}
		for _, col := range columns {
			if !present[col] {
				return fmt.Errorf("critical column missing: %s.%s", table, col)
			}
		}
	}
	return nil
}
