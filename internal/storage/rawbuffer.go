package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gitpulse/gitpulse/internal/models"
)

// EnqueueRaw stores one fetched upstream blob in the buffer.
func (s *Store) EnqueueRaw(ctx context.Context, kind string, payload json.RawMessage) (int64, error) {
	now := time.Now().UTC()
	res, err := s.ext.ExecContext(ctx, `
		INSERT INTO raw_payloads (kind, payload, processed, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)`, kind, string(payload), now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue raw payload: %w", err)
	}
	return res.LastInsertId()
}

// DequeueRaw returns up to limit unprocessed rows of the given kind in
// insertion order and locks them to the run. Rows locked by other runs
// are skipped; a crashed run's locks are released by UnlockRun.
func (s *Store) DequeueRaw(ctx context.Context, kind string, limit int, runID string) ([]models.RawPayload, error) {
	var payloads []models.RawPayload
	err := s.WithTx(ctx, func(tx *Store) error {
		if err := sqlx.SelectContext(ctx, tx.ext, &payloads, `
			SELECT * FROM raw_payloads
			WHERE kind = ? AND processed = 0 AND (locked_by IS NULL OR locked_by = ?)
			ORDER BY id LIMIT ?`, kind, runID, limit); err != nil {
			return err
		}
		for _, p := range payloads {
			if _, err := tx.ext.ExecContext(ctx, `
				UPDATE raw_payloads SET locked_by = ?, updated_at = ? WHERE id = ?`,
				runID, time.Now().UTC(), p.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue raw payloads: %w", err)
	}
	return payloads, nil
}

// MarkRawProcessed flips a buffer row to processed. Called only after
// the derived rows have committed.
func (s *Store) MarkRawProcessed(ctx context.Context, id int64) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE raw_payloads SET processed = 1, locked_by = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// UnlockRaw releases a single row for retry after a failed transform.
func (s *Store) UnlockRaw(ctx context.Context, id int64) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE raw_payloads SET locked_by = NULL, updated_at = ? WHERE id = ? AND processed = 0`,
		time.Now().UTC(), id)
	return err
}

// UnlockRun releases every row still held by a run, typically at run
// teardown after a crash or cancellation.
func (s *Store) UnlockRun(ctx context.Context, runID string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE raw_payloads SET locked_by = NULL, updated_at = ? WHERE locked_by = ? AND processed = 0`,
		time.Now().UTC(), runID)
	return err
}

// RawDepth returns the number of unprocessed rows for a kind. The
// fetch stage consults this for backpressure.
func (s *Store) RawDepth(ctx context.Context, kind string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext, &n,
		`SELECT COUNT(*) FROM raw_payloads WHERE kind = ? AND processed = 0`, kind)
	return n, err
}

// PruneProcessedRaw deletes processed buffer rows older than the
// cutoff.
func (s *Store) PruneProcessedRaw(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.ext.ExecContext(ctx,
		`DELETE FROM raw_payloads WHERE processed = 1 AND updated_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
