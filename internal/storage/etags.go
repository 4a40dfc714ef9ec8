package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gitpulse/gitpulse/internal/models"
)

// SaveETag persists a conditional-request validator so restarts keep
// their 304 budget.
func (s *Store) SaveETag(ctx context.Context, e *models.ETagEntry) error {
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO etag_cache (resource_key, etag, last_modified, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (resource_key) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		e.ResourceKey, e.ETag, e.LastModified, e.Body, time.Now().UTC())
	return err
}

// LoadETags returns the most recently used validators, newest first,
// capped at limit for cache warm-up.
func (s *Store) LoadETags(ctx context.Context, limit int) ([]models.ETagEntry, error) {
	var entries []models.ETagEntry
	err := sqlx.SelectContext(ctx, s.ext, &entries,
		`SELECT * FROM etag_cache ORDER BY updated_at DESC LIMIT ?`, limit)
	return entries, err
}

// DeleteETag drops one validator, used when a cached body can no
// longer be trusted.
func (s *Store) DeleteETag(ctx context.Context, resourceKey string) error {
	_, err := s.ext.ExecContext(ctx,
		`DELETE FROM etag_cache WHERE resource_key = ?`, resourceKey)
	return err
}
