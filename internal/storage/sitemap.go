package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gitpulse/gitpulse/internal/models"
)

// UpdateSitemapMetadata records the indexer's progress for one entity
// type.
func (s *Store) UpdateSitemapMetadata(ctx context.Context, entityType string, currentPage, urlCount int) error {
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO sitemap_metadata (entity_type, current_page, url_count, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type) DO UPDATE SET
			current_page = excluded.current_page,
			url_count = excluded.url_count,
			last_updated = excluded.last_updated`,
		entityType, currentPage, urlCount, time.Now().UTC())
	return err
}

// GetSitemapMetadata returns the progress row for one entity type.
func (s *Store) GetSitemapMetadata(ctx context.Context, entityType string) (*models.SitemapMetadata, error) {
	var m models.SitemapMetadata
	err := sqlx.GetContext(ctx, s.ext, &m,
		`SELECT * FROM sitemap_metadata WHERE entity_type = ?`, entityType)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &m, nil
}

// ListSitemapMetadata returns all progress rows.
func (s *Store) ListSitemapMetadata(ctx context.Context) ([]models.SitemapMetadata, error) {
	var ms []models.SitemapMetadata
	err := sqlx.SelectContext(ctx, s.ext, &ms,
		`SELECT * FROM sitemap_metadata ORDER BY entity_type`)
	return ms, err
}
