package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gitpulse/gitpulse/internal/models"
)

// UpsertRepository inserts or updates a repository keyed on github_id
// and returns the local id. Nullable columns only move from NULL to a
// value, never back; enrichment bookkeeping is untouched on update.
func (s *Store) UpsertRepository(ctx context.Context, repo *models.Repository) (string, error) {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now

	query := `
		INSERT INTO repositories (
			id, github_id, full_name, name, description, url,
			stars, forks, watchers, open_issues, size, language, license,
			default_branch, is_fork, is_archived, activity_level, last_pushed_at,
			owner_id, owner_github_id, is_enriched, enrichment_attempts,
			created_at, updated_at
		) VALUES (
			:id, :github_id, :full_name, :name, :description, :url,
			:stars, :forks, :watchers, :open_issues, :size, :language, :license,
			:default_branch, :is_fork, :is_archived, :activity_level, :last_pushed_at,
			:owner_id, :owner_github_id, :is_enriched, :enrichment_attempts,
			:created_at, :updated_at
		)
		ON CONFLICT (github_id) DO UPDATE SET
			full_name = excluded.full_name,
			name = excluded.name,
			description = COALESCE(excluded.description, description),
			url = COALESCE(excluded.url, url),
			stars = excluded.stars,
			forks = excluded.forks,
			watchers = excluded.watchers,
			open_issues = excluded.open_issues,
			size = excluded.size,
			language = COALESCE(excluded.language, language),
			license = COALESCE(excluded.license, license),
			default_branch = excluded.default_branch,
			is_fork = excluded.is_fork,
			is_archived = excluded.is_archived,
			activity_level = excluded.activity_level,
			last_pushed_at = COALESCE(excluded.last_pushed_at, last_pushed_at),
			owner_id = COALESCE(excluded.owner_id, owner_id),
			owner_github_id = COALESCE(excluded.owner_github_id, owner_github_id),
			updated_at = excluded.updated_at
	`
	if _, err := sqlx.NamedExecContext(ctx, s.ext, query, repo); err != nil {
		return "", wrapConflict(fmt.Errorf("upsert repository %s: %w", repo.FullName, err))
	}

	var id string
	err := sqlx.GetContext(ctx, s.ext, &id,
		`SELECT id FROM repositories WHERE github_id = ?`, repo.GithubID)
	if err != nil {
		return "", fmt.Errorf("resolve repository id: %w", err)
	}
	repo.ID = id
	return id, nil
}

// GetRepositoryByGithubID looks up a repository by its upstream id.
func (s *Store) GetRepositoryByGithubID(ctx context.Context, githubID int64) (*models.Repository, error) {
	var repo models.Repository
	err := sqlx.GetContext(ctx, s.ext, &repo,
		`SELECT * FROM repositories WHERE github_id = ?`, githubID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetRepositoryByFullName looks up a repository by "owner/name".
func (s *Store) GetRepositoryByFullName(ctx context.Context, fullName string) (*models.Repository, error) {
	var repo models.Repository
	err := sqlx.GetContext(ctx, s.ext, &repo,
		`SELECT * FROM repositories WHERE full_name = ?`, fullName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// ListRepositories pages repositories in insertion order.
func (s *Store) ListRepositories(ctx context.Context, limit, offset int) ([]models.Repository, error) {
	var repos []models.Repository
	err := sqlx.SelectContext(ctx, s.ext, &repos,
		`SELECT * FROM repositories ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	return repos, err
}

// ListUnenrichedRepositories returns repositories still awaiting
// enrichment, skipping any past the attempt cap.
func (s *Store) ListUnenrichedRepositories(ctx context.Context, maxAttempts, limit int) ([]models.Repository, error) {
	var repos []models.Repository
	err := sqlx.SelectContext(ctx, s.ext, &repos, `
		SELECT * FROM repositories
		WHERE is_enriched = 0 AND enrichment_attempts < ?
		ORDER BY updated_at LIMIT ?`, maxAttempts, limit)
	return repos, err
}

// IncrementRepositoryEnrichmentAttempts bumps the attempt counter
// before the upstream call so a permanently failing entity cannot
// hot-loop.
func (s *Store) IncrementRepositoryEnrichmentAttempts(ctx context.Context, id string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE repositories
		SET enrichment_attempts = enrichment_attempts + 1, updated_at = ?
		WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// MarkRepositoryEnriched flips the enrichment flag.
func (s *Store) MarkRepositoryEnriched(ctx context.Context, id string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE repositories SET is_enriched = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// SetRepositoryOwner explicitly links (or with nil, unlinks) the owner
// contributor. This is the one caller-requested NULL overwrite.
func (s *Store) SetRepositoryOwner(ctx context.Context, id string, ownerID *string, ownerGithubID *int64) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE repositories SET owner_id = ?, owner_github_id = ?, updated_at = ? WHERE id = ?`,
		ownerID, ownerGithubID, time.Now().UTC(), id)
	return err
}

// CountRepositories returns the repository count.
func (s *Store) CountRepositories(ctx context.Context) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext, &n, `SELECT COUNT(*) FROM repositories`)
	return n, err
}
