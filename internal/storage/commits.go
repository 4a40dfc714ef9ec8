package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gitpulse/gitpulse/internal/models"
)

// UpsertCommit inserts or updates one file-grained commit row keyed on
// (sha, repository github id, filename) and returns the local id.
func (s *Store) UpsertCommit(ctx context.Context, c *models.Commit) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if len(c.ParentShas) == 0 {
		c.ParentShas = models.JSONText("[]")
	}

	query := `
		INSERT INTO commits (
			id, sha, repository_id, repository_github_id,
			contributor_id, contributor_github_id,
			merge_request_id, merge_request_github_id,
			message, committed_at, parent_shas, filename, file_status,
			additions, deletions, patch, complexity_score,
			is_merge_commit, is_enriched, created_at, updated_at
		) VALUES (
			:id, :sha, :repository_id, :repository_github_id,
			:contributor_id, :contributor_github_id,
			:merge_request_id, :merge_request_github_id,
			:message, :committed_at, :parent_shas, :filename, :file_status,
			:additions, :deletions, :patch, :complexity_score,
			:is_merge_commit, :is_enriched, :created_at, :updated_at
		)
		ON CONFLICT (sha, repository_github_id, filename) DO UPDATE SET
			contributor_id = COALESCE(excluded.contributor_id, contributor_id),
			contributor_github_id = COALESCE(excluded.contributor_github_id, contributor_github_id),
			merge_request_id = COALESCE(excluded.merge_request_id, merge_request_id),
			merge_request_github_id = COALESCE(excluded.merge_request_github_id, merge_request_github_id),
			message = excluded.message,
			committed_at = COALESCE(excluded.committed_at, committed_at),
			parent_shas = excluded.parent_shas,
			file_status = excluded.file_status,
			additions = excluded.additions,
			deletions = excluded.deletions,
			patch = COALESCE(excluded.patch, patch),
			complexity_score = excluded.complexity_score,
			is_merge_commit = excluded.is_merge_commit,
			updated_at = excluded.updated_at
	`
	if _, err := sqlx.NamedExecContext(ctx, s.ext, query, c); err != nil {
		return "", wrapConflict(fmt.Errorf("upsert commit %s:%s: %w", shortSHA(c.SHA), c.Filename, err))
	}

	var id string
	err := sqlx.GetContext(ctx, s.ext, &id,
		`SELECT id FROM commits WHERE sha = ? AND repository_github_id = ? AND filename = ?`,
		c.SHA, c.RepositoryGithubID, c.Filename)
	if err != nil {
		return "", fmt.Errorf("resolve commit id: %w", err)
	}
	c.ID = id
	return id, nil
}

// ListCommitsBySHA returns every file row of a logical commit.
func (s *Store) ListCommitsBySHA(ctx context.Context, repoGithubID int64, sha string) ([]models.Commit, error) {
	var cs []models.Commit
	err := sqlx.SelectContext(ctx, s.ext, &cs,
		`SELECT * FROM commits WHERE repository_github_id = ? AND sha = ? ORDER BY filename`,
		repoGithubID, sha)
	return cs, err
}

// CountCommits counts logical commits, not file rows.
func (s *Store) CountCommits(ctx context.Context) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext, &n, `SELECT COUNT(DISTINCT sha) FROM commits`)
	return n, err
}

// CommitFrequency returns logical commits per repository within the
// window, used to classify repository activity.
func (s *Store) CommitFrequency(ctx context.Context, repositoryID string, since time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext, &n, `
		SELECT COUNT(DISTINCT sha) FROM commits
		WHERE repository_id = ? AND committed_at >= ?`, repositoryID, since)
	return n, err
}

// UpsertContributorRepository folds per-pair activity into the
// junction table, accumulating counters.
func (s *Store) UpsertContributorRepository(ctx context.Context, cr *models.ContributorRepository) error {
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	query := `
		INSERT INTO contributor_repositories (
			id, contributor_id, repository_id, commits_count, prs_opened,
			prs_merged, reviews_count, issues_opened, lines_added, lines_removed,
			first_contribution_at, last_contribution_at
		) VALUES (
			:id, :contributor_id, :repository_id, :commits_count, :prs_opened,
			:prs_merged, :reviews_count, :issues_opened, :lines_added, :lines_removed,
			:first_contribution_at, :last_contribution_at
		)
		ON CONFLICT (contributor_id, repository_id) DO UPDATE SET
			commits_count = commits_count + excluded.commits_count,
			prs_opened = prs_opened + excluded.prs_opened,
			prs_merged = prs_merged + excluded.prs_merged,
			reviews_count = reviews_count + excluded.reviews_count,
			issues_opened = issues_opened + excluded.issues_opened,
			lines_added = lines_added + excluded.lines_added,
			lines_removed = lines_removed + excluded.lines_removed,
			first_contribution_at = COALESCE(first_contribution_at, excluded.first_contribution_at),
			last_contribution_at = COALESCE(excluded.last_contribution_at, last_contribution_at)
	`
	_, err := sqlx.NamedExecContext(ctx, s.ext, query, cr)
	return wrapConflict(err)
}

// GetContributorRepositories returns the junction rows for one
// contributor.
func (s *Store) GetContributorRepositories(ctx context.Context, contributorID string) ([]models.ContributorRepository, error) {
	var crs []models.ContributorRepository
	err := sqlx.SelectContext(ctx, s.ext, &crs,
		`SELECT * FROM contributor_repositories WHERE contributor_id = ?`, contributorID)
	return crs, err
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
