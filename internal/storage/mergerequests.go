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

// UpsertMergeRequest inserts or updates a merge request keyed on
// (repository github id, PR number) and returns the local id.
func (s *Store) UpsertMergeRequest(ctx context.Context, mr *models.MergeRequest) (string, error) {
	if mr.ID == "" {
		mr.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if mr.CreatedAt.IsZero() {
		mr.CreatedAt = now
	}
	mr.UpdatedAt = now
	if len(mr.Labels) == 0 {
		mr.Labels = models.JSONText("[]")
	}

	query := `
		INSERT INTO merge_requests (
			id, github_id, number, repository_id, repository_github_id,
			author_id, author_github_id, title, description, state, is_draft,
			opened_at, last_activity_at, closed_at, merged_at, merged_by,
			commits_count, additions, deletions, changed_files,
			reviews_count, comments_count, complexity_score,
			review_time_hours, cycle_time_hours, labels,
			source_branch, target_branch, is_enriched, created_at, updated_at
		) VALUES (
			:id, :github_id, :number, :repository_id, :repository_github_id,
			:author_id, :author_github_id, :title, :description, :state, :is_draft,
			:opened_at, :last_activity_at, :closed_at, :merged_at, :merged_by,
			:commits_count, :additions, :deletions, :changed_files,
			:reviews_count, :comments_count, :complexity_score,
			:review_time_hours, :cycle_time_hours, :labels,
			:source_branch, :target_branch, :is_enriched, :created_at, :updated_at
		)
		ON CONFLICT (repository_github_id, number) DO UPDATE SET
			title = excluded.title,
			description = COALESCE(excluded.description, description),
			state = excluded.state,
			is_draft = excluded.is_draft,
			last_activity_at = COALESCE(excluded.last_activity_at, last_activity_at),
			closed_at = COALESCE(excluded.closed_at, closed_at),
			merged_at = COALESCE(excluded.merged_at, merged_at),
			merged_by = COALESCE(excluded.merged_by, merged_by),
			commits_count = excluded.commits_count,
			additions = excluded.additions,
			deletions = excluded.deletions,
			changed_files = excluded.changed_files,
			reviews_count = MAX(reviews_count, excluded.reviews_count),
			comments_count = MAX(comments_count, excluded.comments_count),
			complexity_score = excluded.complexity_score,
			review_time_hours = COALESCE(excluded.review_time_hours, review_time_hours),
			cycle_time_hours = COALESCE(excluded.cycle_time_hours, cycle_time_hours),
			labels = excluded.labels,
			source_branch = excluded.source_branch,
			target_branch = excluded.target_branch,
			updated_at = excluded.updated_at
	`
	if _, err := sqlx.NamedExecContext(ctx, s.ext, query, mr); err != nil {
		return "", wrapConflict(fmt.Errorf("upsert merge request #%d: %w", mr.Number, err))
	}

	var id string
	err := sqlx.GetContext(ctx, s.ext, &id,
		`SELECT id FROM merge_requests WHERE repository_github_id = ? AND number = ?`,
		mr.RepositoryGithubID, mr.Number)
	if err != nil {
		return "", fmt.Errorf("resolve merge request id: %w", err)
	}
	mr.ID = id
	return id, nil
}

// GetMergeRequest looks up a merge request by its natural key.
func (s *Store) GetMergeRequest(ctx context.Context, repoGithubID int64, number int) (*models.MergeRequest, error) {
	var mr models.MergeRequest
	err := sqlx.GetContext(ctx, s.ext, &mr,
		`SELECT * FROM merge_requests WHERE repository_github_id = ? AND number = ?`,
		repoGithubID, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mr, nil
}

// ListMergeRequests pages merge requests in insertion order.
func (s *Store) ListMergeRequests(ctx context.Context, limit, offset int) ([]models.MergeRequest, error) {
	var mrs []models.MergeRequest
	err := sqlx.SelectContext(ctx, s.ext, &mrs,
		`SELECT * FROM merge_requests ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	return mrs, err
}

// ListUnenrichedMergeRequests returns merge requests still missing
// their commit detail pass.
func (s *Store) ListUnenrichedMergeRequests(ctx context.Context, limit int) ([]models.MergeRequest, error) {
	var mrs []models.MergeRequest
	err := sqlx.SelectContext(ctx, s.ext, &mrs, `
		SELECT * FROM merge_requests WHERE is_enriched = 0 ORDER BY opened_at LIMIT ?`, limit)
	return mrs, err
}

// MarkMergeRequestEnriched flips the enrichment flag.
func (s *Store) MarkMergeRequestEnriched(ctx context.Context, id string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE merge_requests SET is_enriched = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// MarkMergeRequestCommitsPending queues a merge request for the commit
// detail pass. Set inside the same transaction that upserts the row so
// a crash cannot lose the work item.
func (s *Store) MarkMergeRequestCommitsPending(ctx context.Context, id string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE merge_requests SET commits_synced = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// MarkMergeRequestCommitsSynced records that the commit detail pass
// finished for a merge request.
func (s *Store) MarkMergeRequestCommitsSynced(ctx context.Context, id string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE merge_requests SET commits_synced = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// ListMergeRequestsPendingCommitSync returns merge requests whose
// commits have not been fetched yet, joined with the repository name
// the upstream calls need.
func (s *Store) ListMergeRequestsPendingCommitSync(ctx context.Context, limit int) ([]models.CommitSyncTask, error) {
	var tasks []models.CommitSyncTask
	err := sqlx.SelectContext(ctx, s.ext, &tasks, `
		SELECT mr.id AS merge_request_id, mr.github_id, mr.number,
			mr.repository_id, mr.repository_github_id AS repo_github_id,
			r.full_name AS repo_full_name
		FROM merge_requests mr
		JOIN repositories r ON r.id = mr.repository_id
		WHERE mr.commits_synced = 0
		ORDER BY mr.opened_at, mr.id
		LIMIT ?`, limit)
	return tasks, err
}

// CountMergeRequests returns the merge request count.
func (s *Store) CountMergeRequests(ctx context.Context) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext, &n, `SELECT COUNT(*) FROM merge_requests`)
	return n, err
}
