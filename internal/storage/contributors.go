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

// UpsertContributor inserts or updates a contributor keyed on
// github_id and returns the local id. A placeholder row never clobbers
// a real one: is_placeholder only ever transitions true -> false, and
// nullable profile fields keep their values when the input is NULL.
// The follower and repo counters overwrite only when the input is a
// full profile (is_enriched set); sparse reference rows carry zeros
// there and can only raise the stored values.
func (s *Store) UpsertContributor(ctx context.Context, c *models.Contributor) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if len(c.TopLanguages) == 0 {
		c.TopLanguages = models.JSONText("[]")
	}
	if len(c.Organizations) == 0 {
		c.Organizations = models.JSONText("[]")
	}

	query := `
		INSERT INTO contributors (
			id, github_id, username, name, avatar_url, bio, company, blog,
			location, twitter, followers, public_repos, impact_score, role,
			top_languages, organizations, first_contribution_at, last_contribution_at,
			commits_count, merged_prs_count, rejected_prs_count, reviews_count,
			is_placeholder, is_bot, is_enriched, enrichment_attempts,
			created_at, updated_at
		) VALUES (
			:id, :github_id, :username, :name, :avatar_url, :bio, :company, :blog,
			:location, :twitter, :followers, :public_repos, :impact_score, :role,
			:top_languages, :organizations, :first_contribution_at, :last_contribution_at,
			:commits_count, :merged_prs_count, :rejected_prs_count, :reviews_count,
			:is_placeholder, :is_bot, :is_enriched, :enrichment_attempts,
			:created_at, :updated_at
		)
		ON CONFLICT (github_id) DO UPDATE SET
			username = COALESCE(excluded.username, username),
			name = COALESCE(excluded.name, name),
			avatar_url = COALESCE(excluded.avatar_url, avatar_url),
			bio = COALESCE(excluded.bio, bio),
			company = COALESCE(excluded.company, company),
			blog = COALESCE(excluded.blog, blog),
			location = COALESCE(excluded.location, location),
			twitter = COALESCE(excluded.twitter, twitter),
			followers = CASE WHEN excluded.is_enriched
				THEN excluded.followers
				ELSE MAX(followers, excluded.followers) END,
			public_repos = CASE WHEN excluded.is_enriched
				THEN excluded.public_repos
				ELSE MAX(public_repos, excluded.public_repos) END,
			is_placeholder = is_placeholder AND excluded.is_placeholder,
			is_bot = is_bot OR excluded.is_bot,
			is_enriched = is_enriched OR excluded.is_enriched,
			first_contribution_at = COALESCE(first_contribution_at, excluded.first_contribution_at),
			last_contribution_at = COALESCE(excluded.last_contribution_at, last_contribution_at),
			updated_at = excluded.updated_at
	`
	if _, err := sqlx.NamedExecContext(ctx, s.ext, query, c); err != nil {
		return "", wrapConflict(fmt.Errorf("upsert contributor %d: %w", c.GithubID, err))
	}

	var id string
	err := sqlx.GetContext(ctx, s.ext, &id,
		`SELECT id FROM contributors WHERE github_id = ?`, c.GithubID)
	if err != nil {
		return "", fmt.Errorf("resolve contributor id: %w", err)
	}
	c.ID = id
	return id, nil
}

// GetContributorByGithubID looks up a contributor by its upstream id.
func (s *Store) GetContributorByGithubID(ctx context.Context, githubID int64) (*models.Contributor, error) {
	var c models.Contributor
	err := sqlx.GetContext(ctx, s.ext, &c,
		`SELECT * FROM contributors WHERE github_id = ?`, githubID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContributorByUsername looks up a contributor by login.
func (s *Store) GetContributorByUsername(ctx context.Context, username string) (*models.Contributor, error) {
	var c models.Contributor
	err := sqlx.GetContext(ctx, s.ext, &c,
		`SELECT * FROM contributors WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContributors pages contributors in insertion order.
func (s *Store) ListContributors(ctx context.Context, limit, offset int) ([]models.Contributor, error) {
	var cs []models.Contributor
	err := sqlx.SelectContext(ctx, s.ext, &cs,
		`SELECT * FROM contributors ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	return cs, err
}

// ListUnenrichedContributors returns contributors awaiting enrichment,
// skipping any past the attempt cap.
func (s *Store) ListUnenrichedContributors(ctx context.Context, maxAttempts, limit int) ([]models.Contributor, error) {
	var cs []models.Contributor
	err := sqlx.SelectContext(ctx, s.ext, &cs, `
		SELECT * FROM contributors
		WHERE is_enriched = 0 AND enrichment_attempts < ?
		ORDER BY updated_at LIMIT ?`, maxAttempts, limit)
	return cs, err
}

// ListActiveContributors returns contributors with at least one
// recorded contribution, for ranking.
func (s *Store) ListActiveContributors(ctx context.Context) ([]models.Contributor, error) {
	var cs []models.Contributor
	err := sqlx.SelectContext(ctx, s.ext, &cs, `
		SELECT c.* FROM contributors c
		WHERE EXISTS (SELECT 1 FROM contributor_repositories cr WHERE cr.contributor_id = c.id)
		ORDER BY c.created_at, c.id`)
	return cs, err
}

// IncrementContributorEnrichmentAttempts bumps the attempt counter.
func (s *Store) IncrementContributorEnrichmentAttempts(ctx context.Context, id string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE contributors
		SET enrichment_attempts = enrichment_attempts + 1, updated_at = ?
		WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// ResetEnrichmentAttempts zeroes the counter for every row of the
// given entity kind ("contributors" or "repositories"). Exposed to the
// control API for manual resets.
func (s *Store) ResetEnrichmentAttempts(ctx context.Context, entityKind string) (int64, error) {
	switch entityKind {
	case "contributors", "repositories":
	default:
		return 0, fmt.Errorf("unknown entity kind %q", entityKind)
	}
	res, err := s.ext.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET enrichment_attempts = 0, updated_at = ? WHERE enrichment_attempts > 0`,
		entityKind), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkContributorEnriched flips the enrichment flag and clears the
// placeholder state in one statement.
func (s *Store) MarkContributorEnriched(ctx context.Context, id string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE contributors SET is_enriched = 1, is_placeholder = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// MergeContributors folds duplicate into canonical and repoints every
// foreign key, all in one transaction. Used when a placeholder and a
// real record surface with the same upstream identity under different
// local ids.
func (s *Store) MergeContributors(ctx context.Context, canonicalID, duplicateID string) error {
	if canonicalID == duplicateID {
		return nil
	}
	return s.WithTx(ctx, func(tx *Store) error {
		stmts := []string{
			`UPDATE merge_requests SET author_id = ? WHERE author_id = ?`,
			`UPDATE commits SET contributor_id = ? WHERE contributor_id = ?`,
			`UPDATE repositories SET owner_id = ? WHERE owner_id = ?`,
			`UPDATE contributor_rankings SET contributor_id = ? WHERE contributor_id = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ext.ExecContext(ctx, q, canonicalID, duplicateID); err != nil {
				return fmt.Errorf("repoint fk: %w", err)
			}
		}
		// The junction table has a uniqueness constraint per pair, so
		// fold aggregates instead of repointing blindly.
		if _, err := tx.ext.ExecContext(ctx, `
			DELETE FROM contributor_repositories WHERE contributor_id = ?
			AND repository_id IN (SELECT repository_id FROM contributor_repositories WHERE contributor_id = ?)`,
			duplicateID, canonicalID); err != nil {
			return err
		}
		if _, err := tx.ext.ExecContext(ctx,
			`UPDATE contributor_repositories SET contributor_id = ? WHERE contributor_id = ?`,
			canonicalID, duplicateID); err != nil {
			return err
		}
		if _, err := tx.ext.ExecContext(ctx,
			`DELETE FROM contributors WHERE id = ?`, duplicateID); err != nil {
			return err
		}
		return nil
	})
}

// UpdateContributorAggregates recomputes the denormalized counters
// from commits and merge requests.
func (s *Store) UpdateContributorAggregates(ctx context.Context, id string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE contributors SET
			commits_count = (SELECT COUNT(DISTINCT sha) FROM commits WHERE contributor_id = ?),
			merged_prs_count = (SELECT COUNT(*) FROM merge_requests WHERE author_id = ? AND state = 'merged'),
			rejected_prs_count = (SELECT COUNT(*) FROM merge_requests WHERE author_id = ? AND state = 'closed'),
			updated_at = ?
		WHERE id = ?`, id, id, id, time.Now().UTC(), id)
	return err
}

// SetContributorImpactScore publishes the latest total ranking score
// onto the contributor row.
func (s *Store) SetContributorImpactScore(ctx context.Context, id string, score float64) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE contributors SET impact_score = ?, updated_at = ? WHERE id = ?`,
		score, time.Now().UTC(), id)
	return err
}

// CountContributors returns the contributor count.
func (s *Store) CountContributors(ctx context.Context) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext, &n, `SELECT COUNT(*) FROM contributors`)
	return n, err
}
