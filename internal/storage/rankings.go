package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gitpulse/gitpulse/internal/models"
)

// InsertRankings appends one snapshot row per contributor. Previous
// snapshots stay for trend analysis, so this is a plain insert inside
// a transaction.
func (s *Store) InsertRankings(ctx context.Context, rankings []models.ContributorRanking) error {
	if len(rankings) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *Store) error {
		query := `
			INSERT INTO contributor_rankings (
				id, contributor_id, total_score,
				code_volume_score, code_efficiency_score, commit_impact_score,
				collaboration_score, repo_popularity_score, repo_influence_score,
				followers_score, profile_completeness_score,
				raw_metrics, rank_position, calculated_at
			) VALUES (
				:id, :contributor_id, :total_score,
				:code_volume_score, :code_efficiency_score, :commit_impact_score,
				:collaboration_score, :repo_popularity_score, :repo_influence_score,
				:followers_score, :profile_completeness_score,
				:raw_metrics, :rank_position, :calculated_at
			)`
		for i := range rankings {
			r := &rankings[i]
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			if len(r.RawMetrics) == 0 {
				r.RawMetrics = models.JSONText("{}")
			}
			if _, err := sqlx.NamedExecContext(ctx, tx.ext, query, r); err != nil {
				return wrapConflict(err)
			}
		}
		return nil
	})
}

// LatestRanking returns the most recent snapshot for a contributor.
func (s *Store) LatestRanking(ctx context.Context, contributorID string) (*models.ContributorRanking, error) {
	var r models.ContributorRanking
	err := sqlx.GetContext(ctx, s.ext, &r, `
		SELECT * FROM contributor_rankings
		WHERE contributor_id = ?
		ORDER BY calculated_at DESC LIMIT 1`, contributorID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &r, nil
}

// ListRankingMetrics aggregates the raw scoring inputs for every
// contributor with at least one contribution. The heavy lifting stays
// in SQL; the ranking processor only normalizes and weighs.
func (s *Store) ListRankingMetrics(ctx context.Context) ([]models.RankingMetrics, error) {
	var metrics []models.RankingMetrics
	err := sqlx.SelectContext(ctx, s.ext, &metrics, `
		SELECT
			c.id AS contributor_id,
			c.followers,
			c.reviews_count,
			(c.name IS NOT NULL) + (c.bio IS NOT NULL) + (c.company IS NOT NULL) +
			(c.blog IS NOT NULL) + (c.location IS NOT NULL) + (c.twitter IS NOT NULL) +
			(c.avatar_url IS NOT NULL) AS profile_fields,
			COALESCE(SUM(cr.lines_added), 0) AS lines_added,
			COALESCE(SUM(cr.lines_removed), 0) AS lines_removed,
			COALESCE(SUM(cr.commits_count), 0) AS commits_count,
			COALESCE(SUM(r.stars), 0) AS stars_sum,
			COALESCE(SUM(CAST(cr.commits_count AS REAL) / NULLIF(rt.total, 0) * r.stars), 0) AS influence_raw,
			COALESCE(AVG(cm.avg_complexity), 0) AS avg_commit_complexity,
			COALESCE(SUM(cm.files), 0) AS files_touched
		FROM contributors c
		JOIN contributor_repositories cr ON cr.contributor_id = c.id
		JOIN repositories r ON r.id = cr.repository_id
		JOIN (
			SELECT repository_id, SUM(commits_count) AS total
			FROM contributor_repositories GROUP BY repository_id
		) rt ON rt.repository_id = cr.repository_id
		LEFT JOIN (
			SELECT contributor_id, repository_id,
				AVG(complexity_score) AS avg_complexity, COUNT(*) AS files
			FROM commits GROUP BY contributor_id, repository_id
		) cm ON cm.contributor_id = c.id AND cm.repository_id = cr.repository_id
		GROUP BY c.id
		ORDER BY c.id`)
	return metrics, err
}

// CountRankings returns the total snapshot rows.
func (s *Store) CountRankings(ctx context.Context) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext, &n, `SELECT COUNT(*) FROM contributor_rankings`)
	return n, err
}

// PruneRankings deletes snapshots older than the cutoff. Retention is
// an operator decision; nothing calls this on a schedule.
func (s *Store) PruneRankings(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.ext.ExecContext(ctx,
		`DELETE FROM contributor_rankings WHERE calculated_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
