package processors

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// RankingWeights is the configured weighted sum over the component
// scores. Weights need not sum to 1; the total is normalized by their
// sum.
type RankingWeights struct {
	CodeVolume          float64 `mapstructure:"code_volume"`
	CodeEfficiency      float64 `mapstructure:"code_efficiency"`
	CommitImpact        float64 `mapstructure:"commit_impact"`
	Collaboration       float64 `mapstructure:"collaboration"`
	RepoPopularity      float64 `mapstructure:"repo_popularity"`
	RepoInfluence       float64 `mapstructure:"repo_influence"`
	Followers           float64 `mapstructure:"followers"`
	ProfileCompleteness float64 `mapstructure:"profile_completeness"`
}

// DefaultRankingWeights emphasize produced work over profile polish.
func DefaultRankingWeights() RankingWeights {
	return RankingWeights{
		CodeVolume:          0.20,
		CodeEfficiency:      0.10,
		CommitImpact:        0.20,
		Collaboration:       0.15,
		RepoPopularity:      0.10,
		RepoInfluence:       0.15,
		Followers:           0.05,
		ProfileCompleteness: 0.05,
	}
}

// Sum is the normalization denominator for the weighted total.
func (w RankingWeights) Sum() float64 {
	return w.CodeVolume + w.CodeEfficiency + w.CommitImpact + w.Collaboration +
		w.RepoPopularity + w.RepoInfluence + w.Followers + w.ProfileCompleteness
}

// RankingProcessor scores every contributor with at least one
// contribution. Components are normalized to [0,100] by percentile rank
// across the population, so scores are relative, not absolute.
type RankingProcessor struct {
	Store   *storage.Store
	Weights RankingWeights
}

// profileFieldCount is how many profile columns completeness is scored
// over.
const profileFieldCount = 7

// Run computes one append-only ranking snapshot.
func (p *RankingProcessor) Run(ctx context.Context, rc *pipeline.RunContext) error {
	metrics, err := p.Store.ListRankingMetrics(ctx)
	if err != nil {
		return err
	}
	if len(metrics) == 0 {
		rc.Logger.Info("ranking stage: no active contributors")
		return nil
	}

	weights := p.Weights
	if weights.Sum() == 0 {
		weights = DefaultRankingWeights()
	}

	rankings := p.score(metrics, weights, time.Now().UTC())

	if err := p.Store.InsertRankings(ctx, rankings); err != nil {
		return err
	}
	for _, r := range rankings {
		if err := p.Store.SetContributorImpactScore(ctx, r.ContributorID, r.TotalScore); err != nil {
			return err
		}
	}

	rc.AddProcessed(len(rankings))
	rc.Logger.WithField("contributors", len(rankings)).Info("ranking stage done")
	return nil
}

func (p *RankingProcessor) score(metrics []models.RankingMetrics, weights RankingWeights, now time.Time) []models.ContributorRanking {
	n := len(metrics)

	volume := make([]float64, n)
	efficiency := make([]float64, n)
	impact := make([]float64, n)
	collaboration := make([]float64, n)
	popularity := make([]float64, n)
	influence := make([]float64, n)
	followers := make([]float64, n)

	for i, m := range metrics {
		lines := float64(m.LinesAdded + m.LinesRemoved)
		volume[i] = lines
		efficiency[i] = linesPerCommit(lines, m.CommitsCount)
		impact[i] = m.AvgCommitComplexity * math.Log(float64(m.FilesTouched+1))
		collaboration[i] = float64(m.ReviewsCount)
		popularity[i] = math.Log(float64(m.StarsSum + 1))
		influence[i] = m.InfluenceRaw
		followers[i] = math.Log(float64(m.Followers + 1))
	}

	volumeP := percentileRanks(volume)
	efficiencyP := percentileRanks(efficiency)
	impactP := percentileRanks(impact)
	collaborationP := percentileRanks(collaboration)
	popularityP := percentileRanks(popularity)
	influenceP := percentileRanks(influence)
	followersP := percentileRanks(followers)

	rankings := make([]models.ContributorRanking, n)
	weightSum := weights.Sum()
	for i, m := range metrics {
		// Completeness is an absolute ratio, not a percentile: a fully
		// filled profile scores 100 even if everyone else's is too.
		completeness := 100 * float64(m.ProfileFields) / profileFieldCount

		r := models.ContributorRanking{
			ContributorID:            m.ContributorID,
			CodeVolumeScore:          volumeP[i],
			CodeEfficiencyScore:      efficiencyP[i],
			CommitImpactScore:        impactP[i],
			CollaborationScore:       collaborationP[i],
			RepoPopularityScore:      popularityP[i],
			RepoInfluenceScore:       influenceP[i],
			FollowersScore:           followersP[i],
			ProfileCompletenessScore: completeness,
			CalculatedAt:             now,
		}
		r.TotalScore = (r.CodeVolumeScore*weights.CodeVolume +
			r.CodeEfficiencyScore*weights.CodeEfficiency +
			r.CommitImpactScore*weights.CommitImpact +
			r.CollaborationScore*weights.Collaboration +
			r.RepoPopularityScore*weights.RepoPopularity +
			r.RepoInfluenceScore*weights.RepoInfluence +
			r.FollowersScore*weights.Followers +
			r.ProfileCompletenessScore*weights.ProfileCompleteness) / weightSum

		if raw, err := json.Marshal(m); err == nil {
			r.RawMetrics = models.JSONText(raw)
		}
		rankings[i] = r
	}

	// Rank positions by total score, best first. Ties share insertion
	// order, which is stable on contributor id.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return rankings[order[a]].TotalScore > rankings[order[b]].TotalScore
	})
	for pos, idx := range order {
		rankings[idx].RankPosition = pos + 1
	}
	return rankings
}

// linesPerCommit inverts pathological churn: enormous line counts per
// commit score lower, moderate focused commits score higher.
func linesPerCommit(lines float64, commits int) float64 {
	if commits == 0 {
		return 0
	}
	perCommit := lines / float64(commits)
	if perCommit <= 0 {
		return 0
	}
	// Peak around a few hundred lines per commit, decaying either side.
	return perCommit * math.Exp(-perCommit/400)
}

// percentileRanks maps values to [0,100] by their percentile in the
// population. Equal values share the same rank.
func percentileRanks(values []float64) []float64 {
	n := len(values)
	if n == 1 {
		return []float64{100}
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	ranks := make([]float64, n)
	i := 0
	for i < n {
		j := i
		for j+1 < n && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		// Everything in the tie gets the lowest position of the group.
		rank := 100 * float64(i) / float64(n-1)
		for k := i; k <= j; k++ {
			ranks[idx[k]] = rank
		}
		i = j + 1
	}
	return ranks
}
