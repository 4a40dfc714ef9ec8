package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gitpulse/gitpulse/internal/githubclient"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// EnrichmentProcessor fills the extended fields minimal rows were
// created without. Each entity's attempt counter is bumped before the
// upstream call so a permanently missing entity cannot hot-loop; after
// MaxAttempts it is ignored until an operator resets the counter.
type EnrichmentProcessor struct {
	Store  *storage.Store
	Client Upstream

	MaxAttempts      int
	BatchSize        int
	TopLanguages     int
	FailureThreshold float64
}

func (p *EnrichmentProcessor) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

func (p *EnrichmentProcessor) batchSize() int {
	if p.BatchSize <= 0 {
		return 50
	}
	return p.BatchSize
}

func (p *EnrichmentProcessor) topLanguages() int {
	if p.TopLanguages <= 0 {
		return 5
	}
	return p.TopLanguages
}

// EnrichContributors fetches full profiles for placeholder and
// minimally stored contributors: bio, followers, organizations, and
// top languages aggregated from owned repositories.
func (p *EnrichmentProcessor) EnrichContributors(ctx context.Context, rc *pipeline.RunContext) error {
	batch, err := p.Store.ListUnenrichedContributors(ctx, p.maxAttempts(), p.batchSize())
	if err != nil {
		return err
	}
	outcome := &Outcome{}
	for _, c := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.enrichContributor(ctx, c, outcome); err != nil {
			return err
		}
	}
	rc.AddProcessed(outcome.Processed)
	rc.Logger.WithFields(map[string]interface{}{
		"processed": outcome.Processed,
		"skipped":   outcome.Skipped,
		"failed":    outcome.Failed,
	}).Info("contributor enrichment done")
	return outcome.Finalize(rc, p.FailureThreshold)
}

func (p *EnrichmentProcessor) enrichContributor(ctx context.Context, c models.Contributor, outcome *Outcome) error {
	if err := p.Store.IncrementContributorEnrichmentAttempts(ctx, c.ID); err != nil {
		return err
	}

	user, err := p.Client.GetUserByID(ctx, c.GithubID)
	if err != nil {
		if githubclient.IsNotFound(err) {
			// Deleted account; attempts already counted.
			outcome.Skip(fmt.Errorf("contributor %d gone upstream", c.GithubID))
			return nil
		}
		outcome.Fail(fmt.Errorf("fetch user %d: %w", c.GithubID, err))
		return nil
	}

	enriched := contributorFromProfile(user)
	enriched.ID = c.ID

	if login := user.GetLogin(); login != "" {
		langs, orgs := p.profileExtras(ctx, login)
		enriched.TopLanguages = langs
		enriched.Organizations = orgs
	}

	err = p.Store.WithTx(ctx, func(tx *storage.Store) error {
		if _, err := tx.UpsertContributor(ctx, enriched); err != nil {
			return err
		}
		if err := tx.UpdateContributorAggregates(ctx, c.ID); err != nil {
			return err
		}
		return tx.MarkContributorEnriched(ctx, c.ID)
	})
	if err != nil {
		outcome.Fail(fmt.Errorf("persist contributor %d: %w", c.GithubID, err))
		return nil
	}
	outcome.Processed++
	return nil
}

// profileExtras aggregates top languages from owned repositories and
// collects organization logins. Failures here degrade to empty arrays;
// the profile itself is still worth keeping.
func (p *EnrichmentProcessor) profileExtras(ctx context.Context, login string) (models.JSONText, models.JSONText) {
	langCounts := map[string]int{}
	page := 1
	for page != 0 && page <= 2 {
		repos, next, err := p.Client.ListUserRepositories(ctx, login, page)
		if err != nil {
			break
		}
		for _, r := range repos {
			if lang := r.GetLanguage(); lang != "" {
				langCounts[lang]++
			}
		}
		page = next
	}
	langs := make([]string, 0, len(langCounts))
	for lang := range langCounts {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool {
		if langCounts[langs[i]] != langCounts[langs[j]] {
			return langCounts[langs[i]] > langCounts[langs[j]]
		}
		return langs[i] < langs[j]
	})
	if len(langs) > p.topLanguages() {
		langs = langs[:p.topLanguages()]
	}

	var orgNames []string
	if orgs, _, err := p.Client.ListUserOrganizations(ctx, login, 1); err == nil {
		for _, org := range orgs {
			if l := org.GetLogin(); l != "" {
				orgNames = append(orgNames, l)
			}
		}
	}
	return mustJSONArray(langs), mustJSONArray(orgNames)
}

// EnrichRepositories re-fetches repository details for rows inserted
// minimally (e.g. from a PR's base record) and resolves missing owners.
func (p *EnrichmentProcessor) EnrichRepositories(ctx context.Context, rc *pipeline.RunContext) error {
	batch, err := p.Store.ListUnenrichedRepositories(ctx, p.maxAttempts(), p.batchSize())
	if err != nil {
		return err
	}
	outcome := &Outcome{}
	for _, repo := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.enrichRepository(ctx, repo, outcome); err != nil {
			return err
		}
	}
	rc.AddProcessed(outcome.Processed)
	rc.Logger.WithFields(map[string]interface{}{
		"processed": outcome.Processed,
		"skipped":   outcome.Skipped,
		"failed":    outcome.Failed,
	}).Info("repository enrichment done")
	return outcome.Finalize(rc, p.FailureThreshold)
}

func (p *EnrichmentProcessor) enrichRepository(ctx context.Context, repo models.Repository, outcome *Outcome) error {
	owner, name, ok := splitFullName(repo.FullName)
	if !ok {
		outcome.Skip(fmt.Errorf("repository %d: malformed full name %q", repo.GithubID, repo.FullName))
		return nil
	}
	if err := p.Store.IncrementRepositoryEnrichmentAttempts(ctx, repo.ID); err != nil {
		return err
	}

	gr, err := p.Client.GetRepository(ctx, owner, name)
	if err != nil {
		if githubclient.IsNotFound(err) {
			outcome.Skip(fmt.Errorf("repository %s gone upstream", repo.FullName))
			return nil
		}
		outcome.Fail(fmt.Errorf("fetch repository %s: %w", repo.FullName, err))
		return nil
	}

	err = p.Store.WithTx(ctx, func(tx *storage.Store) error {
		fresh := repositoryFromUpstream(gr)
		fresh.ActivityLevel = repo.ActivityLevel
		if fresh.ActivityLevel == "" {
			fresh.ActivityLevel = models.ActivityLow
		}
		if repo.OwnerID == nil {
			if upstreamOwner := gr.GetOwner(); upstreamOwner.GetID() != 0 {
				ownerID, err := resolveContributor(ctx, tx, upstreamOwner)
				if err != nil {
					return err
				}
				fresh.OwnerID = &ownerID
			}
		}
		if _, err := tx.UpsertRepository(ctx, fresh); err != nil {
			return err
		}
		return tx.MarkRepositoryEnriched(ctx, repo.ID)
	})
	if err != nil {
		outcome.Fail(fmt.Errorf("persist repository %s: %w", repo.FullName, err))
		return nil
	}
	outcome.Processed++
	return nil
}

// EnrichMergeRequests fetches the detail record (counters) and the
// review list (review latency) for merge requests the list payload
// created minimally.
func (p *EnrichmentProcessor) EnrichMergeRequests(ctx context.Context, rc *pipeline.RunContext) error {
	batch, err := p.Store.ListUnenrichedMergeRequests(ctx, p.batchSize())
	if err != nil {
		return err
	}
	outcome := &Outcome{}
	for _, mr := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.enrichMergeRequest(ctx, mr, outcome); err != nil {
			return err
		}
	}
	rc.AddProcessed(outcome.Processed)
	rc.Logger.WithFields(map[string]interface{}{
		"processed": outcome.Processed,
		"skipped":   outcome.Skipped,
		"failed":    outcome.Failed,
	}).Info("merge request enrichment done")
	return outcome.Finalize(rc, p.FailureThreshold)
}

func (p *EnrichmentProcessor) enrichMergeRequest(ctx context.Context, mr models.MergeRequest, outcome *Outcome) error {
	repo, err := p.Store.GetRepositoryByGithubID(ctx, mr.RepositoryGithubID)
	if err != nil {
		outcome.Fail(fmt.Errorf("merge request #%d: repository %d missing: %w", mr.Number, mr.RepositoryGithubID, err))
		return nil
	}
	owner, name, ok := splitFullName(repo.FullName)
	if !ok {
		outcome.Skip(fmt.Errorf("repository %d: malformed full name %q", repo.GithubID, repo.FullName))
		return nil
	}

	detail, err := p.Client.GetPullRequest(ctx, owner, name, mr.Number)
	if err != nil {
		if githubclient.IsNotFound(err) {
			outcome.Skip(fmt.Errorf("merge request #%d gone upstream", mr.Number))
			return nil
		}
		outcome.Fail(fmt.Errorf("fetch pr #%d: %w", mr.Number, err))
		return nil
	}

	reviews, firstReviewAt, err := p.fetchReviews(ctx, owner, name, mr.Number)
	if err != nil {
		outcome.Fail(fmt.Errorf("fetch reviews for pr #%d: %w", mr.Number, err))
		return nil
	}

	err = p.Store.WithTx(ctx, func(tx *storage.Store) error {
		fresh := mergeRequestFromUpstream(detail)
		fresh.RepositoryID = mr.RepositoryID
		fresh.AuthorID = mr.AuthorID
		fresh.ReviewsCount = reviews
		if firstReviewAt != nil {
			fresh.ReviewTimeHours = hoursBetween(fresh.OpenedAt, *firstReviewAt)
		}
		if _, err := tx.UpsertMergeRequest(ctx, fresh); err != nil {
			return err
		}
		if err := tx.MarkMergeRequestEnriched(ctx, mr.ID); err != nil {
			return err
		}
		return tx.UpdateContributorAggregates(ctx, mr.AuthorID)
	})
	if err != nil {
		outcome.Fail(fmt.Errorf("persist pr #%d: %w", mr.Number, err))
		return nil
	}
	outcome.Processed++
	return nil
}

// fetchReviews pages the review list, returning the count and the
// earliest submission time.
func (p *EnrichmentProcessor) fetchReviews(ctx context.Context, owner, name string, number int) (int, *time.Time, error) {
	var count int
	var first *time.Time
	page := 1
	for page != 0 {
		reviews, next, err := p.Client.ListPullRequestReviews(ctx, owner, name, number, page)
		if err != nil {
			if githubclient.IsNotFound(err) {
				return 0, nil, nil
			}
			return 0, nil, err
		}
		count += len(reviews)
		for _, review := range reviews {
			submitted := timep(review.SubmittedAt)
			if submitted == nil {
				continue
			}
			if first == nil || submitted.Before(*first) {
				first = submitted
			}
		}
		page = next
	}
	return count, first, nil
}

func mustJSONArray(items []string) models.JSONText {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return models.JSONText("[]")
	}
	return models.JSONText(b)
}
