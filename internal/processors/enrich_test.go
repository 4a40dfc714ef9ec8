package processors

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/models"
)

func TestEnrichContributorPlaceholderBecomesReal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Placeholder author lands via a PR, as in normal ingestion.
	enqueueJSON(t, store, models.RawKindPullRequest, prPayload(9001, 7, 100, "acme/widget", 500))
	rc := newRunCtx(t, "enrichment")
	require.NoError(t, (&MergeRequestProcessor{Store: store}).Run(ctx, rc))

	placeholder, err := store.GetContributorByGithubID(ctx, 500)
	require.NoError(t, err)
	require.True(t, placeholder.IsPlaceholder)

	upstream := newFakeUpstream()
	upstream.users[500] = &github.User{
		ID:        github.Int64(500),
		Login:     github.String("alice"),
		Name:      github.String("Alice Smith"),
		Bio:       github.String("distributed systems"),
		Followers: github.Int(120),
	}
	upstream.userRepos["alice"] = []*github.Repository{
		{Language: github.String("Go")},
		{Language: github.String("Go")},
		{Language: github.String("Rust")},
	}
	upstream.orgs["alice"] = []*github.Organization{{Login: github.String("acme")}}

	p := &EnrichmentProcessor{Store: store, Client: upstream}
	require.NoError(t, p.EnrichContributors(ctx, rc))

	enriched, err := store.GetContributorByGithubID(ctx, 500)
	require.NoError(t, err)
	// Same row, updated in place: the PR's author FK still resolves.
	assert.Equal(t, placeholder.ID, enriched.ID)
	assert.False(t, enriched.IsPlaceholder)
	assert.True(t, enriched.IsEnriched)
	require.NotNil(t, enriched.Username)
	assert.Equal(t, "alice", *enriched.Username)
	assert.Equal(t, 120, enriched.Followers)
	assert.JSONEq(t, `["Go","Rust"]`, string(enriched.TopLanguages))
	assert.JSONEq(t, `["acme"]`, string(enriched.Organizations))
	assert.Equal(t, 1, enriched.EnrichmentAttempts)

	mr, err := store.GetMergeRequest(ctx, 100, 7)
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, mr.AuthorID)
}

func TestEnrichContributorGoneUpstreamCountsAttempt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	enqueueJSON(t, store, models.RawKindPullRequest, prPayload(9001, 7, 100, "acme/widget", 500))
	rc := newRunCtx(t, "enrichment")
	require.NoError(t, (&MergeRequestProcessor{Store: store}).Run(ctx, rc))

	p := &EnrichmentProcessor{Store: store, Client: newFakeUpstream(), MaxAttempts: 2, FailureThreshold: 1}
	require.NoError(t, p.EnrichContributors(ctx, rc))
	require.NoError(t, p.EnrichContributors(ctx, rc))

	c, err := store.GetContributorByGithubID(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, c.EnrichmentAttempts)
	assert.False(t, c.IsEnriched)

	// At the attempt cap the entity drops out of the batch.
	batch, err := store.ListUnenrichedContributors(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestEnrichMergeRequestDetailAndReviews(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	enqueueJSON(t, store, models.RawKindPullRequest, prPayload(9001, 7, 100, "acme/widget", 500))
	rc := newRunCtx(t, "enrichment")
	require.NoError(t, (&MergeRequestProcessor{Store: store}).Run(ctx, rc))

	opened := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	detail := prPayload(9001, 7, 100, "acme/widget", 500)
	detail.CreatedAt = &github.Timestamp{Time: opened}
	detail.Additions = github.Int(100)
	detail.Deletions = github.Int(20)
	detail.ChangedFiles = github.Int(4)
	detail.Commits = github.Int(3)
	detail.Comments = github.Int(5)

	upstream := newFakeUpstream()
	upstream.prDetails[7] = detail
	upstream.reviews[7] = []*github.PullRequestReview{
		{SubmittedAt: &github.Timestamp{Time: opened.Add(6 * time.Hour)}},
		{SubmittedAt: &github.Timestamp{Time: opened.Add(2 * time.Hour)}},
	}

	p := &EnrichmentProcessor{Store: store, Client: upstream}
	require.NoError(t, p.EnrichMergeRequests(ctx, rc))

	mr, err := store.GetMergeRequest(ctx, 100, 7)
	require.NoError(t, err)
	assert.True(t, mr.IsEnriched)
	assert.Equal(t, 4, mr.ChangedFiles)
	assert.Equal(t, 5, mr.CommentsCount)
	assert.Equal(t, 2, mr.ReviewsCount)
	require.NotNil(t, mr.ReviewTimeHours)
	assert.InDelta(t, 2.0, *mr.ReviewTimeHours, 0.001)
	assert.Greater(t, mr.ComplexityScore, 0.0)
}

func TestEnrichRepositoryResolvesOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Minimal repository row from a PR base record, no owner.
	enqueueJSON(t, store, models.RawKindPullRequest, prPayload(9001, 7, 100, "acme/widget", 500))
	rc := newRunCtx(t, "enrichment")
	require.NoError(t, (&MergeRequestProcessor{Store: store}).Run(ctx, rc))

	upstream := newFakeUpstream()
	upstream.repos["acme/widget"] = &github.Repository{
		ID:              github.Int64(100),
		FullName:        github.String("acme/widget"),
		Name:            github.String("widget"),
		StargazersCount: github.Int(42),
		Description:     github.String("a widget"),
		Owner:           &github.User{ID: github.Int64(200), Login: github.String("acme")},
	}

	p := &EnrichmentProcessor{Store: store, Client: upstream}
	require.NoError(t, p.EnrichRepositories(ctx, rc))

	repo, err := store.GetRepositoryByGithubID(ctx, 100)
	require.NoError(t, err)
	assert.True(t, repo.IsEnriched)
	assert.Equal(t, 42, repo.Stars)
	require.NotNil(t, repo.OwnerID)

	owner, err := store.GetContributorByGithubID(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, *repo.OwnerID, owner.ID)
	assert.False(t, owner.IsPlaceholder)
}
