package processors

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/models"
)

func enqueueJSON(t *testing.T, store interface {
	EnqueueRaw(ctx context.Context, kind string, payload json.RawMessage) (int64, error)
}, kind string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = store.EnqueueRaw(context.Background(), kind, payload)
	require.NoError(t, err)
}

func TestRepositoryProcessorFreshIngest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	enqueueJSON(t, store, models.RawKindRepository, &github.Repository{
		ID:              github.Int64(100),
		FullName:        github.String("acme/widget"),
		Name:            github.String("widget"),
		StargazersCount: github.Int(42),
		Owner:           &github.User{ID: github.Int64(200)},
	})

	p := &RepositoryProcessor{Store: store, FailureThreshold: 0.1}
	rc := newRunCtx(t, "repo-sync")
	require.NoError(t, p.Run(ctx, rc))

	repo, err := store.GetRepositoryByGithubID(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "acme/widget", repo.FullName)
	assert.Equal(t, 42, repo.Stars)
	require.NotNil(t, repo.OwnerID)

	owner, err := store.GetContributorByGithubID(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, *repo.OwnerID, owner.ID)
	assert.True(t, owner.IsPlaceholder)
	assert.Nil(t, owner.Username)
	assert.False(t, owner.IsEnriched)

	// Buffer drained.
	depth, err := store.RawDepth(ctx, models.RawKindRepository)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Equal(t, 1, rc.Processed())
}

func TestRepositoryProcessorIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	payload := &github.Repository{
		ID:              github.Int64(100),
		FullName:        github.String("acme/widget"),
		Name:            github.String("widget"),
		Description:     github.String("a widget"),
		StargazersCount: github.Int(42),
	}

	p := &RepositoryProcessor{Store: store}
	for i := 0; i < 2; i++ {
		enqueueJSON(t, store, models.RawKindRepository, payload)
		require.NoError(t, p.Run(ctx, newRunCtx(t, "repo-sync")))
	}

	repos, err := store.ListRepositories(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, 42, repos[0].Stars)
}

func TestRepositoryProcessorNullsPreserved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := &RepositoryProcessor{Store: store}

	enqueueJSON(t, store, models.RawKindRepository, &github.Repository{
		ID:          github.Int64(100),
		FullName:    github.String("acme/widget"),
		Name:        github.String("widget"),
		Description: github.String("a widget"),
		Language:    github.String("Go"),
	})
	require.NoError(t, p.Run(ctx, newRunCtx(t, "repo-sync")))

	// Second payload omits the optional fields.
	enqueueJSON(t, store, models.RawKindRepository, &github.Repository{
		ID:       github.Int64(100),
		FullName: github.String("acme/widget"),
		Name:     github.String("widget"),
	})
	require.NoError(t, p.Run(ctx, newRunCtx(t, "repo-sync")))

	repo, err := store.GetRepositoryByGithubID(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, repo.Description)
	assert.Equal(t, "a widget", *repo.Description)
	require.NotNil(t, repo.Language)
	assert.Equal(t, "Go", *repo.Language)
}

func TestRepositoryProcessorInvalidPayloadStaysUnprocessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.EnqueueRaw(ctx, models.RawKindRepository, json.RawMessage(`{"full_name": ""}`))
	require.NoError(t, err)
	enqueueJSON(t, store, models.RawKindRepository, &github.Repository{
		ID:       github.Int64(100),
		FullName: github.String("acme/widget"),
		Name:     github.String("widget"),
	})

	// Threshold 60%: one bad of two does not fail the stage.
	p := &RepositoryProcessor{Store: store, FailureThreshold: 0.6}
	rc := newRunCtx(t, "repo-sync")
	require.NoError(t, p.Run(ctx, rc))

	// The valid payload landed; the invalid one is retryable next run.
	_, err = store.GetRepositoryByGithubID(ctx, 100)
	require.NoError(t, err)
	depth, err := store.RawDepth(ctx, models.RawKindRepository)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// The bad payload still surfaces on the run, not just in the logs.
	n, first := rc.ItemFailures()
	assert.Equal(t, 1, n)
	require.Error(t, first)
	assert.Contains(t, first.Error(), "missing id or full name")
}

func TestRepositoryProcessorThresholdExceeded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.EnqueueRaw(ctx, models.RawKindRepository, json.RawMessage(`not json`))
	require.NoError(t, err)

	p := &RepositoryProcessor{Store: store, FailureThreshold: 0.1}
	err = p.Run(ctx, newRunCtx(t, "repo-sync"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure rate")
}

func TestRepositoryProcessorEmptyBufferNoOp(t *testing.T) {
	store := newTestStore(t)
	p := &RepositoryProcessor{Store: store}
	rc := newRunCtx(t, "repo-sync")
	require.NoError(t, p.Run(context.Background(), rc))
	assert.Zero(t, rc.Processed())
}
