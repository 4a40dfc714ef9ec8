package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestOpenMigratesAndVerifies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Every migration version is recorded as applied.
	var n int
	require.NoError(t, store.db.Get(&n,
		`SELECT COUNT(*) FROM schema_migrations WHERE success = 1`))
	assert.Equal(t, len(migrations), n)

	// Re-running is a no-op.
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.db.Get(&n, `SELECT COUNT(*) FROM schema_migrations`))
	assert.Equal(t, len(migrations), n)
}

func TestMigrationsSurviveReopen(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	path := filepath.Join(t.TempDir(), "reopen.db")

	store, err := Open(path, logger)
	require.NoError(t, err)
	_, err = store.UpsertRepository(context.Background(), &models.Repository{
		GithubID: 100, Name: "widget", FullName: "acme/widget",
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path, logger)
	require.NoError(t, err)
	defer store.Close()

	repo, err := store.GetRepositoryByGithubID(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "acme/widget", repo.FullName)
}

func TestVerifyCriticalSchemaDetectsMissingTable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, `DROP TABLE contributor_rankings`)
	require.NoError(t, err)

	err = store.VerifyCriticalSchema(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contributor_rankings")
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := store.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.UpsertRepository(ctx, &models.Repository{
			GithubID: 100, Name: "widget", FullName: "acme/widget",
		}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = store.GetRepositoryByGithubID(ctx, 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxCommits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx *Store) error {
		_, err := tx.UpsertRepository(ctx, &models.Repository{
			GithubID: 100, Name: "widget", FullName: "acme/widget",
		})
		return err
	}))

	repo, err := store.GetRepositoryByGithubID(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "widget", repo.Name)
}
