package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/models"
)

func TestETagRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveETag(ctx, &models.ETagEntry{
		ResourceKey:  "GET /repos/acme/widget",
		ETag:         `"abc"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
		Body:         []byte(`{"id": 100}`),
	}))
	// Same key replaces, never duplicates.
	require.NoError(t, store.SaveETag(ctx, &models.ETagEntry{
		ResourceKey: "GET /repos/acme/widget",
		ETag:        `"def"`,
		Body:        []byte(`{"id": 100, "stars": 5}`),
	}))

	entries, err := store.LoadETags(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `"def"`, entries[0].ETag)
	assert.JSONEq(t, `{"id": 100, "stars": 5}`, string(entries[0].Body))

	require.NoError(t, store.DeleteETag(ctx, "GET /repos/acme/widget"))
	entries, err = store.LoadETags(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Deleting an absent key is a no-op.
	assert.NoError(t, store.DeleteETag(ctx, "GET /repos/acme/gone"))
}
