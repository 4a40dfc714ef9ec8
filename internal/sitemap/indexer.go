package sitemap

import (
	"context"
	"fmt"

	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// Indexable entity types. The external HTTP layer reads the metadata
// rows and emits the XML; the indexer only maintains the counts.
const (
	EntityRepositories  = "repositories"
	EntityContributors  = "contributors"
	EntityMergeRequests = "merge_requests"
)

// Indexer paginates each indexable entity type at a fixed page size and
// records the page count and URL total in sitemap metadata.
type Indexer struct {
	Store    *storage.Store
	PageSize int
}

func (ix *Indexer) pageSize() int {
	if ix.PageSize <= 0 {
		return 1000
	}
	return ix.PageSize
}

// Run refreshes the metadata for every entity type.
func (ix *Indexer) Run(ctx context.Context, rc *pipeline.RunContext) error {
	counters := []struct {
		entity string
		count  func(context.Context) (int, error)
	}{
		{EntityRepositories, ix.Store.CountRepositories},
		{EntityContributors, ix.Store.CountContributors},
		{EntityMergeRequests, ix.Store.CountMergeRequests},
	}

	for _, c := range counters {
		if err := ctx.Err(); err != nil {
			return err
		}
		total, err := c.count(ctx)
		if err != nil {
			return fmt.Errorf("count %s: %w", c.entity, err)
		}
		pages := ix.pages(total)
		if err := ix.Store.UpdateSitemapMetadata(ctx, c.entity, pages, total); err != nil {
			return fmt.Errorf("update sitemap metadata for %s: %w", c.entity, err)
		}
		rc.AddProcessed(1)
		rc.Logger.WithField("entity", c.entity).WithField("urls", total).
			Debug("sitemap metadata refreshed")
	}
	return nil
}

// pages is the page count at the configured size; an empty entity still
// occupies one (empty) page.
func (ix *Indexer) pages(total int) int {
	if total == 0 {
		return 1
	}
	return (total + ix.pageSize() - 1) / ix.pageSize()
}
