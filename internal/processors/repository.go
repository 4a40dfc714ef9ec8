package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// Activity classification: logical commits over the trailing window.
const (
	activityWindow       = 90 * 24 * time.Hour
	activityHighCommits  = 45
	activityMediumCommit = 10
)

// RepositoryProcessor drains repository payloads from the raw buffer
// into repository rows. The owner, when present, is upserted as a
// contributor inside the same transaction before the repository links
// to it.
type RepositoryProcessor struct {
	Store            *storage.Store
	BatchSize        int
	FailureThreshold float64
}

func (p *RepositoryProcessor) batchSize() int {
	if p.BatchSize <= 0 {
		return 50
	}
	return p.BatchSize
}

// Run processes buffered repository payloads until the buffer is
// drained. Failed payloads stay unprocessed for the next run.
func (p *RepositoryProcessor) Run(ctx context.Context, rc *pipeline.RunContext) error {
	outcome := &Outcome{}
	stuck := map[int64]bool{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Widen the window past rows this run already gave up on so
		// they cannot block fresh work.
		rows, err := p.Store.DequeueRaw(ctx, models.RawKindRepository, p.batchSize()+len(stuck), rc.RunID)
		if err != nil {
			return err
		}
		progressed := false
		for _, row := range rows {
			if stuck[row.ID] {
				continue
			}
			progressed = true
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.processOne(ctx, rc, row, outcome); err != nil {
				stuck[row.ID] = true
			}
		}
		if !progressed {
			break
		}
	}

	rc.Logger.WithFields(map[string]interface{}{
		"processed": outcome.Processed,
		"skipped":   outcome.Skipped,
		"failed":    outcome.Failed,
	}).Info("repository stage done")
	return outcome.Finalize(rc, p.FailureThreshold)
}

func (p *RepositoryProcessor) processOne(ctx context.Context, rc *pipeline.RunContext, row models.RawPayload, outcome *Outcome) error {
	var gr github.Repository
	if err := json.Unmarshal(row.Payload, &gr); err != nil {
		outcome.Skip(fmt.Errorf("raw %d: undecodable repository payload: %w", row.ID, err))
		return err
	}
	if gr.GetID() == 0 || gr.GetFullName() == "" {
		err := fmt.Errorf("raw %d: repository payload missing id or full name", row.ID)
		outcome.Skip(err)
		return err
	}

	err := p.Store.WithTx(ctx, func(tx *storage.Store) error {
		repo := repositoryFromUpstream(&gr)

		if owner := gr.GetOwner(); owner.GetID() != 0 {
			ownerID, err := resolveContributor(ctx, tx, owner)
			if err != nil {
				// Owner stays null; enrichment picks it up later.
				rc.Logger.WithError(err).WithField("repository", gr.GetFullName()).
					Warn("owner resolution failed, deferring to enrichment")
				repo.OwnerID = nil
			} else {
				repo.OwnerID = &ownerID
			}
		}

		repo.ActivityLevel = p.classifyActivity(ctx, tx, gr.GetID())

		if _, err := tx.UpsertRepository(ctx, repo); err != nil {
			return err
		}
		return tx.MarkRawProcessed(ctx, row.ID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another run already landed this payload.
			if markErr := p.Store.MarkRawProcessed(ctx, row.ID); markErr != nil {
				outcome.Fail(markErr)
				return markErr
			}
			outcome.Skip(nil)
			return nil
		}
		outcome.Fail(fmt.Errorf("raw %d (%s): %w", row.ID, gr.GetFullName(), err))
		return err
	}

	outcome.Processed++
	rc.AddProcessed(1)
	return nil
}

// classifyActivity buckets the repository by commit frequency over the
// trailing window. A repository we have no commits for yet is low.
func (p *RepositoryProcessor) classifyActivity(ctx context.Context, tx *storage.Store, githubID int64) string {
	existing, err := tx.GetRepositoryByGithubID(ctx, githubID)
	if err != nil {
		return models.ActivityLow
	}
	n, err := tx.CommitFrequency(ctx, existing.ID, time.Now().UTC().Add(-activityWindow))
	if err != nil {
		return existing.ActivityLevel
	}
	switch {
	case n >= activityHighCommits:
		return models.ActivityHigh
	case n >= activityMediumCommit:
		return models.ActivityMedium
	default:
		return models.ActivityLow
	}
}

// repositoryFromUpstream normalizes an upstream repository record.
// Timestamps land in UTC; nullable fields stay nil when upstream omits
// them so upserts cannot wipe enriched values.
func repositoryFromUpstream(gr *github.Repository) *models.Repository {
	repo := &models.Repository{
		GithubID:      gr.GetID(),
		FullName:      gr.GetFullName(),
		Name:          gr.GetName(),
		Description:   strp(gr.GetDescription()),
		URL:           strp(gr.GetHTMLURL()),
		Stars:         gr.GetStargazersCount(),
		Forks:         gr.GetForksCount(),
		Watchers:      gr.GetSubscribersCount(),
		OpenIssues:    gr.GetOpenIssuesCount(),
		Size:          int64(gr.GetSize()),
		Language:      strp(gr.GetLanguage()),
		DefaultBranch: gr.GetDefaultBranch(),
		IsFork:        gr.GetFork(),
		IsArchived:    gr.GetArchived(),
		ActivityLevel: models.ActivityLow,
		LastPushedAt:  timep(gr.PushedAt),
		OwnerGithubID: i64p(gr.GetOwner().GetID()),
	}
	if repo.Watchers == 0 {
		// List payloads omit subscribers; watchers_count mirrors stars
		// there, which is still the best available signal.
		repo.Watchers = gr.GetWatchersCount()
	}
	if lic := gr.GetLicense(); lic != nil {
		if s := lic.GetSPDXID(); s != "" && s != "NOASSERTION" {
			repo.License = &s
		} else {
			repo.License = strp(lic.GetName())
		}
	}
	return repo
}
