package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gitpulse/gitpulse/internal/githubclient"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// Fetcher drives the fetch stage: it pulls repository metadata and pull
// request pages from upstream and lands the raw JSON in the buffer.
// The stages run serially, so a saturated buffer cannot drain while the
// fetcher waits; instead of blocking, the fetcher defers the remaining
// pages to the next run and lets the checkpoint carry the cursor.
type Fetcher struct {
	Store  *storage.Store
	Client Upstream

	// Targets are "owner/name" repositories to sync.
	Targets []string

	// PRState is the list filter: open, closed, or all.
	PRState string

	// MaxPages caps PR pages fetched per target per run.
	MaxPages int

	// HighWater defers further pagination when the buffer depth
	// reaches it; a checkpointed enumeration only resumes once the
	// backlog is back under LowWater.
	HighWater int
	LowWater  int

	// FailureThreshold is the per-batch error budget.
	FailureThreshold float64
}

// Run fetches every target. Page cursors are checkpointed per target so
// an interrupted run resumes where it stopped instead of re-fetching.
func (f *Fetcher) Run(ctx context.Context, rc *pipeline.RunContext) error {
	outcome := &Outcome{}
	for _, target := range f.Targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.fetchTarget(ctx, rc, target, outcome); err != nil {
			return err
		}
	}
	rc.Logger.WithField("enqueued", outcome.Processed).Info("fetch stage done")
	return outcome.Finalize(rc, f.FailureThreshold)
}

func (f *Fetcher) fetchTarget(ctx context.Context, rc *pipeline.RunContext, target string, outcome *Outcome) error {
	owner, name, ok := strings.Cut(target, "/")
	if !ok || owner == "" || name == "" {
		outcome.Skip(fmt.Errorf("malformed target %q", target))
		return nil
	}
	log := rc.Logger.WithField("target", target)

	repo, err := f.Client.GetRepository(ctx, owner, name)
	if err != nil {
		if githubclient.IsNotFound(err) {
			log.Warn("repository gone upstream, skipping target")
			outcome.Skip(err)
			return nil
		}
		outcome.Fail(fmt.Errorf("fetch %s: %w", target, err))
		return nil
	}
	if err := f.enqueue(ctx, models.RawKindRepository, repo, outcome); err != nil {
		return err
	}

	ckStage := "fetch:" + target
	page, resumed, err := f.loadPageCursor(ctx, rc.PipelineType, ckStage)
	if err != nil {
		return err
	}
	if resumed && f.LowWater > 0 {
		depth, err := f.Store.RawDepth(ctx, models.RawKindPullRequest)
		if err != nil {
			return err
		}
		if depth > f.LowWater {
			log.WithField("depth", depth).Warn("backlog above low water, deferring resumed enumeration")
			return nil
		}
	}

	pages := 0
	for page != 0 && pages < f.MaxPages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.HighWater > 0 {
			depth, err := f.Store.RawDepth(ctx, models.RawKindPullRequest)
			if err != nil {
				return err
			}
			if depth >= f.HighWater {
				log.WithField("depth", depth).Warn("buffer at high water, deferring remaining pages to the next run")
				return nil
			}
		}

		prs, next, err := f.Client.ListRepositoryPullRequests(ctx, owner, name, f.PRState, page)
		if err != nil {
			outcome.Fail(fmt.Errorf("list pull requests %s page %d: %w", target, page, err))
			return nil
		}
		for _, pr := range prs {
			if pr.GetID() == 0 {
				outcome.Skip(fmt.Errorf("%s: pull request without id", target))
				continue
			}
			if err := f.enqueue(ctx, models.RawKindPullRequest, pr, outcome); err != nil {
				return err
			}
		}
		pages++

		if next == 0 {
			if err := f.Store.ClearCheckpoint(ctx, rc.PipelineType, ckStage); err != nil {
				return err
			}
		} else if err := f.Store.SaveCheckpoint(ctx, rc.PipelineType, ckStage, strconv.Itoa(next)); err != nil {
			return err
		}
		page = next
	}
	log.WithField("pages", pages).Debug("target fetched")
	return nil
}

func (f *Fetcher) enqueue(ctx context.Context, kind string, v any, outcome *Outcome) error {
	payload, err := json.Marshal(v)
	if err != nil {
		outcome.Fail(fmt.Errorf("marshal %s payload: %w", kind, err))
		return nil
	}
	if _, err := f.Store.EnqueueRaw(ctx, kind, payload); err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	outcome.Processed++
	return nil
}

// loadPageCursor returns the next page to fetch and whether a saved
// cursor was found, i.e. an earlier run left the enumeration
// unfinished.
func (f *Fetcher) loadPageCursor(ctx context.Context, pipelineType, stage string) (int, bool, error) {
	cursor, err := f.Store.LoadCheckpoint(ctx, pipelineType, stage)
	if err != nil {
		return 0, false, err
	}
	if cursor == "" {
		return 1, false, nil
	}
	page, err := strconv.Atoi(cursor)
	if err != nil || page < 1 {
		// A corrupt cursor restarts the enumeration; upserts keep the
		// replay harmless.
		return 1, false, nil
	}
	return page, true, nil
}
