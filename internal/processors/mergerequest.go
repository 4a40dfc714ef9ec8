package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/go-github/v57/github"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// MergeRequestProcessor drains pull request payloads from the raw
// buffer into merge request rows, creating placeholder contributors and
// minimal repositories as needed so FKs always resolve.
type MergeRequestProcessor struct {
	Store            *storage.Store
	BatchSize        int
	FailureThreshold float64
}

func (p *MergeRequestProcessor) batchSize() int {
	if p.BatchSize <= 0 {
		return 100
	}
	return p.BatchSize
}

// Run processes buffered pull request payloads until drained.
func (p *MergeRequestProcessor) Run(ctx context.Context, rc *pipeline.RunContext) error {
	outcome := &Outcome{}
	stuck := map[int64]bool{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := p.Store.DequeueRaw(ctx, models.RawKindPullRequest, p.batchSize()+len(stuck), rc.RunID)
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
	}).Info("merge request stage done")
	return outcome.Finalize(rc, p.FailureThreshold)
}

func (p *MergeRequestProcessor) processOne(ctx context.Context, rc *pipeline.RunContext, row models.RawPayload, outcome *Outcome) error {
	var pr github.PullRequest
	if err := json.Unmarshal(row.Payload, &pr); err != nil {
		outcome.Skip(fmt.Errorf("raw %d: undecodable pull request payload: %w", row.ID, err))
		return err
	}
	baseRepo := pr.GetBase().GetRepo()
	switch {
	case pr.GetID() == 0 || pr.GetNumber() == 0:
		err := fmt.Errorf("raw %d: pull request payload missing id or number", row.ID)
		outcome.Skip(err)
		return err
	case baseRepo.GetID() == 0:
		err := fmt.Errorf("raw %d: pull request %d has no base repository", row.ID, pr.GetNumber())
		outcome.Skip(err)
		return err
	case pr.GetUser().GetID() == 0:
		err := fmt.Errorf("raw %d: pull request %d has no author", row.ID, pr.GetNumber())
		outcome.Skip(err)
		return err
	}

	err := p.Store.WithTx(ctx, func(tx *storage.Store) error {
		repoID, err := p.resolveRepository(ctx, tx, baseRepo)
		if err != nil {
			return err
		}
		authorID, err := resolveContributor(ctx, tx, pr.GetUser())
		if err != nil {
			return err
		}

		mr := mergeRequestFromUpstream(&pr)
		mr.RepositoryID = repoID
		mr.AuthorID = authorID
		mrID, err := tx.UpsertMergeRequest(ctx, mr)
		if err != nil {
			return err
		}

		// Queue the commit detail pass in the same transaction; the
		// commit stage reads this flag back from the database, so a run
		// that dies between the two stages loses nothing.
		if err := tx.MarkMergeRequestCommitsPending(ctx, mrID); err != nil {
			return err
		}
		return tx.MarkRawProcessed(ctx, row.ID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			if markErr := p.Store.MarkRawProcessed(ctx, row.ID); markErr != nil {
				outcome.Fail(markErr)
				return markErr
			}
			outcome.Skip(nil)
			return nil
		}
		outcome.Fail(fmt.Errorf("raw %d (pr #%d): %w", row.ID, pr.GetNumber(), err))
		return err
	}

	outcome.Processed++
	rc.AddProcessed(1)
	return nil
}

// resolveRepository returns the local id for the PR's base repository,
// inserting a minimal row when the repository stage has not landed it
// yet.
func (p *MergeRequestProcessor) resolveRepository(ctx context.Context, tx *storage.Store, gr *github.Repository) (string, error) {
	existing, err := tx.GetRepositoryByGithubID(ctx, gr.GetID())
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	repo := repositoryFromUpstream(gr)
	id, err := tx.UpsertRepository(ctx, repo)
	if err != nil {
		return "", fmt.Errorf("insert repository %s: %w", gr.GetFullName(), err)
	}
	return id, nil
}

// mergeRequestFromUpstream maps the upstream record onto a row. The
// list payload lacks the detail counters; those arrive via enrichment.
func mergeRequestFromUpstream(pr *github.PullRequest) *models.MergeRequest {
	mr := &models.MergeRequest{
		GithubID:           pr.GetID(),
		Number:             pr.GetNumber(),
		RepositoryGithubID: pr.GetBase().GetRepo().GetID(),
		AuthorGithubID:     pr.GetUser().GetID(),
		Title:              pr.GetTitle(),
		Description:        strp(pr.GetBody()),
		State:              mapMRState(pr),
		IsDraft:            pr.GetDraft(),
		OpenedAt:           pr.GetCreatedAt().Time.UTC(),
		LastActivityAt:     timep(pr.UpdatedAt),
		ClosedAt:           timep(pr.ClosedAt),
		MergedAt:           timep(pr.MergedAt),
		MergedBy:           strp(pr.GetMergedBy().GetLogin()),
		CommitsCount:       pr.GetCommits(),
		Additions:          pr.GetAdditions(),
		Deletions:          pr.GetDeletions(),
		ChangedFiles:       pr.GetChangedFiles(),
		CommentsCount:      pr.GetComments(),
		SourceBranch:       pr.GetHead().GetRef(),
		TargetBranch:       pr.GetBase().GetRef(),
		Labels:             labelsJSON(pr.Labels),
	}
	mr.ComplexityScore = complexityScore(mr.ChangedFiles, mr.Additions, mr.Deletions)
	if mr.MergedAt != nil {
		mr.CycleTimeHours = hoursBetween(mr.OpenedAt, *mr.MergedAt)
	}
	return mr
}

// mapMRState folds the upstream state plus merged flag into the three
// local states. A closed PR with a merge timestamp is merged.
func mapMRState(pr *github.PullRequest) string {
	if pr.MergedAt != nil || pr.GetMerged() {
		return models.MRStateMerged
	}
	if pr.GetState() == "closed" {
		return models.MRStateClosed
	}
	return models.MRStateOpen
}

// complexityScore is files × log(additions+deletions+1). Zero until the
// detail counters are known.
func complexityScore(files, additions, deletions int) float64 {
	if files == 0 {
		return 0
	}
	return float64(files) * math.Log(float64(additions+deletions+1))
}

func labelsJSON(labels []*github.Label) models.JSONText {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		if name := l.GetName(); name != "" {
			names = append(names, name)
		}
	}
	b, err := json.Marshal(names)
	if err != nil {
		return models.JSONText("[]")
	}
	return models.JSONText(b)
}
