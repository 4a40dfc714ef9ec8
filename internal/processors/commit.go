package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/go-github/v57/github"

	"github.com/gitpulse/gitpulse/internal/githubclient"
	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// maxPatchBytes truncates stored patch text. Full diffs for generated
// files run to megabytes and add nothing to the metrics.
const maxPatchBytes = 16 * 1024

// CommitProcessor walks the merge requests still flagged for a commit
// detail pass, fetches each one's commit list and per-commit file
// lists, and lands one row per (sha, repository, filename). A SHA
// touching N files is one logical commit split into N rows.
type CommitProcessor struct {
	Store  *storage.Store
	Client Upstream

	// MaxFilePages caps file-list pagination per commit.
	MaxFilePages int

	BatchSize        int
	FailureThreshold float64
}

func (p *CommitProcessor) maxFilePages() int {
	if p.MaxFilePages <= 0 {
		return 3
	}
	return p.MaxFilePages
}

func (p *CommitProcessor) batchSize() int {
	if p.BatchSize <= 0 {
		return 50
	}
	return p.BatchSize
}

// Run drains the pending flag the merge request stage persists. The
// flag only flips once a merge request's commits all landed, so a run
// that dies mid-stage leaves its remaining work visible to the next
// one; merge requests that fail transiently stay pending and are held
// out of later batches this run.
func (p *CommitProcessor) Run(ctx context.Context, rc *pipeline.RunContext) error {
	outcome := &Outcome{}
	stuck := map[string]bool{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tasks, err := p.Store.ListMergeRequestsPendingCommitSync(ctx, p.batchSize()+len(stuck))
		if err != nil {
			return err
		}
		progressed := false
		for _, task := range tasks {
			if stuck[task.MergeRequestID] {
				continue
			}
			progressed = true
			if err := ctx.Err(); err != nil {
				return err
			}
			done, err := p.processMergeRequest(ctx, rc, task, outcome)
			if err != nil {
				return err
			}
			if !done {
				stuck[task.MergeRequestID] = true
				continue
			}
			if err := p.Store.MarkMergeRequestCommitsSynced(ctx, task.MergeRequestID); err != nil {
				return err
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
	}).Info("commit stage done")
	return outcome.Finalize(rc, p.FailureThreshold)
}

// processMergeRequest reports done=true when the merge request needs
// no further attempts: all commits landed, or the record is a dead end
// (gone upstream, unusable repository name). Transient failures leave
// it pending for the next run.
func (p *CommitProcessor) processMergeRequest(ctx context.Context, rc *pipeline.RunContext, task models.CommitSyncTask, outcome *Outcome) (bool, error) {
	owner, name, ok := splitFullName(task.RepoFullName)
	if !ok {
		outcome.Skip(fmt.Errorf("merge request %d: malformed repository name %q", task.Number, task.RepoFullName))
		return true, nil
	}

	failedBefore := outcome.Failed
	page := 1
	for page != 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		commits, next, err := p.Client.ListPullRequestCommits(ctx, owner, name, task.Number, page)
		if err != nil {
			if githubclient.IsNotFound(err) {
				outcome.Skip(fmt.Errorf("merge request %d gone upstream", task.Number))
				return true, nil
			}
			outcome.Fail(fmt.Errorf("list commits for pr #%d: %w", task.Number, err))
			return false, nil
		}
		for _, rcommit := range commits {
			if rcommit.GetSHA() == "" {
				outcome.Skip(fmt.Errorf("pr #%d: commit without sha", task.Number))
				continue
			}
			if err := p.processCommit(ctx, rc, task, owner, name, rcommit, outcome); err != nil {
				return false, err
			}
		}
		page = next
	}
	return outcome.Failed == failedBefore, nil
}

// processCommit fetches the file list and writes all rows for one
// logical commit in a single transaction.
func (p *CommitProcessor) processCommit(ctx context.Context, rc *pipeline.RunContext, task models.CommitSyncTask, owner, name string, listed *github.RepositoryCommit, outcome *Outcome) error {
	sha := listed.GetSHA()

	var files []*github.CommitFile
	var detail *github.RepositoryCommit
	page := 1
	for page != 0 && page <= p.maxFilePages() {
		d, next, err := p.Client.GetCommit(ctx, owner, name, sha, page)
		if err != nil {
			if githubclient.IsNotFound(err) {
				outcome.Skip(fmt.Errorf("commit %s gone upstream", shortSHA(sha)))
				return nil
			}
			outcome.Fail(fmt.Errorf("get commit %s: %w", shortSHA(sha), err))
			return nil
		}
		if detail == nil {
			detail = d
		}
		files = append(files, d.Files...)
		page = next
	}
	if detail == nil {
		outcome.Skip(fmt.Errorf("commit %s: empty detail response", shortSHA(sha)))
		return nil
	}

	err := p.Store.WithTx(ctx, func(tx *storage.Store) error {
		var contributorID *string
		var contributorGithubID *int64
		if author := detail.GetAuthor(); author.GetID() != 0 {
			id, err := resolveContributor(ctx, tx, author)
			if err != nil {
				return err
			}
			contributorID = &id
			gid := author.GetID()
			contributorGithubID = &gid
		}

		parents := parentSHAs(detail)
		isMerge := len(detail.Parents) >= 2
		committedAt := timep(&github.Timestamp{Time: detail.GetCommit().GetCommitter().GetDate().Time})

		rows := commitRows(detail, files)
		for _, file := range rows {
			c := &models.Commit{
				SHA:                  sha,
				RepositoryID:         task.RepositoryID,
				RepositoryGithubID:   task.RepoGithubID,
				ContributorID:        contributorID,
				ContributorGithubID:  contributorGithubID,
				MergeRequestID:       &task.MergeRequestID,
				MergeRequestGithubID: &task.GithubID,
				Message:              detail.GetCommit().GetMessage(),
				CommittedAt:          committedAt,
				ParentShas:           parents,
				Filename:             file.GetFilename(),
				FileStatus:           file.GetStatus(),
				Additions:            file.GetAdditions(),
				Deletions:            file.GetDeletions(),
				Patch:                truncatedPatch(file.GetPatch()),
				ComplexityScore:      math.Log(float64(file.GetAdditions() + file.GetDeletions() + 1)),
				IsMergeCommit:        isMerge,
			}
			if _, err := tx.UpsertCommit(ctx, c); err != nil {
				return err
			}
		}

		if contributorID != nil {
			return tx.UpsertContributorRepository(ctx, &models.ContributorRepository{
				ContributorID:       *contributorID,
				RepositoryID:        task.RepositoryID,
				CommitsCount:        1,
				LinesAdded:          detail.GetStats().GetAdditions(),
				LinesRemoved:        detail.GetStats().GetDeletions(),
				FirstContributionAt: committedAt,
				LastContributionAt:  committedAt,
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			outcome.Skip(nil)
			return nil
		}
		outcome.Fail(fmt.Errorf("persist commit %s: %w", shortSHA(sha), err))
		return nil
	}

	outcome.Processed++
	rc.AddProcessed(1)
	return nil
}

// commitRows returns the file entries to persist. A commit whose file
// list is unavailable still gets one synthetic row so the logical
// commit is not lost.
func commitRows(detail *github.RepositoryCommit, files []*github.CommitFile) []*github.CommitFile {
	if len(files) > 0 {
		return files
	}
	return []*github.CommitFile{{
		Filename: github.String(""),
		Status:   github.String(models.FileStatusModified),
	}}
}

func parentSHAs(detail *github.RepositoryCommit) models.JSONText {
	shas := make([]string, 0, len(detail.Parents))
	for _, parent := range detail.Parents {
		if s := parent.GetSHA(); s != "" {
			shas = append(shas, s)
		}
	}
	b, err := json.Marshal(shas)
	if err != nil {
		return models.JSONText("[]")
	}
	return models.JSONText(b)
}

func truncatedPatch(patch string) *string {
	if patch == "" {
		return nil
	}
	if len(patch) > maxPatchBytes {
		patch = patch[:maxPatchBytes]
	}
	return &patch
}

func splitFullName(fullName string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(fullName, "/")
	return owner, name, ok && owner != "" && name != ""
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
