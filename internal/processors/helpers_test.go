package processors

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/githubclient"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := storage.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRunCtx(t *testing.T, pipelineType string) *pipeline.RunContext {
	t.Helper()
	return pipeline.NewRunContext(pipelineType, nil, discardLogger())
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeUpstream serves fixtures through the Upstream interface. Missing
// entries answer with the client's not-found sentinel.
type fakeUpstream struct {
	repos     map[string]*github.Repository
	users     map[int64]*github.User
	prLists   map[string][]*github.PullRequest
	prDetails map[int]*github.PullRequest
	prCommits map[int][]*github.RepositoryCommit
	commits   map[string]*github.RepositoryCommit
	reviews   map[int][]*github.PullRequestReview
	userRepos map[string][]*github.Repository
	orgs      map[string][]*github.Organization
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		repos:     map[string]*github.Repository{},
		users:     map[int64]*github.User{},
		prLists:   map[string][]*github.PullRequest{},
		prDetails: map[int]*github.PullRequest{},
		prCommits: map[int][]*github.RepositoryCommit{},
		commits:   map[string]*github.RepositoryCommit{},
		reviews:   map[int][]*github.PullRequestReview{},
		userRepos: map[string][]*github.Repository{},
		orgs:      map[string][]*github.Organization{},
	}
}

func (f *fakeUpstream) GetRepository(_ context.Context, owner, name string) (*github.Repository, error) {
	repo, ok := f.repos[owner+"/"+name]
	if !ok {
		return nil, fmt.Errorf("get repository: %w", githubclient.ErrUpstreamNotFound)
	}
	return repo, nil
}

func (f *fakeUpstream) ListRepositoryPullRequests(_ context.Context, owner, name, _ string, page int) ([]*github.PullRequest, int, error) {
	if page > 1 {
		return nil, 0, nil
	}
	return f.prLists[owner+"/"+name], 0, nil
}

func (f *fakeUpstream) GetPullRequest(_ context.Context, _, _ string, number int) (*github.PullRequest, error) {
	pr, ok := f.prDetails[number]
	if !ok {
		return nil, fmt.Errorf("get pull request: %w", githubclient.ErrUpstreamNotFound)
	}
	return pr, nil
}

func (f *fakeUpstream) ListPullRequestCommits(_ context.Context, _, _ string, number, page int) ([]*github.RepositoryCommit, int, error) {
	if page > 1 {
		return nil, 0, nil
	}
	return f.prCommits[number], 0, nil
}

func (f *fakeUpstream) GetCommit(_ context.Context, _, _ string, sha string, page int) (*github.RepositoryCommit, int, error) {
	commit, ok := f.commits[sha]
	if !ok {
		return nil, 0, fmt.Errorf("get commit: %w", githubclient.ErrUpstreamNotFound)
	}
	if page > 1 {
		return &github.RepositoryCommit{SHA: commit.SHA}, 0, nil
	}
	return commit, 0, nil
}

func (f *fakeUpstream) ListPullRequestReviews(_ context.Context, _, _ string, number, page int) ([]*github.PullRequestReview, int, error) {
	if page > 1 {
		return nil, 0, nil
	}
	return f.reviews[number], 0, nil
}

func (f *fakeUpstream) GetUser(_ context.Context, login string) (*github.User, error) {
	for _, u := range f.users {
		if u.GetLogin() == login {
			return u, nil
		}
	}
	return nil, fmt.Errorf("get user: %w", githubclient.ErrUpstreamNotFound)
}

func (f *fakeUpstream) GetUserByID(_ context.Context, id int64) (*github.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("get user by id: %w", githubclient.ErrUpstreamNotFound)
	}
	return u, nil
}

func (f *fakeUpstream) ListUserRepositories(_ context.Context, login string, page int) ([]*github.Repository, int, error) {
	if page > 1 {
		return nil, 0, nil
	}
	return f.userRepos[login], 0, nil
}

func (f *fakeUpstream) ListUserOrganizations(_ context.Context, login string, page int) ([]*github.Organization, int, error) {
	if page > 1 {
		return nil, 0, nil
	}
	return f.orgs[login], 0, nil
}
