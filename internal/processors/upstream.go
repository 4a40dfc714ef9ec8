package processors

import (
	"context"

	"github.com/google/go-github/v57/github"
)

// Upstream is the slice of the GitHub client the processors consume.
// Processors never talk HTTP themselves; everything goes through this
// interface so tests can substitute fixtures.
type Upstream interface {
	GetRepository(ctx context.Context, owner, name string) (*github.Repository, error)
	ListRepositoryPullRequests(ctx context.Context, owner, name, state string, page int) ([]*github.PullRequest, int, error)
	GetPullRequest(ctx context.Context, owner, name string, number int) (*github.PullRequest, error)
	ListPullRequestCommits(ctx context.Context, owner, name string, number, page int) ([]*github.RepositoryCommit, int, error)
	GetCommit(ctx context.Context, owner, name, sha string, page int) (*github.RepositoryCommit, int, error)
	ListPullRequestReviews(ctx context.Context, owner, name string, number, page int) ([]*github.PullRequestReview, int, error)
	GetUser(ctx context.Context, login string) (*github.User, error)
	GetUserByID(ctx context.Context, id int64) (*github.User, error)
	ListUserRepositories(ctx context.Context, login string, page int) ([]*github.Repository, int, error)
	ListUserOrganizations(ctx context.Context, login string, page int) ([]*github.Organization, int, error)
}
