package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-github/v57/github"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// errNoUpstreamID rejects contributor references the store cannot key.
var errNoUpstreamID = errors.New("contributor reference has no upstream id")

// resolveContributor maps an upstream user reference to a local id,
// creating the row if needed. Resolution order: existing row by
// upstream id wins; otherwise a minimal record is inserted, as a
// placeholder (username null) when the login is unknown. Callers
// needing FK integrity run this inside the same transaction as the
// referencing row.
func resolveContributor(ctx context.Context, store *storage.Store, user *github.User) (string, error) {
	if user == nil || user.GetID() == 0 {
		return "", errNoUpstreamID
	}

	existing, err := store.GetContributorByGithubID(ctx, user.GetID())
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("lookup contributor %d: %w", user.GetID(), err)
	}

	c := contributorFromUser(user)
	id, err := store.UpsertContributor(ctx, c)
	if err != nil {
		return "", fmt.Errorf("insert contributor %d: %w", user.GetID(), err)
	}
	return id, nil
}

// contributorFromUser builds the minimal row a reference justifies.
// Profile fields stay null until enrichment.
func contributorFromUser(user *github.User) *models.Contributor {
	c := &models.Contributor{
		GithubID:  user.GetID(),
		Username:  strp(user.GetLogin()),
		AvatarURL: strp(user.GetAvatarURL()),
		IsBot:     isBot(user),
	}
	if c.Username == nil {
		c.IsPlaceholder = true
	}
	return c
}

// contributorFromProfile builds the full row an enrichment fetch
// justifies, on top of the minimal fields. IsEnriched marks the
// counters as authoritative so the upsert lets them decrease.
func contributorFromProfile(user *github.User) *models.Contributor {
	c := contributorFromUser(user)
	c.IsEnriched = true
	c.Name = strp(user.GetName())
	c.Bio = strp(user.GetBio())
	c.Company = strp(user.GetCompany())
	c.Blog = strp(user.GetBlog())
	c.Location = strp(user.GetLocation())
	c.Twitter = strp(user.GetTwitterUsername())
	c.Followers = user.GetFollowers()
	c.PublicRepos = user.GetPublicRepos()
	return c
}
