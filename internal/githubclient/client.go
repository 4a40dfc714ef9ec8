package githubclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Config tunes the client. Zero values fall back to defaults suited to
// an authenticated GitHub.com token.
type Config struct {
	// Tokens are the personal access tokens to rotate across.
	Tokens []string

	// BaseURL overrides the API endpoint, used in tests and for
	// GitHub Enterprise.
	BaseURL string

	// PerTokenRPS paces requests on each token independently of the
	// hourly quota.
	PerTokenRPS float64

	// SafetyMargin is the remaining-quota floor. At or below it the
	// client suspends until the window resets rather than burning the
	// last requests.
	SafetyMargin int

	// MaxRetries bounds attempts for transient failures.
	MaxRetries uint64

	// RetryBase seeds the fibonacci backoff.
	RetryBase time.Duration

	// RequestTimeout bounds a single HTTP exchange.
	RequestTimeout time.Duration

	// CacheSize is the number of conditional-request validators kept
	// in memory.
	CacheSize int

	// PageSize is items per page on list calls.
	PageSize int
}

func (c Config) withDefaults() Config {
	if c.PerTokenRPS == 0 {
		c.PerTokenRPS = 1.2
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = 50
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	if c.RetryBase == 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.CacheSize == 0 {
		c.CacheSize = 2048
	}
	if c.PageSize == 0 {
		c.PageSize = 100
	}
	return c
}

// Client wraps the GitHub API with token rotation, pacing, conditional
// requests, retry, and a circuit breaker. All methods respect ctx and
// return typed errors from this package where the caller can act on
// them.
type Client struct {
	cfg       Config
	pool      *TokenPool
	breaker   *gobreaker.CircuitBreaker
	transport *conditionalTransport
	logger    *logrus.Entry
}

// New builds a client. store may be nil, in which case validators live
// only in memory.
func New(cfg Config, store etagStore, logger *logrus.Logger) (*Client, error) {
	cfg = cfg.withDefaults()

	transport, err := newConditionalTransport(http.DefaultTransport, store, cfg.CacheSize, logger)
	if err != nil {
		return nil, fmt.Errorf("build etag transport: %w", err)
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}

	pool, err := newTokenPool(cfg.Tokens, httpClient, cfg.BaseURL, cfg.PerTokenRPS)
	if err != nil {
		return nil, fmt.Errorf("build token pool: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "github",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	})

	return &Client{
		cfg:       cfg,
		pool:      pool,
		breaker:   breaker,
		transport: transport,
		logger:    logger.WithField("component", "github"),
	}, nil
}

// do runs one API call with token selection, pacing, and retry. The
// closure receives the go-github client bound to the chosen token and
// must return the response metadata so quota tracking stays current.
func (c *Client) do(ctx context.Context, op string, call func(gh *github.Client) (*github.Response, error)) error {
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewFibonacci(c.cfg.RetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		ts, err := c.pool.pick(time.Now())
		if err != nil {
			return retry.RetryableError(err)
		}
		if err := c.waitForQuota(ctx, ts); err != nil {
			return err
		}
		if err := ts.limiter.Wait(ctx); err != nil {
			return err
		}

		var callErr error
		_, brkErr := c.breaker.Execute(func() (interface{}, error) {
			resp, err := call(ts.client)
			ts.observe(resp)
			callErr = err
			if err != nil && infraFailure(err) {
				return nil, err
			}
			// API-level errors do not trip the breaker.
			return nil, nil
		})
		if brkErr != nil &&
			(errors.Is(brkErr, gobreaker.ErrOpenState) || errors.Is(brkErr, gobreaker.ErrTooManyRequests)) {
			return retry.RetryableError(brkErr)
		}
		return c.classify(ctx, ts, op, callErr)
	})
}

// infraFailure reports whether an error should count against the
// circuit breaker: network failures and 5xx responses.
func infraFailure(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		return ghErr.Response != nil && ghErr.Response.StatusCode >= 500
	}
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return false
	}
	// Anything not shaped like an API response is a transport problem.
	return true
}

// classify turns a call error into retryable, permanent, or sentinel
// form and applies token-level side effects.
func (c *Client) classify(ctx context.Context, ts *tokenState, op string, err error) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		c.logger.WithFields(logrus.Fields{
			"op":    op,
			"reset": rateErr.Rate.Reset.Time,
		}).Warn("primary rate limit hit")
		return retry.RetryableError(err)
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := 30 * time.Second
		if abuseErr.RetryAfter != nil {
			wait = *abuseErr.RetryAfter
		}
		c.logger.WithFields(logrus.Fields{"op": op, "wait": wait}).
			Warn("secondary rate limit hit, honoring Retry-After")
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		return retry.RetryableError(err)
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode == http.StatusUnauthorized {
			ts.recordAuthFailure(time.Now())
			c.logger.WithField("op", op).Warn("token rejected, rotating")
			return retry.RetryableError(err)
		}
		// A bare 429 arrives without the body go-github needs to shape
		// it into an AbuseRateLimitError.
		if ghErr.Response.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(ghErr.Response)
			c.logger.WithFields(logrus.Fields{"op": op, "wait": wait}).
				Warn("throttled upstream, honoring Retry-After")
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		if mapped, ok := permanent(err); ok {
			return fmt.Errorf("%s: %w", op, mapped)
		}
		if ghErr.Response.StatusCode >= 500 {
			return retry.RetryableError(err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	// Transport-level failure.
	return retry.RetryableError(err)
}

// waitForQuota suspends until a rate window resets when the chosen
// token is at or below the safety margin.
func (c *Client) waitForQuota(ctx context.Context, ts *tokenState) error {
	wait := quotaWait(ts, c.pool, c.cfg.SafetyMargin, time.Now())
	if wait <= 0 {
		return nil
	}
	remaining, _ := ts.budget()
	c.logger.WithFields(logrus.Fields{
		"remaining": remaining,
		"wait":      wait,
	}).Info("quota near exhaustion, suspending until reset")
	return sleepCtx(ctx, wait)
}

// quotaWait computes how long to suspend. pick already chose the token
// with the most quota, so when it is under the margin every token is;
// the pool's earliest reset wins when it comes sooner than the chosen
// token's own window.
func quotaWait(ts *tokenState, pool *TokenPool, margin int, now time.Time) time.Duration {
	remaining, reset := ts.budget()
	if remaining > margin || reset.IsZero() {
		return 0
	}
	if pooled := pool.earliestReset(now); !pooled.IsZero() && pooled.Before(reset) {
		reset = pooled
	}
	if !reset.After(now) {
		return 0
	}
	return reset.Sub(now) + time.Second
}

// retryAfter reads the Retry-After header, defaulting when it is
// absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetRepository fetches repository metadata.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*github.Repository, error) {
	var repo *github.Repository
	err := c.do(ctx, "get repository", func(gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		repo, resp, err = gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// ListRepositoryPullRequests returns one page of pull requests and the
// next page number, 0 when exhausted. state is open, closed, or all.
func (c *Client) ListRepositoryPullRequests(ctx context.Context, owner, name, state string, page int) ([]*github.PullRequest, int, error) {
	var prs []*github.PullRequest
	nextPage := 0
	err := c.do(ctx, "list pull requests", func(gh *github.Client) (*github.Response, error) {
		opts := &github.PullRequestListOptions{
			State:     state,
			Sort:      "updated",
			Direction: "desc",
			ListOptions: github.ListOptions{
				Page:    page,
				PerPage: c.cfg.PageSize,
			},
		}
		var resp *github.Response
		var err error
		prs, resp, err = gh.PullRequests.List(ctx, owner, name, opts)
		if resp != nil {
			nextPage = resp.NextPage
		}
		return resp, err
	})
	if err != nil {
		return nil, 0, err
	}
	return prs, nextPage, nil
}

// GetPullRequest fetches a single pull request with its detail fields
// (additions, deletions, changed files, mergeability).
func (c *Client) GetPullRequest(ctx context.Context, owner, name string, number int) (*github.PullRequest, error) {
	var pr *github.PullRequest
	err := c.do(ctx, "get pull request", func(gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = gh.PullRequests.Get(ctx, owner, name, number)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// ListPullRequestCommits returns one page of a pull request's commits.
func (c *Client) ListPullRequestCommits(ctx context.Context, owner, name string, number, page int) ([]*github.RepositoryCommit, int, error) {
	var commits []*github.RepositoryCommit
	nextPage := 0
	err := c.do(ctx, "list pull request commits", func(gh *github.Client) (*github.Response, error) {
		opts := &github.ListOptions{Page: page, PerPage: c.cfg.PageSize}
		var resp *github.Response
		var err error
		commits, resp, err = gh.PullRequests.ListCommits(ctx, owner, name, number, opts)
		if resp != nil {
			nextPage = resp.NextPage
		}
		return resp, err
	})
	if err != nil {
		return nil, 0, err
	}
	return commits, nextPage, nil
}

// GetCommit fetches a commit including one page of its changed files.
func (c *Client) GetCommit(ctx context.Context, owner, name, sha string, page int) (*github.RepositoryCommit, int, error) {
	var commit *github.RepositoryCommit
	nextPage := 0
	err := c.do(ctx, "get commit", func(gh *github.Client) (*github.Response, error) {
		opts := &github.ListOptions{Page: page, PerPage: c.cfg.PageSize}
		var resp *github.Response
		var err error
		commit, resp, err = gh.Repositories.GetCommit(ctx, owner, name, sha, opts)
		if resp != nil {
			nextPage = resp.NextPage
		}
		return resp, err
	})
	if err != nil {
		return nil, 0, err
	}
	return commit, nextPage, nil
}

// ListPullRequestReviews returns one page of reviews for a pull
// request, used for review latency.
func (c *Client) ListPullRequestReviews(ctx context.Context, owner, name string, number, page int) ([]*github.PullRequestReview, int, error) {
	var reviews []*github.PullRequestReview
	nextPage := 0
	err := c.do(ctx, "list pull request reviews", func(gh *github.Client) (*github.Response, error) {
		opts := &github.ListOptions{Page: page, PerPage: c.cfg.PageSize}
		var resp *github.Response
		var err error
		reviews, resp, err = gh.PullRequests.ListReviews(ctx, owner, name, number, opts)
		if resp != nil {
			nextPage = resp.NextPage
		}
		return resp, err
	})
	if err != nil {
		return nil, 0, err
	}
	return reviews, nextPage, nil
}

// GetUser fetches a user profile by login.
func (c *Client) GetUser(ctx context.Context, login string) (*github.User, error) {
	var user *github.User
	err := c.do(ctx, "get user", func(gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		user, resp, err = gh.Users.Get(ctx, login)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByID fetches a user profile by numeric id. Survives renames,
// so enrichment prefers it when the id is known.
func (c *Client) GetUserByID(ctx context.Context, id int64) (*github.User, error) {
	var user *github.User
	err := c.do(ctx, "get user by id", func(gh *github.Client) (*github.Response, error) {
		var resp *github.Response
		var err error
		user, resp, err = gh.Users.GetByID(ctx, id)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ListUserRepositories returns one page of repositories owned by the
// user, used to derive top languages during enrichment.
func (c *Client) ListUserRepositories(ctx context.Context, login string, page int) ([]*github.Repository, int, error) {
	var repos []*github.Repository
	nextPage := 0
	err := c.do(ctx, "list user repositories", func(gh *github.Client) (*github.Response, error) {
		opts := &github.RepositoryListByUserOptions{
			Type: "owner",
			Sort: "pushed",
			ListOptions: github.ListOptions{
				Page:    page,
				PerPage: c.cfg.PageSize,
			},
		}
		var resp *github.Response
		var err error
		repos, resp, err = gh.Repositories.ListByUser(ctx, login, opts)
		if resp != nil {
			nextPage = resp.NextPage
		}
		return resp, err
	})
	if err != nil {
		return nil, 0, err
	}
	return repos, nextPage, nil
}

// ListUserEvents returns one page of the user's public activity,
// newest first.
func (c *Client) ListUserEvents(ctx context.Context, login string, page int) ([]*github.Event, int, error) {
	var events []*github.Event
	nextPage := 0
	err := c.do(ctx, "list user events", func(gh *github.Client) (*github.Response, error) {
		opts := &github.ListOptions{Page: page, PerPage: c.cfg.PageSize}
		var resp *github.Response
		var err error
		events, resp, err = gh.Activity.ListEventsPerformedByUser(ctx, login, true, opts)
		if resp != nil {
			nextPage = resp.NextPage
		}
		return resp, err
	})
	if err != nil {
		return nil, 0, err
	}
	return events, nextPage, nil
}

// ListUserOrganizations returns one page of the user's public
// organizations.
func (c *Client) ListUserOrganizations(ctx context.Context, login string, page int) ([]*github.Organization, int, error) {
	var orgs []*github.Organization
	nextPage := 0
	err := c.do(ctx, "list user organizations", func(gh *github.Client) (*github.Response, error) {
		opts := &github.ListOptions{Page: page, PerPage: c.cfg.PageSize}
		var resp *github.Response
		var err error
		orgs, resp, err = gh.Organizations.List(ctx, login, opts)
		if resp != nil {
			nextPage = resp.NextPage
		}
		return resp, err
	})
	if err != nil {
		return nil, 0, err
	}
	return orgs, nextPage, nil
}
