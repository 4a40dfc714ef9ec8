package githubclient

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/time/rate"
)

// ErrNoUsableToken is returned when every credential in the pool is
// quarantined.
var ErrNoUsableToken = errors.New("no usable token in pool")

// authQuarantine is how long a token sits out after repeated 401s.
const authQuarantine = 15 * time.Minute

// maxAuthFailures is how many consecutive 401s quarantine a token.
const maxAuthFailures = 2

// tokenState tracks one credential: its own go-github client, pacing
// limiter, and the rate budget reported by the last response.
type tokenState struct {
	token  string
	client *github.Client

	limiter *rate.Limiter

	mu               sync.Mutex
	remaining        int
	limit            int
	reset            time.Time
	authFailures     int
	quarantinedUntil time.Time
}

// observe updates the budget from response metadata. The auth-failure
// counter only clears on a non-401 answer; classify increments it
// after this runs, so clearing unconditionally would keep consecutive
// 401s from ever reaching the quarantine threshold.
func (t *tokenState) observe(resp *github.Response) {
	if resp == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = resp.Rate.Remaining
	t.limit = resp.Rate.Limit
	t.reset = resp.Rate.Reset.Time
	if resp.StatusCode != http.StatusUnauthorized {
		t.authFailures = 0
	}
}

// recordAuthFailure counts a 401 and quarantines the token once the
// threshold is crossed.
func (t *tokenState) recordAuthFailure(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authFailures++
	if t.authFailures >= maxAuthFailures {
		t.quarantinedUntil = now.Add(authQuarantine)
	}
}

func (t *tokenState) usable(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.After(t.quarantinedUntil)
}

// budget returns the remaining quota and its reset time.
func (t *tokenState) budget() (int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining, t.reset
}

// TokenPool holds an ordered set of credentials. Selection always
// prefers the token with the most remaining quota.
type TokenPool struct {
	tokens []*tokenState
}

// newTokenPool builds per-token go-github clients sharing the given
// transport. An unknown budget starts optimistic so a fresh token is
// tried before one that is nearly exhausted.
func newTokenPool(tokens []string, httpClient *http.Client, baseURL string, perSecond float64) (*TokenPool, error) {
	if len(tokens) == 0 {
		return nil, errors.New("at least one token is required")
	}
	pool := &TokenPool{}
	for _, tok := range tokens {
		gh := github.NewClient(httpClient).WithAuthToken(tok)
		if baseURL != "" {
			var err error
			gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
			if err != nil {
				return nil, err
			}
		}
		pool.tokens = append(pool.tokens, &tokenState{
			token:     tok,
			client:    gh,
			limiter:   rate.NewLimiter(rate.Limit(perSecond), 1),
			remaining: 5000,
			limit:     5000,
		})
	}
	return pool, nil
}

// pick returns the usable token with the highest remaining quota.
func (p *TokenPool) pick(now time.Time) (*tokenState, error) {
	var best *tokenState
	bestRemaining := -1
	for _, t := range p.tokens {
		if !t.usable(now) {
			continue
		}
		remaining, reset := t.budget()
		// A stale exhausted budget resets itself once the window
		// rolls over.
		if remaining == 0 && now.After(reset) && !reset.IsZero() {
			remaining = t.limit
		}
		if remaining > bestRemaining {
			best = t
			bestRemaining = remaining
		}
	}
	if best == nil {
		return nil, ErrNoUsableToken
	}
	return best, nil
}

// earliestReset is the soonest any usable token's budget refills, used
// for the suspend-until-reset wait.
func (p *TokenPool) earliestReset(now time.Time) time.Time {
	var earliest time.Time
	for _, t := range p.tokens {
		if !t.usable(now) {
			continue
		}
		_, reset := t.budget()
		if reset.IsZero() {
			continue
		}
		if earliest.IsZero() || reset.Before(earliest) {
			earliest = reset
		}
	}
	return earliest
}
