package githubclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenPoolPicksHighestRemaining(t *testing.T) {
	pool, err := newTokenPool([]string{"tok-a", "tok-b"}, http.DefaultClient, "", 10)
	require.NoError(t, err)

	now := time.Now()
	pool.tokens[0].remaining = 10
	pool.tokens[0].reset = now.Add(time.Hour)
	pool.tokens[1].remaining = 4000
	pool.tokens[1].reset = now.Add(time.Hour)

	ts, err := pool.pick(now)
	require.NoError(t, err)
	assert.Equal(t, "tok-b", ts.token)
}

func TestTokenPoolSkipsQuarantined(t *testing.T) {
	pool, err := newTokenPool([]string{"tok-a", "tok-b"}, http.DefaultClient, "", 10)
	require.NoError(t, err)

	now := time.Now()
	pool.tokens[1].remaining = 5000
	for i := 0; i < maxAuthFailures; i++ {
		pool.tokens[1].recordAuthFailure(now)
	}

	ts, err := pool.pick(now)
	require.NoError(t, err)
	assert.Equal(t, "tok-a", ts.token)
}

func TestTokenPoolAllQuarantined(t *testing.T) {
	pool, err := newTokenPool([]string{"tok-a"}, http.DefaultClient, "", 10)
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < maxAuthFailures; i++ {
		pool.tokens[0].recordAuthFailure(now)
	}

	_, err = pool.pick(now)
	assert.ErrorIs(t, err, ErrNoUsableToken)

	// Quarantine expires.
	_, err = pool.pick(now.Add(authQuarantine + time.Second))
	assert.NoError(t, err)
}

func TestTokenPoolExhaustedBudgetRollsOver(t *testing.T) {
	pool, err := newTokenPool([]string{"tok-a", "tok-b"}, http.DefaultClient, "", 10)
	require.NoError(t, err)

	now := time.Now()
	// tok-a exhausted but its window already reset; tok-b has a little
	// left. The rolled-over budget should win.
	pool.tokens[0].remaining = 0
	pool.tokens[0].reset = now.Add(-time.Minute)
	pool.tokens[1].remaining = 100
	pool.tokens[1].reset = now.Add(time.Hour)

	ts, err := pool.pick(now)
	require.NoError(t, err)
	assert.Equal(t, "tok-a", ts.token)
}

func TestEarliestReset(t *testing.T) {
	pool, err := newTokenPool([]string{"tok-a", "tok-b"}, http.DefaultClient, "", 10)
	require.NoError(t, err)

	now := time.Now()
	soon := now.Add(5 * time.Minute)
	later := now.Add(time.Hour)
	pool.tokens[0].reset = later
	pool.tokens[1].reset = soon

	assert.Equal(t, soon, pool.earliestReset(now))
}

func TestQuotaWaitUsesPoolEarliestReset(t *testing.T) {
	pool, err := newTokenPool([]string{"tok-a", "tok-b"}, http.DefaultClient, "", 10)
	require.NoError(t, err)

	now := time.Now()
	pool.tokens[0].remaining = 10
	pool.tokens[0].reset = now.Add(time.Hour)
	pool.tokens[1].remaining = 5
	pool.tokens[1].reset = now.Add(5 * time.Minute)

	// The chosen token's own window is an hour out, but tok-b refills
	// in five minutes.
	wait := quotaWait(pool.tokens[0], pool, 50, now)
	assert.Equal(t, 5*time.Minute+time.Second, wait)

	// Above the margin there is nothing to wait for.
	pool.tokens[0].remaining = 100
	assert.Zero(t, quotaWait(pool.tokens[0], pool, 50, now))
}

func TestObserveResetsAuthFailures(t *testing.T) {
	ts := &tokenState{}
	ts.recordAuthFailure(time.Now())
	assert.Equal(t, 1, ts.authFailures)

	ts.observe(nil)
	assert.Equal(t, 1, ts.authFailures, "nil response should be ignored")

	ts.observe(&github.Response{
		Response: &http.Response{StatusCode: http.StatusUnauthorized},
	})
	assert.Equal(t, 1, ts.authFailures, "a 401 must not clear the counter")

	ts.observe(&github.Response{
		Response: &http.Response{StatusCode: http.StatusOK},
	})
	assert.Zero(t, ts.authFailures, "a successful call clears the counter")
}

func TestConsecutiveUnauthorizedQuarantine(t *testing.T) {
	ts := &tokenState{}
	now := time.Now()
	for i := 0; i < maxAuthFailures; i++ {
		// Each attempt observes the 401 response, then records the
		// failure, mirroring the client's call order.
		ts.observe(&github.Response{
			Response: &http.Response{StatusCode: http.StatusUnauthorized},
		})
		ts.recordAuthFailure(now)
	}
	assert.False(t, ts.usable(now))
}
