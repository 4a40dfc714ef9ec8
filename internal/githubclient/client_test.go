package githubclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points the client at a local server. go-github mounts
// enterprise endpoints under /api/v3/.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/api/v3/", http.StripPrefix("/api/v3", handler))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		Tokens:      []string{"test-token"},
		BaseURL:     srv.URL + "/api/v3/",
		PerTokenRPS: 1000,
		MaxRetries:  3,
		RetryBase:   time.Millisecond,
	}, nil, testLogger())
	require.NoError(t, err)
	return client, srv
}

func TestGetRepository(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octocat/hello", r.URL.Path)
		fmt.Fprint(w, `{"id": 1296269, "full_name": "octocat/hello", "stargazers_count": 80}`)
	}))

	repo, err := client.GetRepository(context.Background(), "octocat", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1296269), repo.GetID())
	assert.Equal(t, "octocat/hello", repo.GetFullName())
	assert.Equal(t, 80, repo.GetStargazersCount())
}

func TestGetRepositoryNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	}))

	_, err := client.GetRepository(context.Background(), "octocat", "gone")
	assert.ErrorIs(t, err, ErrUpstreamNotFound)
	assert.True(t, IsNotFound(err))
}

func TestRetryOnServerError(t *testing.T) {
	var attempts int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"id": 42, "full_name": "octocat/hello"}`)
	}))

	repo, err := client.GetRepository(context.Background(), "octocat", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(42), repo.GetID())
	assert.Equal(t, 3, attempts)
}

func TestRetriesExhausted(t *testing.T) {
	var attempts int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.GetRepository(context.Background(), "octocat", "hello")
	assert.Error(t, err)
	assert.Equal(t, 4, attempts, "initial attempt plus MaxRetries")
}

func TestListRepositoryPullRequestsPagination(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "", "1":
			w.Header().Set("Link",
				fmt.Sprintf(`<%s/api/v3/repos/o/r/pulls?page=2>; rel="next", <%s/api/v3/repos/o/r/pulls?page=2>; rel="last"`,
					serverURL(r), serverURL(r)))
			fmt.Fprint(w, `[{"number": 1, "state": "open"}]`)
		case "2":
			fmt.Fprint(w, `[{"number": 2, "state": "closed"}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	_ = srv

	ctx := context.Background()
	prs, next, err := client.ListRepositoryPullRequests(ctx, "o", "r", "all", 1)
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 1, prs[0].GetNumber())
	assert.Equal(t, 2, next)

	prs, next, err = client.ListRepositoryPullRequests(ctx, "o", "r", "all", next)
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 2, prs[0].GetNumber())
	assert.Zero(t, next)
}

func serverURL(r *http.Request) string {
	return "http://" + r.Host
}

func TestUnauthorizedQuarantinesToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message": "Bad credentials"}`)
	}))

	_, err := client.GetUser(context.Background(), "octocat")
	assert.Error(t, err)

	// Enough 401s should have quarantined the only token.
	_, pickErr := client.pool.pick(time.Now())
	assert.ErrorIs(t, pickErr, ErrNoUsableToken)
}

func TestRetriesTooManyRequests(t *testing.T) {
	var attempts int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"message": "too many requests"}`)
			return
		}
		fmt.Fprint(w, `{"id": 42, "full_name": "octocat/hello"}`)
	}))

	repo, err := client.GetRepository(context.Background(), "octocat", "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(42), repo.GetID())
	assert.Equal(t, 2, attempts, "a throttled call must be retried")
}

func TestRetryAfterHeader(t *testing.T) {
	mk := func(v string) *http.Response {
		resp := &http.Response{Header: http.Header{}}
		if v != "" {
			resp.Header.Set("Retry-After", v)
		}
		return resp
	}
	assert.Equal(t, 7*time.Second, retryAfter(mk("7")))
	assert.Equal(t, 30*time.Second, retryAfter(mk("")))
	assert.Equal(t, 30*time.Second, retryAfter(mk("soon")))
}

func TestListUserEvents(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/octocat/events/public", r.URL.Path)
		fmt.Fprint(w, `[{"id": "1", "type": "PushEvent"}, {"id": "2", "type": "PullRequestEvent"}]`)
	}))

	events, next, err := client.ListUserEvents(context.Background(), "octocat", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "PushEvent", events[0].GetType())
	assert.Zero(t, next)
}

func TestGetUserByID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/583231", r.URL.Path)
		fmt.Fprint(w, `{"id": 583231, "login": "octocat", "followers": 10}`)
	}))

	user, err := client.GetUserByID(context.Background(), 583231)
	require.NoError(t, err)
	assert.Equal(t, "octocat", user.GetLogin())
	assert.Equal(t, 10, user.GetFollowers())
}
