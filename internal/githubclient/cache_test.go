package githubclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/models"
)

type fakeETagStore struct {
	mu      sync.Mutex
	entries map[string]models.ETagEntry
}

func newFakeETagStore() *fakeETagStore {
	return &fakeETagStore{entries: map[string]models.ETagEntry{}}
}

func (f *fakeETagStore) SaveETag(_ context.Context, e *models.ETagEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.ResourceKey] = *e
	return nil
}

func (f *fakeETagStore) LoadETags(_ context.Context, _ int) ([]models.ETagEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ETagEntry
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeETagStore) DeleteETag(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestConditionalTransportReplays304(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"name":"gitpulse"}`))
	}))
	defer srv.Close()

	store := newFakeETagStore()
	transport, err := newConditionalTransport(srv.Client().Transport, store, 16, testLogger())
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(srv.URL + "/repo")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(fromCacheHeader))
	assert.JSONEq(t, `{"name":"gitpulse"}`, string(body))

	resp, err = client.Get(srv.URL + "/repo")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(fromCacheHeader))
	assert.JSONEq(t, `{"name":"gitpulse"}`, string(body))

	assert.Equal(t, 2, hits)
	assert.Len(t, store.entries, 1, "validator should be written through")
}

func TestConditionalTransportWarmsFromStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != `"persisted"` {
			t.Errorf("expected warmed If-None-Match header, got %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	store := newFakeETagStore()
	key := srv.URL + "/repo"
	store.entries[key] = models.ETagEntry{
		ResourceKey: key,
		ETag:        `"persisted"`,
		Body:        []byte(`{"cached":true}`),
	}

	transport, err := newConditionalTransport(srv.Client().Transport, store, 16, testLogger())
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(key)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "1", resp.Header.Get(fromCacheHeader))
	assert.JSONEq(t, `{"cached":true}`, string(body))
}

func TestConditionalTransportForgetsGoneResources(t *testing.T) {
	var gone bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gone {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"name":"gitpulse"}`))
	}))
	defer srv.Close()

	store := newFakeETagStore()
	transport, err := newConditionalTransport(srv.Client().Transport, store, 16, testLogger())
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(srv.URL + "/repo")
	require.NoError(t, err)
	resp.Body.Close()
	require.Len(t, store.entries, 1)

	// Once the resource vanishes, both cache tiers drop the validator.
	gone = true
	resp, err = client.Get(srv.URL + "/repo")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, store.entries)
	assert.Zero(t, transport.cache.Len())
}

func TestConditionalTransportIgnoresNonGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := newFakeETagStore()
	transport, err := newConditionalTransport(srv.Client().Transport, store, 16, testLogger())
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Post(srv.URL+"/repo", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, store.entries, "POST responses must not be cached")
}

func TestConditionalTransportSkipsUncacheable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No validators on the response.
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := newFakeETagStore()
	transport, err := newConditionalTransport(srv.Client().Transport, store, 16, testLogger())
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(srv.URL + "/repo")
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Empty(t, store.entries)
}
