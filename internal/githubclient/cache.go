package githubclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/gitpulse/gitpulse/internal/models"
)

// fromCacheHeader marks responses replayed from the validator cache so
// callers can tell a 304 replay from a fresh 200.
const fromCacheHeader = "X-From-Cache"

// maxCachedBody caps how large a response body the cache will retain.
const maxCachedBody = 4 << 20

// etagStore is the slice of the storage layer the transport needs for
// write-through persistence.
type etagStore interface {
	SaveETag(ctx context.Context, e *models.ETagEntry) error
	LoadETags(ctx context.Context, limit int) ([]models.ETagEntry, error)
	DeleteETag(ctx context.Context, resourceKey string) error
}

type cachedResponse struct {
	etag         string
	lastModified string
	body         []byte
}

// conditionalTransport adds If-None-Match / If-Modified-Since headers
// to GET requests and replays the cached body when the upstream answers
// 304. A 304 does not consume rate quota, so a warm cache stretches the
// hourly budget considerably.
type conditionalTransport struct {
	base   http.RoundTripper
	cache  *lru.Cache[string, *cachedResponse]
	store  etagStore
	logger *logrus.Logger

	mu sync.Mutex
}

// newConditionalTransport builds the caching layer and warms it from
// the persisted validators.
func newConditionalTransport(base http.RoundTripper, store etagStore, size int, logger *logrus.Logger) (*conditionalTransport, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	cache, err := lru.New[string, *cachedResponse](size)
	if err != nil {
		return nil, err
	}
	t := &conditionalTransport{base: base, cache: cache, store: store, logger: logger}
	if store != nil {
		entries, err := store.LoadETags(context.Background(), size)
		if err != nil {
			logger.WithError(err).Warn("etag cache warm-up failed, starting cold")
		} else {
			// Loaded newest first; add oldest first so recency order
			// survives in the LRU.
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				t.cache.Add(e.ResourceKey, &cachedResponse{
					etag:         e.ETag,
					lastModified: e.LastModified,
					body:         e.Body,
				})
			}
		}
	}
	return t, nil
}

func (t *conditionalTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.base.RoundTrip(req)
	}
	key := req.URL.String()

	t.mu.Lock()
	entry, ok := t.cache.Get(key)
	t.mu.Unlock()
	if ok {
		req = req.Clone(req.Context())
		if entry.etag != "" {
			req.Header.Set("If-None-Match", entry.etag)
		}
		if entry.lastModified != "" {
			req.Header.Set("If-Modified-Since", entry.lastModified)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && ok:
		resp.Body.Close()
		replay := &http.Response{
			Status:     "200 OK",
			StatusCode: http.StatusOK,
			Proto:      resp.Proto,
			ProtoMajor: resp.ProtoMajor,
			ProtoMinor: resp.ProtoMinor,
			Header:     resp.Header.Clone(),
			Body:       io.NopCloser(bytes.NewReader(entry.body)),
			Request:    req,
		}
		replay.Header.Set(fromCacheHeader, "1")
		replay.Header.Set("Content-Type", "application/json; charset=utf-8")
		return replay, nil

	case resp.StatusCode == http.StatusOK:
		etag := resp.Header.Get("ETag")
		lastModified := resp.Header.Get("Last-Modified")
		if etag == "" && lastModified == "" {
			return resp, nil
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody+1))
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		if len(body) > maxCachedBody {
			return resp, nil
		}
		t.remember(req.Context(), key, &cachedResponse{
			etag:         etag,
			lastModified: lastModified,
			body:         body,
		})
		return resp, nil

	case (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) && ok:
		// The resource is gone upstream; its validator would only ever
		// replay a stale body.
		t.forget(req.Context(), key)
		return resp, nil

	default:
		return resp, nil
	}
}

// remember stores the validator in memory and writes it through to the
// database. Persistence failures only cost a future 304, so they are
// logged and swallowed.
func (t *conditionalTransport) remember(ctx context.Context, key string, entry *cachedResponse) {
	t.mu.Lock()
	t.cache.Add(key, entry)
	t.mu.Unlock()
	if t.store == nil {
		return
	}
	err := t.store.SaveETag(ctx, &models.ETagEntry{
		ResourceKey:  key,
		ETag:         entry.etag,
		LastModified: entry.lastModified,
		Body:         entry.body,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.logger.WithError(err).WithField("resource", key).Warn("etag persist failed")
	}
}

// forget drops a validator from both tiers.
func (t *conditionalTransport) forget(ctx context.Context, key string) {
	t.mu.Lock()
	t.cache.Remove(key)
	t.mu.Unlock()
	if t.store == nil {
		return
	}
	if err := t.store.DeleteETag(ctx, key); err != nil {
		t.logger.WithError(err).WithField("resource", key).Warn("etag delete failed")
	}
}
