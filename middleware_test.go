package varycache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore is an in-memory Storage that counts calls and records TTLs.
type testStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	gets    int
	sets    int
}

func newTestStore() *testStore {
	return &testStore{
		entries: make(map[string][]byte),
		ttls:    make(map[string]time.Duration),
	}
}

func (s *testStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	value, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *testStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	s.entries[key] = value
	s.ttls[key] = ttl
	return nil
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("backend down")
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}

// stubKeyer returns fixed keys regardless of the request.
type stubKeyer struct {
	base    string
	lookup  []string
	storage string
}

func (s stubKeyer) BaseKey(*http.Request) string                      { return s.base }
func (s stubKeyer) LookupVaryKeys(*http.Request, *VaryRules) []string { return s.lookup }
func (s stubKeyer) StorageVaryKey(*http.Request, *VaryRules) string   { return s.storage }

// newTestCache builds a middleware whose decision log is captured in the
// returned buffer for assertions against the diagnostic reason tags.
func newTestCache(t *testing.T, config Config) (*Middleware, *bytes.Buffer) {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := zerolog.New(logs)
	config.Logger = &logger
	return New(config), logs
}

func seedEntry(t *testing.T, store *testStore, key string, entry any) {
	t.Helper()
	data, err := encodeEntry(entry)
	require.NoError(t, err)
	store.entries[key] = data
}

func freshResponse(created time.Time, body string) *cachedResponse {
	return &cachedResponse{
		Created:    created,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Cache-Control": []string{"public, max-age=60"}},
		Body:       &segmentedBody{Segments: [][]byte{[]byte(body)}, Length: int64(len(body))},
	}
}

func unreachableHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("upstream handler should not have been invoked")
	})
}

func TestNewRequiresStorage(t *testing.T) {
	assert.Panics(t, func() { New(Config{}) })
}

func TestOnlyIfCachedWithoutEntryServesGatewayTimeout(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})

	r := httptest.NewRequest("GET", "/resource", nil)
	r.Header.Set("Cache-Control", "only-if-cached")
	rec := httptest.NewRecorder()
	m.Handler(unreachableHandler(t)).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "varycache; fwd=request", rec.Header().Get("Cache-Status"))
	assert.Contains(t, logs.String(), diagGatewayTimeoutServed)
	assert.NotContains(t, logs.String(), diagNoResponseServed)
}

func TestServeFromCacheOnBaseKeyHit(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})
	now := time.Now()
	m.clock = func() time.Time { return now }

	seedEntry(t, store, "GET\n/RESOURCE", freshResponse(now.Add(-2*time.Second), "hello"))

	rec := httptest.NewRecorder()
	m.Handler(unreachableHandler(t)).ServeHTTP(rec, httptest.NewRequest("GET", "/resource", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "2", rec.Header().Get("Age"))
	assert.Equal(t, "varycache; hit", rec.Header().Get("Cache-Status"))
	assert.Equal(t, 1, store.gets)
	assert.Contains(t, logs.String(), diagCachedResponseServed)
}

func TestAgeIsFlooredToWholeSeconds(t *testing.T) {
	store := newTestStore()
	m, _ := newTestCache(t, Config{Storage: store})
	now := time.Now()
	m.clock = func() time.Time { return now }

	seedEntry(t, store, "GET\n/RESOURCE", freshResponse(now.Add(-2900*time.Millisecond), "hello"))

	rec := httptest.NewRecorder()
	m.Handler(unreachableHandler(t)).ServeHTTP(rec, httptest.NewRequest("GET", "/resource", nil))

	assert.Equal(t, "2", rec.Header().Get("Age"))
}

func TestVaryIndirectionTriesLookupKeysInOrder(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{
		Storage: store,
		Keyer:   stubKeyer{base: "base", lookup: []string{"variant-a", "variant-b"}},
	})
	now := time.Now()
	m.clock = func() time.Time { return now }

	seedEntry(t, store, "base", &VaryRules{KeyPrefix: "p1", Headers: []string{"ACCEPT"}})
	seedEntry(t, store, "variant-b", freshResponse(now.Add(-time.Second), "variant body"))

	rec := httptest.NewRecorder()
	m.Handler(unreachableHandler(t)).ServeHTTP(rec, httptest.NewRequest("GET", "/resource", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "variant body", rec.Body.String())
	// base key, missing first variant, then the stored one
	assert.Equal(t, 3, store.gets)
	assert.Contains(t, logs.String(), diagCachedResponseServed)
}

func TestContentLengthMismatchIsNotStored(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Header().Set("Content-Length", "9")
		io.WriteString(w, "0123456789")
	})
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, httptest.NewRequest("GET", "/resource", nil))

	// the client still receives everything the handler wrote
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Equal(t, 0, store.sets)
	assert.Contains(t, logs.String(), diagResponseContentLengthMismatchNotCached)
}

func TestHeadResponseWithoutBodyIsStored(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Header().Set("Content-Length", "123")
	})
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, httptest.NewRequest("HEAD", "/resource", nil))

	assert.Equal(t, 1, store.sets)
	assert.Contains(t, logs.String(), diagResponseCached)
}

func TestDefaultValidityAppliesWithoutFreshnessInfo(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public")
		io.WriteString(w, "hello")
	})
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, httptest.NewRequest("GET", "/resource", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, store.sets)
	assert.Equal(t, DefaultValidity, store.ttls["GET\n/RESOURCE"])
	assert.Contains(t, logs.String(), diagNoResponseServed)
	assert.Contains(t, logs.String(), diagResponseCached)
}

func TestFlushingHandlerResponseIsCached(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})

	handlerCalls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.(http.Flusher).Flush()
		io.WriteString(w, "streamed body")
	})
	h := m.Handler(next)

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest("GET", "/stream", nil))
	assert.Equal(t, "streamed body", first.Body.String())
	assert.NotEmpty(t, first.Header().Get("Date"))
	assert.Contains(t, logs.String(), diagResponseCached)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest("GET", "/stream", nil))
	assert.Equal(t, "streamed body", second.Body.String())
	assert.Equal(t, "varycache; hit", second.Header().Get("Cache-Status"))
	assert.Equal(t, 1, handlerCalls)
}

func TestIfNoneMatchListServesNotModified(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})
	now := time.Now()
	m.clock = func() time.Time { return now }

	cached := freshResponse(now.Add(-time.Second), "hello")
	cached.Header.Set("Etag", `"E2"`)
	seedEntry(t, store, "GET\n/RESOURCE", cached)

	r := httptest.NewRequest("GET", "/resource", nil)
	r.Header.Set("If-None-Match", `"E0", "E1", "E2"`)
	rec := httptest.NewRecorder()
	m.Handler(unreachableHandler(t)).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, `"E2"`, rec.Header().Get("ETag"))
	assert.Contains(t, logs.String(), diagNotModifiedIfNoneMatchMatched)
	assert.Contains(t, logs.String(), diagNotModifiedServed)
}

func TestIfNoneMatchStarServesNotModified(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})
	now := time.Now()
	m.clock = func() time.Time { return now }

	seedEntry(t, store, "GET\n/RESOURCE", freshResponse(now.Add(-time.Second), "hello"))

	r := httptest.NewRequest("GET", "/resource", nil)
	r.Header.Set("If-None-Match", "*")
	rec := httptest.NewRecorder()
	m.Handler(unreachableHandler(t)).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Contains(t, logs.String(), diagNotModifiedIfNoneMatchStar)
}

func TestUnmatchedIfNoneMatchServesFullResponse(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})
	now := time.Now()
	m.clock = func() time.Time { return now }

	cached := freshResponse(now.Add(-time.Second), "hello")
	cached.Header.Set("Etag", `"A"`)
	cached.Header.Set("Last-Modified", formatHTTPDate(now.Add(-time.Hour)))
	seedEntry(t, store, "GET\n/RESOURCE", cached)

	// the date precondition would be satisfied, but an unmatched
	// If-None-Match never falls through to it
	r := httptest.NewRequest("GET", "/resource", nil)
	r.Header.Set("If-None-Match", `"B"`)
	r.Header.Set("If-Unmodified-Since", formatHTTPDate(now))
	rec := httptest.NewRecorder()
	m.Handler(unreachableHandler(t)).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Contains(t, logs.String(), diagCachedResponseServed)
}

func TestIfUnmodifiedSinceServesNotModified(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})
	now := time.Now()
	m.clock = func() time.Time { return now }

	cached := freshResponse(now.Add(-time.Second), "hello")
	cached.Header.Set("Last-Modified", formatHTTPDate(now.Add(-time.Hour)))
	seedEntry(t, store, "GET\n/RESOURCE", cached)

	r := httptest.NewRequest("GET", "/resource", nil)
	r.Header.Set("If-Unmodified-Since", formatHTTPDate(now))
	rec := httptest.NewRecorder()
	m.Handler(unreachableHandler(t)).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Contains(t, logs.String(), diagNotModifiedIfUnmodifiedSinceSatisfied)
}

func TestMissThenHit(t *testing.T) {
	store := newTestStore()
	m, _ := newTestCache(t, Config{Storage: store})

	handlerCalls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		w.Header().Set("Cache-Control", "public, max-age=60")
		io.WriteString(w, "origin body")
	})
	h := m.Handler(next)

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest("GET", "/page", nil))
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "origin body", first.Body.String())
	assert.Equal(t, "varycache; fwd=uri-miss", first.Header().Get("Cache-Status"))
	assert.NotEmpty(t, first.Header().Get("Date"))

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest("GET", "/page", nil))
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "origin body", second.Body.String())
	assert.Equal(t, "varycache; hit", second.Header().Get("Cache-Status"))
	assert.Equal(t, 1, handlerCalls)
}

func TestVaryByHeaderEndToEnd(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})
	m.mintPrefix = func() string { return "prefix1" }

	handlerCalls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Header().Set("Vary", "Accept-Encoding")
		io.WriteString(w, r.Header.Get("Accept-Encoding"))
	})
	h := m.Handler(next)

	do := func(encoding string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", "/asset", nil)
		r.Header.Set("Accept-Encoding", encoding)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	first := do("gzip")
	assert.Equal(t, "gzip", first.Body.String())
	assert.Equal(t, 1, handlerCalls)
	// one write for the vary rules, one for the variant
	assert.Equal(t, 2, store.sets)
	assert.Contains(t, logs.String(), diagVaryByRulesUpdated)

	second := do("gzip")
	assert.Equal(t, "gzip", second.Body.String())
	assert.Equal(t, "varycache; hit", second.Header().Get("Cache-Status"))
	assert.Equal(t, 1, handlerCalls)

	third := do("br")
	assert.Equal(t, "br", third.Body.String())
	assert.Equal(t, "varycache; fwd=vary-miss", third.Header().Get("Cache-Status"))
	assert.Equal(t, 2, handlerCalls)

	fourth := do("br")
	assert.Equal(t, "br", fourth.Body.String())
	assert.Equal(t, 2, handlerCalls)
}

func TestSetVaryByQueryKeysEndToEnd(t *testing.T) {
	store := newTestStore()
	m, _ := newTestCache(t, Config{Storage: store})
	m.mintPrefix = func() string { return "prefix1" }

	handlerCalls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		SetVaryByQueryKeys(r, "lang")
		w.Header().Set("Cache-Control", "public, max-age=60")
		io.WriteString(w, r.URL.Query().Get("lang"))
	})
	h := m.Handler(next)

	do := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		return rec
	}

	first := do("/page?lang=en")
	assert.Equal(t, "en", first.Body.String())
	assert.Equal(t, 1, handlerCalls)

	second := do("/page?lang=en")
	assert.Equal(t, "en", second.Body.String())
	assert.Equal(t, "varycache; hit", second.Header().Get("Cache-Status"))
	assert.Equal(t, 1, handlerCalls)

	third := do("/page?lang=fi")
	assert.Equal(t, "fi", third.Body.String())
	assert.Equal(t, 2, handlerCalls)
}

func TestNonGetRequestBypassesCache(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})

	handlerCalls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		w.WriteHeader(http.StatusCreated)
	})
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, httptest.NewRequest("POST", "/resource", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "varycache; fwd=bypass", rec.Header().Get("Cache-Status"))
	assert.Equal(t, 1, handlerCalls)
	assert.Equal(t, 0, store.gets)
	assert.Equal(t, 0, store.sets)
	assert.Contains(t, logs.String(), diagRequestMethodNotCacheable)
}

func TestStaleEntryForwardsToUpstream(t *testing.T) {
	store := newTestStore()
	m, _ := newTestCache(t, Config{Storage: store})
	now := time.Now()
	m.clock = func() time.Time { return now }

	seedEntry(t, store, "GET\n/RESOURCE", freshResponse(now.Add(-120*time.Second), "stale body"))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=60")
		io.WriteString(w, "fresh body")
	})
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, httptest.NewRequest("GET", "/resource", nil))

	assert.Equal(t, "fresh body", rec.Body.String())
	assert.Equal(t, "varycache; fwd=stale", rec.Header().Get("Cache-Status"))
	// the stale entry is replaced
	assert.Equal(t, 1, store.sets)
}

func TestUncacheableResponseIsNotStored(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not marked public")
	})
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, httptest.NewRequest("GET", "/resource", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not marked public", rec.Body.String())
	assert.Equal(t, 0, store.sets)
	assert.Contains(t, logs.String(), diagResponseNotCached)
}

func TestStorageFailuresAreTolerated(t *testing.T) {
	m, logs := newTestCache(t, Config{Storage: failingStore{}})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=60")
		io.WriteString(w, "still served")
	})
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, httptest.NewRequest("GET", "/resource", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "still served", rec.Body.String())
	assert.Contains(t, logs.String(), "cache read failed")
}

func TestBodySpanningSegmentsRoundTrips(t *testing.T) {
	store := newTestStore()
	m, _ := newTestCache(t, Config{Storage: store})

	body := bytes.Repeat([]byte("0123456789"), 1000) // spans multiple segments
	handlerCalls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Write(body)
	})
	h := m.Handler(next)

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest("GET", "/large", nil))
	assert.Equal(t, body, first.Body.Bytes())

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest("GET", "/large", nil))
	assert.Equal(t, body, second.Body.Bytes())
	assert.Equal(t, 1, handlerCalls)
}

func TestBodyOverLimitIsServedButNotStored(t *testing.T) {
	store := newTestStore()
	m, logs := newTestCache(t, Config{Storage: store, MaximumBodySize: 16})

	body := "this body is longer than sixteen bytes"
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=60")
		io.WriteString(w, body)
	})
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, httptest.NewRequest("GET", "/large", nil))

	assert.Equal(t, body, rec.Body.String())
	assert.Equal(t, 0, store.sets)
	assert.Contains(t, logs.String(), diagResponseNotCached)
}
