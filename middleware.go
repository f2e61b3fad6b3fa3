package varycache

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Defaults for the corresponding Config fields.
const (
	// DefaultMaximumBodySize is the per-response buffering cap (64 MiB).
	DefaultMaximumBodySize int64 = 64 * 1024 * 1024
	// DefaultValidity is the storage TTL for cacheable responses that
	// carry no explicit freshness information.
	DefaultValidity = 10 * time.Second
)

// Config configures a Middleware.
type Config struct {
	// Storage for serialized cache entries. Required.
	Storage Storage
	// Logger to use. A disabled logger is used if nil.
	Logger *zerolog.Logger
	// Keyer overrides the default key derivation.
	Keyer KeyProvider
	// MaximumBodySize is the per-response buffering cap in bytes.
	// Responses whose bodies grow past it are streamed but not stored.
	MaximumBodySize int64
	// UseCaseSensitivePaths keys paths verbatim instead of upper-folded.
	UseCaseSensitivePaths bool
	// DefaultValidity is the storage TTL for cacheable responses without
	// explicit freshness information.
	DefaultValidity time.Duration
}

// Middleware is a shared HTTP response cache. It serves eligible requests
// from storage and captures cacheable upstream responses on the way out.
//
// Concurrent requests for the same resource may all miss and all attempt
// to store; the last write wins. That is deliberate: the cache is best
// effort and duplicate upstream work on a miss is accepted.
type Middleware struct {
	store Storage
	keyer KeyProvider
	log   zerolog.Logger

	maximumBodySize int64
	defaultValidity time.Duration

	clock      func() time.Time
	mintPrefix func() string
}

// New creates a response-caching middleware.
func New(config Config) *Middleware {
	if config.Storage == nil {
		panic("varycache: Config.Storage is required")
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	keyer := config.Keyer
	if keyer == nil {
		keyer = keyProvider{caseSensitivePaths: config.UseCaseSensitivePaths}
	}
	maximumBodySize := config.MaximumBodySize
	if maximumBodySize <= 0 {
		maximumBodySize = DefaultMaximumBodySize
	}
	defaultValidity := config.DefaultValidity
	if defaultValidity <= 0 {
		defaultValidity = DefaultValidity
	}
	return &Middleware{
		store:           config.Storage,
		keyer:           keyer,
		log:             logger,
		maximumBodySize: maximumBodySize,
		defaultValidity: defaultValidity,
		clock:           time.Now,
		mintPrefix:      func() string { return xid.New().String() },
	}
}

// Handler wraps next with the cache. It is shaped for chi-style mounting:
//
//	r.Use(cache.Handler)
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, next)
	})
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	reqCtx := &requestContext{
		varyQueryKeys: &varyQueryKeysFeature{},
		log: m.log.With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger(),
	}

	if !m.isRequestCacheable(reqCtx, r) {
		setCacheStatus(w.Header(), cacheStatus{fwdReason: fwdBypass})
		next.ServeHTTP(w, r)
		return
	}

	reqCtx.baseKey = m.keyer.BaseKey(r)
	reqCtx.log = reqCtx.log.With().Str("key", reqCtx.baseKey).Logger()

	if m.tryServeFromCache(reqCtx, w, r) {
		return
	}

	// only-if-cached forbids forwarding to the upstream handler
	if headerContains(r.Header.Values("Cache-Control"), "only-if-cached") {
		reqCtx.diag(diagGatewayTimeoutServed)
		setCacheStatus(w.Header(), cacheStatus{fwdReason: fwdRequest})
		w.WriteHeader(http.StatusGatewayTimeout)
		return
	}
	reqCtx.diag(diagNoResponseServed)

	cacheMisses.Inc()
	m.forwardAndCapture(reqCtx, w, r, next)
}

// tryServeFromCache resolves the base key, following a vary-rules
// indirection if one is stored, and serves the cached response when it is
// fresh. It reports whether the response was fully served.
func (m *Middleware) tryServeFromCache(reqCtx *requestContext, w http.ResponseWriter, r *http.Request) bool {
	m.lookup(reqCtx, r)
	if reqCtx.cachedResponse == nil {
		return false
	}
	reqCtx.entryAge = m.clock().Sub(reqCtx.cachedResponse.Created)
	if !m.isEntryFresh(reqCtx, r) {
		reqCtx.cachedResponse = nil
		return false
	}
	if reason, notModified := m.contentNotModified(reqCtx, r); notModified {
		reqCtx.diag(reason)
		reqCtx.diag(diagNotModifiedServed)
		notModifiedServed.Inc()
		m.writeNotModified(reqCtx, w)
		return true
	}
	m.writeCachedResponse(reqCtx, w)
	return true
}

// lookup resolves the base key to a cached response, dereferencing a
// stored vary-rules record when present. Storage errors count as misses.
func (m *Middleware) lookup(reqCtx *requestContext, r *http.Request) {
	entry, err := m.getEntry(r.Context(), reqCtx.baseKey)
	if err != nil {
		reqCtx.fwd = fwdUriMiss
		return
	}
	switch e := entry.(type) {
	case *cachedResponse:
		reqCtx.cachedResponse = e
		reqCtx.storageKey = reqCtx.baseKey
	case *VaryRules:
		reqCtx.cachedRules = e
		for _, key := range m.keyer.LookupVaryKeys(r, e) {
			variant, err := m.getEntry(r.Context(), key)
			if err != nil {
				continue
			}
			if res, ok := variant.(*cachedResponse); ok {
				reqCtx.cachedResponse = res
				reqCtx.storageKey = key
				return
			}
		}
		reqCtx.fwd = fwdVaryMiss
	}
}

// getEntry reads and decodes one entry. Any failure is reported as a miss
// to the caller.
func (m *Middleware) getEntry(ctx context.Context, key string) (any, error) {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			storageErrors.WithLabelValues("get").Inc()
			m.log.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		}
		return nil, err
	}
	entry, err := decodeEntry(data)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("could not decode cache entry")
		return nil, err
	}
	return entry, nil
}

// contentNotModified evaluates the request preconditions against the
// cached response headers. It returns the matching diagnostic tag when a
// 304 may be served instead of the cached body.
func (m *Middleware) contentNotModified(reqCtx *requestContext, r *http.Request) (string, bool) {
	cached := reqCtx.cachedResponse.Header
	if ifNoneMatch := r.Header.Values("If-None-Match"); len(ifNoneMatch) > 0 {
		if len(ifNoneMatch) == 1 && strings.TrimSpace(ifNoneMatch[0]) == "*" {
			return diagNotModifiedIfNoneMatchStar, true
		}
		if cachedETag := cached.Get("Etag"); cachedETag != "" {
			for _, value := range ifNoneMatch {
				for _, tag := range strings.Split(value, ",") {
					if etagWeakMatch(strings.TrimSpace(tag), cachedETag) {
						return diagNotModifiedIfNoneMatchMatched, true
					}
				}
			}
		}
		// an unmatched If-None-Match never falls through to the date check
		return "", false
	}
	if threshold, ok := parseHTTPDate(r.Header.Get("If-Unmodified-Since")); ok {
		resource := cached.Get("Last-Modified")
		if resource == "" {
			resource = cached.Get("Date")
		}
		if resourceTime, ok := parseHTTPDate(resource); ok && !resourceTime.After(threshold) {
			return diagNotModifiedIfUnmodifiedSinceSatisfied, true
		}
	}
	return "", false
}

// etagWeakMatch compares entity tags ignoring the weakness prefix; the
// opaque values are compared verbatim.
func etagWeakMatch(a, b string) bool {
	return strings.TrimPrefix(a, "W/") == strings.TrimPrefix(b, "W/")
}

// notModifiedHeaders is the header subset a 304 may carry (RFC 7232).
var notModifiedHeaders = []string{"Cache-Control", "Content-Location", "Date", "ETag", "Expires", "Vary"}

func (m *Middleware) writeNotModified(reqCtx *requestContext, w http.ResponseWriter) {
	for _, name := range notModifiedHeaders {
		for _, value := range reqCtx.cachedResponse.Header.Values(name) {
			w.Header().Add(name, value)
		}
	}
	setCacheStatus(w.Header(), cacheStatus{hit: true})
	w.WriteHeader(http.StatusNotModified)
}

func (m *Middleware) writeCachedResponse(reqCtx *requestContext, w http.ResponseWriter) {
	res := reqCtx.cachedResponse
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Age", strconv.FormatInt(int64(reqCtx.entryAge/time.Second), 10))
	setCacheStatus(w.Header(), cacheStatus{hit: true})
	w.WriteHeader(res.StatusCode)
	if res.Body != nil {
		if _, err := res.Body.writeTo(w); err != nil {
			// client went away mid-playback; stored state is untouched
			reqCtx.log.Error().Err(err).Msg("could not write cached body to client")
			return
		}
	}
	cacheHits.Inc()
	reqCtx.diag(diagCachedResponseServed)
}

// forwardAndCapture invokes the upstream handler behind a capture stream
// and commits the response to storage when it qualifies.
func (m *Middleware) forwardAndCapture(reqCtx *requestContext, w http.ResponseWriter, r *http.Request, next http.Handler) {
	fwd := reqCtx.fwd
	if fwd == "" {
		fwd = fwdUriMiss
	}
	setCacheStatus(w.Header(), cacheStatus{fwdReason: fwd})

	r = r.WithContext(context.WithValue(r.Context(), varyQueryKeysCtxKey{}, reqCtx.varyQueryKeys))
	reqCtx.request = r
	cw := newCacheWriter(w, m, reqCtx)

	next.ServeHTTP(cw, r)

	if !reqCtx.responseStarted {
		m.finalizeHeaders(reqCtx, cw.status, cw.Header())
	}
	m.finalizeBody(reqCtx, r)
}

// finalizeHeaders runs once per captured response, before the first body
// byte reaches the network. It stamps Date, decides storability, computes
// the entry lifetime, refreshes the vary rules, and snapshots the response
// status and headers.
func (m *Middleware) finalizeHeaders(reqCtx *requestContext, status int, header http.Header) {
	if reqCtx.responseStarted {
		return
	}
	reqCtx.responseStarted = true
	reqCtx.responseTime = m.clock()

	if header.Get("Date") == "" {
		header.Set("Date", formatHTTPDate(reqCtx.responseTime))
	}

	reqCtx.shouldCache = m.isResponseCacheable(reqCtx, status, header)
	if !reqCtx.shouldCache {
		if reqCtx.capture != nil {
			reqCtx.capture.disableBuffering()
		}
		return
	}

	reqCtx.validFor = m.responseValidFor(reqCtx, header)
	reqCtx.storageKey = reqCtx.baseKey
	m.updateVaryRules(reqCtx, header)

	reqCtx.cachedResponse = &cachedResponse{
		Created:    reqCtx.responseTime,
		StatusCode: status,
		Header:     snapshotHeader(header),
	}
}

// responseValidFor derives the storage TTL: s-maxage wins over max-age,
// which wins over Expires, with a configured fallback when the response
// says nothing about freshness.
func (m *Middleware) responseValidFor(reqCtx *requestContext, header http.Header) time.Duration {
	cc := header.Values("Cache-Control")
	if sharedMaxAge, ok := tryParseSeconds(cc, "s-maxage"); ok {
		return sharedMaxAge
	}
	if maxAge, ok := tryParseSeconds(cc, "max-age"); ok {
		return maxAge
	}
	if expires, ok := parseHTTPDate(header.Get("Expires")); ok {
		if d := expires.Sub(reqCtx.responseTime); d > 0 {
			return d
		}
	}
	return m.defaultValidity
}

// updateVaryRules stores or refreshes the vary-rules record under the base
// key and redirects the storage key to the matching variant. An existing
// record with identical normalized header and query key sets keeps its key
// prefix so previously stored variants stay reachable.
func (m *Middleware) updateVaryRules(reqCtx *requestContext, header http.Header) {
	varyHeaders := splitNormalizedVary(header.Values("Vary"))
	queryKeys := normalizeStringValues(reqCtx.varyQueryKeys.keys)
	if len(varyHeaders) == 0 && len(queryKeys) == 0 {
		return
	}

	rules := reqCtx.cachedRules
	if rules == nil || !rules.matches(varyHeaders, queryKeys) {
		rules = &VaryRules{
			KeyPrefix: m.mintPrefix(),
			Headers:   varyHeaders,
			QueryKeys: queryKeys,
		}
	}
	reqCtx.cachedRules = rules
	reqCtx.diag(diagVaryByRulesUpdated)

	data, err := encodeEntry(rules)
	if err != nil {
		reqCtx.log.Error().Err(err).Msg("could not encode vary rules")
		return
	}
	if err := m.store.Set(reqCtx.request.Context(), reqCtx.baseKey, data, reqCtx.validFor); err != nil {
		storageErrors.WithLabelValues("set").Inc()
		reqCtx.log.Error().Err(err).Str("key", reqCtx.baseKey).Msg("could not store vary rules")
	}
	reqCtx.storageKey = m.keyer.StorageVaryKey(reqCtx.request, rules)
}

// finalizeBody commits the captured body to storage once the upstream
// handler has returned.
func (m *Middleware) finalizeBody(reqCtx *requestContext, r *http.Request) {
	if !reqCtx.shouldCache || reqCtx.cachedResponse == nil {
		reqCtx.diag(diagResponseNotCached)
		return
	}
	capture := reqCtx.capture
	if capture == nil || !capture.bufferingEnabled() {
		reqCtx.diag(diagResponseNotCached)
		return
	}
	if declared, ok := declaredContentLength(reqCtx.cachedResponse.Header); ok && declared != capture.bufferedLength() {
		// a HEAD response body is legitimately empty regardless of the
		// declared entity length
		if capture.bufferedLength() != 0 || r.Method != http.MethodHead {
			reqCtx.diag(diagResponseContentLengthMismatchNotCached)
			return
		}
	}
	reqCtx.cachedResponse.Body = capture.body()

	data, err := encodeEntry(reqCtx.cachedResponse)
	if err != nil {
		reqCtx.log.Error().Err(err).Msg("could not encode cached response")
		return
	}
	if err := m.store.Set(r.Context(), reqCtx.storageKey, data, reqCtx.validFor); err != nil {
		storageErrors.WithLabelValues("set").Inc()
		reqCtx.log.Error().Err(err).Str("key", reqCtx.storageKey).Msg("could not write response to cache")
		return
	}
	responsesStored.Inc()
	reqCtx.diag(diagResponseCached)
}

func declaredContentLength(header http.Header) (int64, bool) {
	value := header.Get("Content-Length")
	if value == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func setCacheStatus(header http.Header, status cacheStatus) {
	header.Set("Cache-Status", status.String())
}

// snapshotHeader copies a header map, detaching it from the live response.
func snapshotHeader(header http.Header) http.Header {
	snapshot := make(http.Header, len(header))
	for name, values := range header {
		snapshot[name] = append([]string(nil), values...)
	}
	snapshot.Del("Cache-Status")
	return snapshot
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
