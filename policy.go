package varycache

import (
	"net/http"
	"strings"
)

// isRequestCacheable decides whether the request may interact with the
// cache at all. Only GET and HEAD requests without credentials and without
// an explicit client opt-out qualify.
func (m *Middleware) isRequestCacheable(reqCtx *requestContext, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		reqCtx.diag(diagRequestMethodNotCacheable)
		return false
	}
	if r.Header.Get("Authorization") != "" {
		reqCtx.diag(diagRequestWithAuthorizationNotCacheable)
		return false
	}
	if cc := r.Header.Values("Cache-Control"); len(cc) > 0 {
		if headerContains(cc, "no-cache") {
			reqCtx.diag(diagRequestWithNoCacheNotCacheable)
			return false
		}
	} else if headerContains(r.Header.Values("Pragma"), "no-cache") {
		reqCtx.diag(diagRequestWithPragmaNoCacheNotCacheable)
		return false
	}
	return true
}

// isResponseCacheable decides whether the finalized response may be
// stored. Shared-cache rules apply: the response must be explicitly marked
// public and not carry any directive or header excluding shared storage,
// and it must not already be expired at capture time.
func (m *Middleware) isResponseCacheable(reqCtx *requestContext, status int, header http.Header) bool {
	responseCC := header.Values("Cache-Control")
	if !headerContains(responseCC, "public") {
		reqCtx.diag(diagResponseWithoutPublicNotCacheable)
		return false
	}
	if headerContains(reqCtx.request.Header.Values("Cache-Control"), "no-store") ||
		headerContains(responseCC, "no-store") {
		reqCtx.diag(diagResponseWithNoStoreNotCacheable)
		return false
	}
	if headerContains(responseCC, "no-cache") {
		reqCtx.diag(diagResponseWithNoCacheNotCacheable)
		return false
	}
	if header.Get("Set-Cookie") != "" {
		reqCtx.diag(diagResponseWithSetCookieNotCacheable)
		return false
	}
	if vary := header.Values("Vary"); len(vary) == 1 && strings.TrimSpace(vary[0]) == "*" {
		reqCtx.diag(diagResponseWithVaryStarNotCacheable)
		return false
	}
	if headerContains(responseCC, "private") {
		reqCtx.diag(diagResponseWithPrivateNotCacheable)
		return false
	}
	if status != http.StatusOK {
		reqCtx.diag(diagResponseWithUnsuccessfulStatusCodeNotCacheable)
		return false
	}

	sharedMaxAge, hasSharedMaxAge := tryParseSeconds(responseCC, "s-maxage")
	maxAge, hasMaxAge := tryParseSeconds(responseCC, "max-age")
	expires, hasExpires := parseHTTPDate(header.Get("Expires"))
	if date, ok := parseHTTPDate(header.Get("Date")); ok {
		age := reqCtx.responseTime.Sub(date)
		switch {
		case hasSharedMaxAge:
			if age >= sharedMaxAge {
				reqCtx.diag(diagExpirationSharedMaxAgeExceeded)
				return false
			}
		case hasMaxAge:
			if age >= maxAge {
				reqCtx.diag(diagExpirationMaxAgeExceeded)
				return false
			}
		case hasExpires && !reqCtx.responseTime.Before(expires):
			reqCtx.diag(diagExpirationExpiresExceeded)
			return false
		}
	} else if !hasSharedMaxAge && !hasMaxAge && hasExpires && !reqCtx.responseTime.Before(expires) {
		reqCtx.diag(diagExpirationExpiresExceeded)
		return false
	}
	return true
}

// isEntryFresh applies the shared-cache freshness rules to the cached
// entry selected for this request. s-maxage strictly overrides max-age and
// leaves no staleness allowance; min-fresh shifts the evaluation point
// before any check runs.
func (m *Middleware) isEntryFresh(reqCtx *requestContext, r *http.Request) bool {
	age := reqCtx.entryAge
	requestCC := r.Header.Values("Cache-Control")
	cachedCC := reqCtx.cachedResponse.Header.Values("Cache-Control")

	if minFresh, ok := tryParseSeconds(requestCC, "min-fresh"); ok {
		age += minFresh
	}

	if sharedMaxAge, ok := tryParseSeconds(cachedCC, "s-maxage"); ok {
		if age >= sharedMaxAge {
			reqCtx.diag(diagExpirationSharedMaxAgeExceeded)
			reqCtx.fwd = fwdStale
			return false
		}
		return true
	}

	cachedMaxAge, hasCachedMaxAge := tryParseSeconds(cachedCC, "max-age")
	requestMaxAge, hasRequestMaxAge := tryParseSeconds(requestCC, "max-age")
	if hasCachedMaxAge || hasRequestMaxAge {
		lowestMaxAge := cachedMaxAge
		switch {
		case !hasCachedMaxAge:
			lowestMaxAge = requestMaxAge
		case hasRequestMaxAge && requestMaxAge < cachedMaxAge:
			lowestMaxAge = requestMaxAge
		}
		if age >= lowestMaxAge {
			if headerContains(cachedCC, "must-revalidate") {
				reqCtx.diag(diagExpirationMustRevalidate)
				reqCtx.fwd = fwdStale
				return false
			}
			if maxStale, ok := tryParseSeconds(requestCC, "max-stale"); ok && age-lowestMaxAge < maxStale {
				reqCtx.diag(diagExpirationMaxStaleSatisfied)
				return true
			}
			reqCtx.diag(diagExpirationMaxAgeExceeded)
			reqCtx.fwd = fwdStale
			return false
		}
		return true
	}

	if expires, ok := parseHTTPDate(reqCtx.cachedResponse.Header.Get("Expires")); ok && !m.clock().Before(expires) {
		reqCtx.diag(diagExpirationExpiresExceeded)
		reqCtx.fwd = fwdStale
		return false
	}
	return true
}
