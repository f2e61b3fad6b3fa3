package varycache

// Reason tags carried by the structured cache-decision events the
// middleware emits. The set is fixed; tests key off these values.
const (
	diagGatewayTimeoutServed                  = "GatewayTimeoutServed"
	diagNoResponseServed                      = "NoResponseServed"
	diagCachedResponseServed                  = "CachedResponseServed"
	diagNotModifiedServed                     = "NotModifiedServed"
	diagNotModifiedIfNoneMatchStar            = "NotModifiedIfNoneMatchStar"
	diagNotModifiedIfNoneMatchMatched         = "NotModifiedIfNoneMatchMatched"
	diagNotModifiedIfUnmodifiedSinceSatisfied = "NotModifiedIfUnmodifiedSinceSatisfied"
	diagVaryByRulesUpdated                    = "VaryByRulesUpdated"
	diagResponseCached                        = "ResponseCached"
	diagResponseNotCached                     = "ResponseNotCached"

	diagResponseContentLengthMismatchNotCached = "ResponseContentLengthMismatchNotCached"

	diagRequestMethodNotCacheable            = "RequestMethodNotCacheable"
	diagRequestWithAuthorizationNotCacheable = "RequestWithAuthorizationNotCacheable"
	diagRequestWithNoCacheNotCacheable       = "RequestWithNoCacheNotCacheable"
	diagRequestWithPragmaNoCacheNotCacheable = "RequestWithPragmaNoCacheNotCacheable"

	diagResponseWithoutPublicNotCacheable              = "ResponseWithoutPublicNotCacheable"
	diagResponseWithNoStoreNotCacheable                = "ResponseWithNoStoreNotCacheable"
	diagResponseWithNoCacheNotCacheable                = "ResponseWithNoCacheNotCacheable"
	diagResponseWithSetCookieNotCacheable              = "ResponseWithSetCookieNotCacheable"
	diagResponseWithVaryStarNotCacheable               = "ResponseWithVaryStarNotCacheable"
	diagResponseWithPrivateNotCacheable                = "ResponseWithPrivateNotCacheable"
	diagResponseWithUnsuccessfulStatusCodeNotCacheable = "ResponseWithUnsuccessfulStatusCodeNotCacheable"

	diagExpirationSharedMaxAgeExceeded = "ExpirationSharedMaxAgeExceeded"
	diagExpirationMustRevalidate       = "ExpirationMustRevalidate"
	diagExpirationMaxAgeExceeded       = "ExpirationMaxAgeExceeded"
	diagExpirationMaxStaleSatisfied    = "ExpirationMaxStaleSatisfied"
	diagExpirationExpiresExceeded      = "ExpirationExpiresExceeded"
)

// Cache-Status forward reasons, per RFC 9211.
const (
	fwdBypass   = "bypass"
	fwdUriMiss  = "uri-miss"
	fwdVaryMiss = "vary-miss"
	fwdStale    = "stale"
	fwdRequest  = "request"
)

// cacheStatus renders the Cache-Status header value attached to every
// response leaving the middleware.
type cacheStatus struct {
	hit       bool
	fwdReason string
}

func (s cacheStatus) String() string {
	if s.hit {
		return "varycache; hit"
	}
	return "varycache; fwd=" + s.fwdReason
}
