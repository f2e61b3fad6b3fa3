package varycache

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// requestContext carries the per-request caching state through the
// pipeline. It is owned by the request that created it and never shared;
// only storage is shared between requests.
type requestContext struct {
	request *http.Request

	baseKey    string
	storageKey string
	fwd        string

	cachedResponse *cachedResponse
	cachedRules    *VaryRules
	entryAge       time.Duration

	responseTime    time.Time
	responseStarted bool
	shouldCache     bool
	validFor        time.Duration

	capture       *captureStream
	varyQueryKeys *varyQueryKeysFeature

	log zerolog.Logger
}

// diag emits one structured cache-decision event.
func (c *requestContext) diag(reason string) {
	c.log.Debug().Str("reason", reason).Msg("cache decision")
}

// varyQueryKeysFeature is the mutable per-request slot handlers write
// their vary-by-query-keys into.
type varyQueryKeysFeature struct {
	keys []string
}

type varyQueryKeysCtxKey struct{}

// SetVaryByQueryKeys instructs the cache, from within a downstream
// handler, to include the given query string keys when selecting between
// stored representations of the requested resource. The single key "*"
// means all query keys. It has no effect when the caching middleware is
// not in the chain.
func SetVaryByQueryKeys(r *http.Request, keys ...string) {
	if feature, ok := r.Context().Value(varyQueryKeysCtxKey{}).(*varyQueryKeysFeature); ok {
		feature.keys = keys
	}
}
