package varycache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheHits counts responses served from the cache.
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "varycache_hits_total",
		Help: "Total number of responses served from the cache",
	})

	// cacheMisses counts requests forwarded upstream because no usable
	// cached response existed.
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "varycache_misses_total",
		Help: "Total number of requests forwarded because no usable cached response existed",
	})

	// responsesStored counts responses committed to storage.
	responsesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "varycache_responses_stored_total",
		Help: "Total number of responses written to the cache",
	})

	// notModifiedServed counts 304 responses answered from the cache.
	notModifiedServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "varycache_not_modified_total",
		Help: "Total number of 304 Not Modified responses served from the cache",
	})

	// storageErrors counts failed storage operations by operation.
	storageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "varycache_storage_errors_total",
		Help: "Total number of failed cache storage operations",
	}, []string{"operation"})
)
