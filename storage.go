package varycache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Storage.Get when no live entry exists for a
// key.
var ErrNotFound = errors.New("varycache: entry not found")

// Storage is a byte-oriented blob store keyed by opaque strings.
//
// Implementations must be safe for concurrent use. Set must make the entry
// visible to subsequent Gets before returning, and entries must not be
// returned once their TTL has elapsed. The middleware treats Get failures
// as misses and logs Set failures, so best-effort backends are fine.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
