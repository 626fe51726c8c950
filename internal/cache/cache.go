// Package cache stores combined identification results keyed by the
// request content hash.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/plantid/internal/metrics"
	"github.com/sells-group/plantid/internal/model"
)

// KeyPrefix namespaces result keys; bump the version when the cached
// shape changes.
const KeyPrefix = "plantid:v1:"

// DefaultTTL is how long a combined result stays valid.
const DefaultTTL = 24 * time.Hour

// Cache is a content-addressed result store. A miss returns ok=false with a
// nil error; backend failures return an error.
type Cache interface {
	Get(ctx context.Context, key string) (model.CombinedResult, bool, error)
	Set(ctx context.Context, key string, value model.CombinedResult, ttl time.Duration) error
}

// Key returns the cache key for req. The content hash already covers the
// normalized options.
func Key(req model.Request) string {
	return KeyPrefix + req.ContentHash()
}

// Instrumented records lookup metrics for an underlying backend.
type Instrumented struct {
	backend string
	next    Cache
	log     *zap.Logger
}

// WithMetrics wraps c so lookups are counted under the given backend label.
func WithMetrics(backend string, c Cache) *Instrumented {
	return &Instrumented{backend: backend, next: c, log: zap.L().With(zap.String("cache", backend))}
}

// Get implements Cache.
func (i *Instrumented) Get(ctx context.Context, key string) (model.CombinedResult, bool, error) {
	v, ok, err := i.next.Get(ctx, key)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues(i.backend, "error").Inc()
		i.log.Warn("cache: get failed", zap.String("key", key), zap.Error(err))
	case ok:
		metrics.CacheLookups.WithLabelValues(i.backend, "hit").Inc()
	default:
		metrics.CacheLookups.WithLabelValues(i.backend, "miss").Inc()
	}
	return v, ok, err
}

// Set implements Cache.
func (i *Instrumented) Set(ctx context.Context, key string, value model.CombinedResult, ttl time.Duration) error {
	err := i.next.Set(ctx, key, value, ttl)
	if err != nil {
		i.log.Warn("cache: set failed", zap.String("key", key), zap.Error(err))
	}
	return err
}
