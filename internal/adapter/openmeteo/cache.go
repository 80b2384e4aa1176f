package openmeteo

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/wildfire-perimeter-etl/internal/domain"
	"github.com/couchcryptid/wildfire-perimeter-etl/internal/observability"
	"github.com/jellydator/ttlcache/v3"
)

// CachedResolver wraps an ElevationResolver with a TTL cache keyed by the
// coordinate rounded to 5 decimals. Misses are forwarded in one batch with
// each distinct key asked for once.
type CachedResolver struct {
	inner   domain.ElevationResolver
	cache   *ttlcache.Cache[string, float64]
	metrics *observability.Metrics
}

// NewCachedResolver creates a cache decorator and starts its expiry loop.
// Call Close to stop it.
func NewCachedResolver(inner domain.ElevationResolver, ttl time.Duration, metrics *observability.Metrics) *CachedResolver {
	cache := ttlcache.New(ttlcache.WithTTL[string, float64](ttl))
	go cache.Start()
	return &CachedResolver{inner: inner, cache: cache, metrics: metrics}
}

// Elevations returns one elevation per coordinate, in order. Cached keys are
// answered locally; coordinates that share a key within the call are
// resolved by a single upstream coordinate.
func (c *CachedResolver) Elevations(ctx context.Context, coords []domain.Coordinate) ([]float64, error) {
	out := make([]float64, len(coords))
	pending := make(map[string][]int)
	var (
		keys   []string
		misses []domain.Coordinate
	)
	for i, p := range coords {
		k := key(p)
		if item := c.cache.Get(k); item != nil {
			out[i] = item.Value()
			c.metrics.ElevationCache.WithLabelValues("hit").Inc()
			continue
		}
		if _, ok := pending[k]; ok {
			pending[k] = append(pending[k], i)
			c.metrics.ElevationCache.WithLabelValues("coalesced").Inc()
			continue
		}
		c.metrics.ElevationCache.WithLabelValues("miss").Inc()
		pending[k] = []int{i}
		keys = append(keys, k)
		misses = append(misses, p)
	}
	if len(misses) == 0 {
		return out, nil
	}

	resolved, err := c.inner.Elevations(ctx, misses)
	if err != nil {
		return nil, err
	}
	if len(resolved) != len(misses) {
		return nil, fmt.Errorf("resolver returned %d values for %d coordinates", len(resolved), len(misses))
	}
	for j, k := range keys {
		for _, i := range pending[k] {
			out[i] = resolved[j]
		}
		c.cache.Set(k, resolved[j], ttlcache.DefaultTTL)
	}
	return out, nil
}

// Len returns the number of cached coordinates.
func (c *CachedResolver) Len() int { return c.cache.Len() }

// Close stops the expiry loop.
func (c *CachedResolver) Close() { c.cache.Stop() }

func key(p domain.Coordinate) string {
	return fmt.Sprintf("%.5f,%.5f", p.Lon, p.Lat)
}
