package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"deepresearch/internal/logging"
	"deepresearch/internal/metrics"
)

const (
	cacheMaxSize = 256
	cacheTTL     = 15 * time.Minute
)

// cacheEntry holds a cached response along with the timestamp it was stored.
type cacheEntry struct {
	results  []Result
	storedAt time.Time
}

// Gateway serves search queries through a bounded TTL cache. A provider that
// is unconfigured or failing produces a degraded response instead of an
// error; the workflow treats degraded results as a recoverable condition.
type Gateway struct {
	provider Provider
	cache    *lru.Cache[string, cacheEntry]
	group    singleflight.Group
	ttl      time.Duration
	logger   logging.Logger
	metrics  *metrics.Metrics
}

// NewGateway wraps provider with the result cache. A nil provider is treated
// as permanently unconfigured.
func NewGateway(provider Provider, m *metrics.Metrics, logger logging.Logger) *Gateway {
	cache, err := lru.New[string, cacheEntry](cacheMaxSize)
	if err != nil {
		// lru.New only errors on a non-positive size.
		panic(err)
	}
	return &Gateway{
		provider: provider,
		cache:    cache,
		ttl:      cacheTTL,
		logger:   logging.WithComponent(logging.OrNop(logger), "search"),
		metrics:  m,
	}
}

// Configured reports whether the underlying provider has credentials.
func (g *Gateway) Configured() bool {
	return g.provider != nil && g.provider.Configured()
}

// Available probes the provider with a minimal query. It reports false in
// degraded mode.
func (g *Gateway) Available(ctx context.Context) bool {
	if !g.Configured() {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := g.provider.Search(probeCtx, "connectivity probe", 1)
	return err == nil
}

// Search returns ranked results for query. The error return is reserved for
// caller cancellation; provider trouble degrades instead of failing.
func (g *Gateway) Search(ctx context.Context, query, language string, maxResults int) (Response, error) {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	if !g.Configured() {
		g.metrics.SearchRequest("degraded")
		return Response{Degraded: true}, nil
	}

	key := cacheKey(query, language, maxResults)
	if entry, ok := g.cache.Get(key); ok {
		if time.Since(entry.storedAt) < g.ttl {
			g.metrics.SearchCacheHit()
			return Response{Results: append([]Result(nil), entry.results...)}, nil
		}
		// Expired; evict so the LRU bookkeeping stays clean.
		g.cache.Remove(key)
	}

	// Identical misses share one provider call.
	v, err, _ := g.group.Do(key, func() (any, error) {
		results, err := g.provider.Search(ctx, query, maxResults)
		if err != nil {
			return nil, err
		}
		g.cache.Add(key, cacheEntry{results: results, storedAt: time.Now()})
		return results, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			g.metrics.SearchRequest("cancelled")
			return Response{}, ctx.Err()
		}
		g.metrics.SearchRequest("error")
		g.logger.Warn("search failed, degrading: %v", err)
		return Response{Degraded: true}, nil
	}

	g.metrics.SearchRequest("ok")
	results := v.([]Result)
	return Response{Results: append([]Result(nil), results...)}, nil
}

// cacheKey normalizes the query (trim, casefold, collapse whitespace) and
// appends the language and limit.
func cacheKey(query, language string, maxResults int) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(query))), " ")
	return fmt.Sprintf("%s|%s|%d", normalized, language, maxResults)
}
