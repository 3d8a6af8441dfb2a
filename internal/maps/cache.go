package maps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// CachingRouter memoizes Estimate results for a TTL. Fare quotes hit the
// router twice per ride request (quote, then create), so this keeps the
// provider bill down without changing any answer within the window.
type CachingRouter struct {
	next Router
	ttl  time.Duration

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	route Route
	ts    time.Time
}

func NewCachingRouter(next Router, ttl time.Duration) *CachingRouter {
	return &CachingRouter{next: next, ttl: ttl, store: make(map[string]cacheEntry)}
}

func (c *CachingRouter) Estimate(ctx context.Context, origin, destination models.Coord) (Route, error) {
	k := cacheKey(origin, destination)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.ttl {
		return e.route, nil
	}
	route, err := c.next.Estimate(ctx, origin, destination)
	if err != nil {
		return Route{}, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{route: route, ts: time.Now()}
	c.mu.Unlock()
	return route, nil
}

// Polyline is never cached: it is fetched once per confirmation.
func (c *CachingRouter) Polyline(ctx context.Context, origin, destination models.Coord) ([]models.Coord, error) {
	return c.next.Polyline(ctx, origin, destination)
}

func cacheKey(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}
