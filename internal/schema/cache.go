package schema

import (
	"context"
	"sync"
	"time"
)

// Cache wraps a Provider with a TTL so every session bootstrap does not hit
// the introspection queries. A stale manifest is served when a refresh
// fails; the schema changes rarely and an outage surfaces through the
// readiness probe instead.
type Cache struct {
	Provider Provider
	TTL      time.Duration
	Clock    func() time.Time

	mu        sync.Mutex
	manifest  Manifest
	fetchedAt time.Time
	primed    bool
}

func NewCache(provider Provider, ttl time.Duration) *Cache {
	return &Cache{Provider: provider, TTL: ttl}
}

var _ Provider = (*Cache)(nil)

func (c *Cache) ensureDefaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

func (c *Cache) Manifest(ctx context.Context) (Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureDefaults()

	now := c.Clock()
	if c.primed && now.Sub(c.fetchedAt) < c.TTL {
		return c.manifest, nil
	}

	manifest, err := c.Provider.Manifest(ctx)
	if err != nil {
		if c.primed {
			return c.manifest, nil
		}
		return Manifest{}, err
	}

	c.manifest = manifest
	c.fetchedAt = now
	c.primed = true
	return manifest, nil
}

// Invalidate forces the next Manifest call to refresh.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primed = false
}
