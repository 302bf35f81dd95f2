// Package availability caches provider health probes.
package availability

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is used when a cache is created with a non-positive window.
const DefaultTTL = 30 * time.Second

// Probe reports whether a provider can currently serve requests.
type Probe func(ctx context.Context) bool

// Cache remembers the last probe result, positive or negative, for a fixed
// window. Concurrent callers during a refresh share one probe.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	valid   bool
	ok      bool
	checked time.Time
	probes  int
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Check returns the cached result while it is fresh and runs probe
// otherwise. A probe cut short by the caller's context reports false and is
// not cached.
func (c *Cache) Check(ctx context.Context, probe Probe) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.valid && now.Sub(c.checked) < c.ttl {
		return c.ok
	}
	ok := probe(ctx)
	c.probes++
	if ctx.Err() != nil {
		return false
	}
	c.ok = ok
	c.valid = true
	c.checked = now
	return c.ok
}

// Invalidate forces the next Check to probe.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// Probes returns how many probes ran.
func (c *Cache) Probes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes
}
