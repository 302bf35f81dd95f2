package availability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(30 * time.Second).WithClock(func() time.Time { return now })

	calls := 0
	up := true
	probe := func(context.Context) bool {
		calls++
		return up
	}

	ctx := context.Background()
	assert.True(t, c.Check(ctx, probe))
	now = now.Add(29 * time.Second)
	up = false
	assert.True(t, c.Check(ctx, probe), "fresh result is served from cache")
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Second)
	assert.False(t, c.Check(ctx, probe), "expired result is refreshed")
	assert.Equal(t, 2, calls)

	up = true
	now = now.Add(10 * time.Second)
	assert.False(t, c.Check(ctx, probe), "negative results are cached too")
	assert.Equal(t, 2, calls)

	c.Invalidate()
	assert.True(t, c.Check(ctx, probe))
	assert.Equal(t, 3, c.Probes())
}

func TestCacheDefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, New(0).ttl)
}

func TestCacheIgnoresCancelledProbe(t *testing.T) {
	c := New(30 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	slow := func(ctx context.Context) bool {
		cancel()
		<-ctx.Done()
		return false
	}
	assert.False(t, c.Check(ctx, slow), "cancelled caller sees unavailable")

	up := func(context.Context) bool { return true }
	assert.True(t, c.Check(context.Background(), up), "next caller probes again")
	assert.Equal(t, 2, c.Probes())
}
