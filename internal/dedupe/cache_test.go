// ABOUTME: Tests for the TTL cache of settled keys.
// ABOUTME: Validates expiry, tag refresh, size eviction and concurrent use.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	c := New(ttl, size, WithClock(clock.Now))
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_LookupMissing(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	_, ok := c.Lookup("never-seen")
	assert.False(t, ok)
}

func TestCache_RememberAndLookup(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Remember("task-1", "timeout")

	tag, ok := c.Lookup("task-1")
	require.True(t, ok)
	assert.Equal(t, "timeout", tag)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Remember("task-1", "completed")
	clock.Advance(59 * time.Second)
	_, ok := c.Lookup("task-1")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Lookup("task-1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_RememberRefreshes(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Remember("task-1", "timeout")
	clock.Advance(50 * time.Second)
	c.Remember("task-1", "cancelled")
	clock.Advance(50 * time.Second)

	tag, ok := c.Lookup("task-1")
	require.True(t, ok)
	assert.Equal(t, "cancelled", tag)
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 3)

	c.Remember("a", "x")
	c.Remember("b", "x")
	c.Remember("c", "x")
	c.Remember("d", "x")

	_, ok := c.Lookup("a")
	assert.False(t, ok)
	for _, k := range []string{"b", "c", "d"} {
		_, ok := c.Lookup(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, 3, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Remember("old", "x")
	clock.Advance(30 * time.Second)
	c.Remember("new", "x")
	clock.Advance(45 * time.Second)

	c.Sweep()
	assert.Equal(t, 1, c.Len())
	_, ok := c.Lookup("new")
	assert.True(t, ok)
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestCache_Concurrent(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 1000)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := range 50 {
				key := fmt.Sprintf("k-%d-%d", n, j)
				c.Remember(key, "completed")
				c.Lookup(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, c.Len())
}
