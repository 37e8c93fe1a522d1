// ABOUTME: Thread-safe TTL cache remembering recently settled keys and a tag for each.
// ABOUTME: The dispatcher uses it to tell late task results apart from unknown ones.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	key     string
	tag     string
	expires time.Time
	element *list.Element
}

// Cache is a size-bounded, TTL-based set of keys, each carrying a short tag.
// Insertion order is kept in a linked list so the oldest key is evicted in
// O(1) when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most maxSize keys for ttl each. A background
// goroutine sweeps expired keys until Close is called.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Remember records key with tag, refreshing its expiry if already present.
func (c *Cache) Remember(key, tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if e, ok := c.entries[key]; ok {
		e.tag = tag
		e.expires = expires
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	e := &cacheEntry{key: key, tag: tag, expires: expires}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
}

// Lookup returns the tag remembered for key if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expires) {
		c.removeLocked(e)
		return "", false
	}
	return e.tag, true
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.removeLocked(front.Value.(*cacheEntry))
}

func (c *Cache) removeLocked(e *cacheEntry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

func (c *Cache) sweepLoop() {
	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep drops every expired key.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Expiry is monotonic in insertion order only when Remember is never
	// called twice for a key, so walk everything.
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*cacheEntry)
		if !now.Before(entry.expires) {
			c.removeLocked(entry)
		}
		e = next
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
