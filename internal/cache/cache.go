package cache

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

// Now returns current time.
func (SystemClock) Now() time.Time { return time.Now() }

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// TTLCache is a bounded key/value cache whose entries expire after a fixed age.
// When full, the oldest entry is evicted on insert.
type TTLCache[K comparable, V any] struct {
	items      *xsync.Map[K, entry[V]]
	ttl        time.Duration
	maxEntries int
	clock      Clock
}

// Option configures the cache.
type Option func(*options)

type options struct {
	clock      Clock
	maxEntries int
}

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMaxEntries bounds the cache size.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// New constructs a TTLCache.
func New[K comparable, V any](ttl time.Duration, opts ...Option) *TTLCache[K, V] {
	o := options{clock: SystemClock{}, maxEntries: 128}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTLCache[K, V]{
		items:      xsync.NewMap[K, entry[V]](),
		ttl:        ttl,
		maxEntries: o.maxEntries,
		clock:      o.clock,
	}
}

// Get returns the cached value and its store time when present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, time.Time, bool) {
	var zero V
	e, ok := c.items.Load(key)
	if !ok {
		return zero, time.Time{}, false
	}
	if c.expired(e) {
		c.items.Delete(key)
		return zero, time.Time{}, false
	}
	return e.value, e.storedAt, true
}

// Set stores a value stamped with the current time.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.items.Store(key, entry[V]{value: value, storedAt: c.clock.Now()})
	c.evict()
}

// Delete removes a key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.items.Delete(key)
}

// Purge drops every entry.
func (c *TTLCache[K, V]) Purge() {
	c.items.Clear()
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache[K, V]) Len() int {
	return c.items.Size()
}

func (c *TTLCache[K, V]) expired(e entry[V]) bool {
	if c.ttl <= 0 {
		return false
	}
	return c.clock.Now().Sub(e.storedAt) >= c.ttl
}

func (c *TTLCache[K, V]) evict() {
	for c.items.Size() > c.maxEntries {
		var (
			oldestKey K
			oldestAt  time.Time
			found     bool
		)
		c.items.Range(func(key K, e entry[V]) bool {
			if c.expired(e) {
				c.items.Delete(key)
				return true
			}
			if !found || e.storedAt.Before(oldestAt) {
				oldestKey, oldestAt, found = key, e.storedAt, true
			}
			return true
		})
		if !found {
			return
		}
		if c.items.Size() > c.maxEntries {
			c.items.Delete(oldestKey)
		}
	}
}
