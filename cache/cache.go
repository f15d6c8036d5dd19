// Package cache provides an in-memory hot cache of decompressed content
// objects, bounded by entry count with strict least-recently-used
// eviction.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	webarchive "github.com/wolfeidau/web-archive"
)

const (
	// DefaultMaxEntries is the default cache capacity.
	DefaultMaxEntries = 1000

	// DefaultMaxEntrySize is the per-entry size ceiling. Objects larger
	// than this are never cached; they are served from the store on
	// every read.
	DefaultMaxEntrySize = 1 << 20 // 1 MiB
)

// HotCache caches decompressed content bytes keyed by content hash.
// A cache miss is never an error; the caller falls through to the
// content store. Entries are immutable once inserted: content is
// addressed by its hash, so the bytes for a key never change.
type HotCache struct {
	lru          *lru.Cache[webarchive.Hash, []byte]
	maxEntrySize int
}

// Option configures a HotCache.
type Option func(*HotCache)

// WithMaxEntrySize overrides the per-entry size ceiling.
func WithMaxEntrySize(n int) Option {
	return func(c *HotCache) {
		c.maxEntrySize = n
	}
}

// New creates a hot cache holding at most maxEntries objects.
func New(maxEntries int, opts ...Option) (*HotCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	c := &HotCache{maxEntrySize: DefaultMaxEntrySize}
	for _, opt := range opts {
		opt(c)
	}

	l, err := lru.New[webarchive.Hash, []byte](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("creating lru cache: %w", err)
	}
	c.lru = l

	return c, nil
}

// Get returns the cached bytes for a hash and marks the entry as most
// recently used.
func (c *HotCache) Get(h webarchive.Hash) ([]byte, bool) {
	return c.lru.Get(h)
}

// Add inserts decompressed bytes under the hash. Oversized objects are
// silently skipped; when the cache is full the least recently used
// entry is evicted first. Reports whether the bytes were cached.
func (c *HotCache) Add(h webarchive.Hash, data []byte) bool {
	if len(data) > c.maxEntrySize {
		return false
	}
	c.lru.Add(h, data)
	return true
}

// Remove drops an entry, if present. Used when a stored object fails
// verification and must not be served.
func (c *HotCache) Remove(h webarchive.Hash) {
	c.lru.Remove(h)
}

// Len returns the number of cached entries.
func (c *HotCache) Len() int {
	return c.lru.Len()
}

// Purge drops all entries.
func (c *HotCache) Purge() {
	c.lru.Purge()
}
