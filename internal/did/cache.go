package did

import (
	"container/list"
	"sync"
	"time"
)

// CacheState classifies a cache lookup.
type CacheState int

const (
	// CacheMiss means the identity has never been cached or the entry
	// expired.
	CacheMiss CacheState = iota
	// CacheHit means a document was found.
	CacheHit
	// CacheNegative means the identity was previously confirmed absent.
	CacheNegative
)

// DocumentCache stores resolved DID documents. Implementations never perform
// network I/O; a negative entry records a confirmed-absent identity and is
// distinct from the identity simply not being cached.
type DocumentCache interface {
	Get(did string) (*Document, CacheState)
	Put(did string, doc *Document)
	PutNegative(did string)
	Has(did string) bool
	Delete(did string)
	Clear()
}

const (
	defaultCacheCapacity = 1024
	defaultDocumentTTL   = 10 * time.Minute
	defaultNegativeTTL   = time.Minute
)

type cacheEntry struct {
	did       string
	doc       *Document // nil marks a negative entry
	expiresAt time.Time
}

// MemoryCache is a bounded in-process LRU document cache. Reads refresh
// recency; inserting past capacity evicts the least recently used entry.
type MemoryCache struct {
	mu          sync.Mutex
	capacity    int
	documentTTL time.Duration
	negativeTTL time.Duration
	entries     map[string]*list.Element
	order       *list.List // front = most recently used

	now func() time.Time
}

// MemoryCacheConfig tunes a MemoryCache. Zero values select defaults.
type MemoryCacheConfig struct {
	Capacity    int
	DocumentTTL time.Duration
	NegativeTTL time.Duration
}

// NewMemoryCache builds an empty cache.
func NewMemoryCache(cfg MemoryCacheConfig) *MemoryCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCacheCapacity
	}
	if cfg.DocumentTTL <= 0 {
		cfg.DocumentTTL = defaultDocumentTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = defaultNegativeTTL
	}
	return &MemoryCache{
		capacity:    cfg.Capacity,
		documentTTL: cfg.DocumentTTL,
		negativeTTL: cfg.NegativeTTL,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		now:         time.Now,
	}
}

// Get returns the cached document for the identity, if any.
func (c *MemoryCache) Get(did string) (*Document, CacheState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[did]
	if !ok {
		return nil, CacheMiss
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(el)
		return nil, CacheMiss
	}
	c.order.MoveToFront(el)
	if entry.doc == nil {
		return nil, CacheNegative
	}
	return entry.doc, CacheHit
}

// Put stores a resolved document.
func (c *MemoryCache) Put(did string, doc *Document) {
	c.put(did, doc, c.documentTTL)
}

// PutNegative records that the identity was confirmed absent upstream.
func (c *MemoryCache) PutNegative(did string) {
	c.put(did, nil, c.negativeTTL)
}

func (c *MemoryCache) put(did string, doc *Document, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[did]; ok {
		entry := el.Value.(*cacheEntry)
		entry.doc = doc
		entry.expiresAt = c.now().Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.capacity {
		c.removeLocked(c.order.Back())
	}

	entry := &cacheEntry{did: did, doc: doc, expiresAt: c.now().Add(ttl)}
	c.entries[did] = c.order.PushFront(entry)
}

// Has reports whether a live entry exists, positive or negative, without
// refreshing recency.
func (c *MemoryCache) Has(did string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[did]
	if !ok {
		return false
	}
	if c.now().After(el.Value.(*cacheEntry).expiresAt) {
		c.removeLocked(el)
		return false
	}
	return true
}

// Delete evicts one identity.
func (c *MemoryCache) Delete(did string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[did]; ok {
		c.removeLocked(el)
	}
}

// Clear evicts everything.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the live entry count.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	entry := el.Value.(*cacheEntry)
	delete(c.entries, entry.did)
	c.order.Remove(el)
}

var _ DocumentCache = (*MemoryCache)(nil)
