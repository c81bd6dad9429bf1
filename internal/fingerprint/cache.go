package fingerprint

import (
	"container/list"
	"sync"
	"time"

	"github.com/chirino/contentpool/internal/clock"
)

// CacheStats is a point-in-time view of a LocalCache.
type CacheStats struct {
	Size      int           `json:"size"`
	Capacity  int           `json:"capacity"`
	TTL       time.Duration `json:"ttl"`
	Hits      uint64        `json:"hits"`
	Misses    uint64        `json:"misses"`
	Evictions uint64        `json:"evictions"`
}

type cacheItem struct {
	key      string
	entryID  string
	storedAt time.Time
}

// LocalCache is a bounded, TTL-expiring map of known URLs to their canonical
// entry IDs. When full, the oldest inserted entry is evicted first. It only
// stores positive results.
type LocalCache struct {
	mu       sync.Mutex
	clock    clock.Clock
	ttl      time.Duration
	capacity int
	order    *list.List
	items    map[string]*list.Element

	hits, misses, evictions uint64
}

// NewLocalCache creates an empty cache. A nil clock uses the system clock.
func NewLocalCache(c clock.Clock, capacity int, ttl time.Duration) *LocalCache {
	if c == nil {
		c = clock.Real{}
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &LocalCache{
		clock:    c,
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Get returns the entry ID cached for key, if present and not expired.
func (c *LocalCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return "", false
	}
	item := el.Value.(*cacheItem)
	if c.expired(item) {
		c.remove(el)
		c.misses++
		return "", false
	}
	c.hits++
	return item.entryID, true
}

// Set stores or refreshes key. Refreshing moves the entry to the back of the
// eviction order and restarts its TTL.
func (c *LocalCache) Set(key, entryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if el, ok := c.items[key]; ok {
		item := el.Value.(*cacheItem)
		item.entryID = entryID
		item.storedAt = now
		c.order.MoveToBack(el)
		return
	}
	for c.order.Len() >= c.capacity {
		c.remove(c.order.Front())
		c.evictions++
	}
	c.items[key] = c.order.PushBack(&cacheItem{key: key, entryID: entryID, storedAt: now})
}

func (c *LocalCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
}

// Len counts entries including ones that have expired but not been read since.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LocalCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:      c.order.Len(),
		Capacity:  c.capacity,
		TTL:       c.ttl,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *LocalCache) expired(item *cacheItem) bool {
	return c.ttl > 0 && c.clock.Now().Sub(item.storedAt) >= c.ttl
}

func (c *LocalCache) remove(el *list.Element) {
	item := c.order.Remove(el).(*cacheItem)
	delete(c.items, item.key)
}
