package sirix

import (
	"container/list"
	"sync"

	"github.com/nikandfor/tlog"
)

// pageCacheKey identifies a decoded page by its page kind and file offset.
// The file is append-only, so an offset always names the same immutable
// page; a revision that copies a page writes the copy at a new offset, and
// the copy gets a key of its own.
type pageCacheKey struct {
	kind PageKind
	off  PageOffset
}

// pageCache is a bounded LRU cache of decoded pages, shared by every read
// and write transaction against one resource. Grounded on
// alexhholmes-fredb's internal/cache/pagecache.go container/list + map +
// sync.RWMutex shape, simplified to one entry per page identity since
// revision history is already folded into the key via off.
type pageCache struct {
	mu       sync.RWMutex
	capacity int
	ll       *list.List
	items    map[pageCacheKey]*list.Element
	log      *tlog.Logger
}

type cacheEntry struct {
	key  pageCacheKey
	page any
}

func newPageCache(capacity int, log *tlog.Logger) *pageCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if log == nil {
		log = tlog.DefaultLogger
	}
	return &pageCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[pageCacheKey]*list.Element, capacity),
		log:      log,
	}
}

func (c *pageCache) get(key pageCacheKey) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).page, true
}

func (c *pageCache) put(key pageCacheKey, page any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).page = page
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, page: page})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		evicted := oldest.Value.(*cacheEntry).key
		delete(c.items, evicted)
		if c.log.V("cacheevict") != nil {
			c.log.Printf("page cache evict kind=%d off=%x", evicted.kind, evicted.off)
		}
	}
}

func (c *pageCache) invalidate(key pageCacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

func (c *pageCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ll.Len()
}
