package resolver

import (
	"container/list"
	"sync"
)

// artifactCache is a byte- and item-bounded LRU keyed by content hash.
// Values are immutable verified artifact bytes. Callers receive the
// stored slice directly; entries are never mutated after insert, so
// eviction cannot invalidate a handle already given out.
type artifactCache struct {
	mu       sync.Mutex
	maxBytes int64
	maxItems int
	curBytes int64
	order    *list.List               // front = most recently used
	entries  map[string]*list.Element // content hash → element
}

type cacheEntry struct {
	hash string
	data []byte
}

func newArtifactCache(maxBytes int64, maxItems int) *artifactCache {
	return &artifactCache{
		maxBytes: maxBytes,
		maxItems: maxItems,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *artifactCache) get(hash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[hash]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).data, true
}

func (c *artifactCache) put(hash string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[hash]; ok {
		// Same hash means same bytes; just refresh recency.
		c.order.MoveToFront(el)
		return
	}

	// An artifact bigger than the whole cache budget is served
	// uncached rather than evicting everything for one tenant.
	if int64(len(data)) > c.maxBytes {
		return
	}

	el := c.order.PushFront(&cacheEntry{hash: hash, data: data})
	c.entries[hash] = el
	c.curBytes += int64(len(data))

	for (c.curBytes > c.maxBytes || c.order.Len() > c.maxItems) && c.order.Len() > 1 {
		c.evictOldest()
	}
}

func (c *artifactCache) remove(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[hash]; ok {
		c.removeElement(el)
	}
}

func (c *artifactCache) stats() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.curBytes
}

func (c *artifactCache) evictOldest() {
	if el := c.order.Back(); el != nil {
		c.removeElement(el)
	}
}

func (c *artifactCache) removeElement(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, entry.hash)
	c.curBytes -= int64(len(entry.data))
}
