package engine

import (
	"container/list"
	"sync"
	"time"

	"github.com/alga-io/runner/pkg/bundle"
)

// idempotencyCache replays prior successful results for repeated keys
// within a bounded retention window. Entries are both TTL- and
// count-limited; expiry just means the next call executes fresh.
type idempotencyCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxItems int
	order    *list.List
	entries  map[string]*list.Element
	clock    func() time.Time
}

type idemEntry struct {
	key      string
	result   *bundle.ExecuteResult
	cachedAt time.Time
}

func newIdempotencyCache(ttl time.Duration, maxItems int) *idempotencyCache {
	return &idempotencyCache{
		ttl:      ttl,
		maxItems: maxItems,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		clock:    time.Now,
	}
}

func idemKey(tenantID, extensionID, key string) string {
	return tenantID + "|" + extensionID + "|" + key
}

func (c *idempotencyCache) get(tenantID, extensionID, key string) (*bundle.ExecuteResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[idemKey(tenantID, extensionID, key)]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*idemEntry)
	if c.clock().Sub(entry.cachedAt) > c.ttl {
		c.removeLocked(el)
		return nil, false
	}
	return cloneResult(entry.result), true
}

func (c *idempotencyCache) put(tenantID, extensionID, key string, result *bundle.ExecuteResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	full := idemKey(tenantID, extensionID, key)
	if el, ok := c.entries[full]; ok {
		// First write wins; a replayed key never overwrites.
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&idemEntry{key: full, result: cloneResult(result), cachedAt: c.clock()})
	c.entries[full] = el

	for c.order.Len() > c.maxItems {
		if back := c.order.Back(); back != nil {
			c.removeLocked(back)
		}
	}
}

func (c *idempotencyCache) removeLocked(el *list.Element) {
	entry := el.Value.(*idemEntry)
	c.order.Remove(el)
	delete(c.entries, entry.key)
}

// cloneResult deep-copies so callers can never mutate a cached value.
func cloneResult(r *bundle.ExecuteResult) *bundle.ExecuteResult {
	if r == nil {
		return nil
	}
	out := &bundle.ExecuteResult{Status: r.Status}
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}
