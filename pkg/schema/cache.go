package schema

import (
	"container/list"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultCacheSize bounds the number of compiled schemas kept in memory
const DefaultCacheSize = 100

// compiledCache is a fixed-capacity LRU of compiled schemas keyed by the
// xxhash of the schema text. It is not safe for concurrent use; Gate guards it.
type compiledCache struct {
	capacity int
	order    *list.List
	entries  map[uint64]*list.Element
}

type cacheEntry struct {
	key    uint64
	schema *jsonschema.Schema
}

func newCompiledCache(capacity int) *compiledCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &compiledCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[uint64]*list.Element, capacity),
	}
}

func (c *compiledCache) get(key uint64) (*jsonschema.Schema, bool) {
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).schema, true
}

// put inserts or refreshes key, evicting the least recently used entry when full.
// It returns true when an eviction happened.
func (c *compiledCache) put(key uint64, s *jsonschema.Schema) bool {
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).schema = s
		c.order.MoveToFront(el)
		return false
	}

	evicted := false
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
			evicted = true
		}
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, schema: s})
	return evicted
}

func (c *compiledCache) len() int {
	return c.order.Len()
}
