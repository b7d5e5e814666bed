package avatar

// configCache is a bounded map from content hash to generated avatar with
// insertion-order eviction: when a new key arrives at capacity, the
// oldest-inserted entry is removed. Lookups do not refresh an entry's
// position and overwriting an existing key keeps its original slot.
//
// Not safe for concurrent use; the engine guards it with its own mutex.
type configCache struct {
	capacity  int
	entries   map[string]*GeneratedAvatar
	order     []string
	evictions uint64
}

func newConfigCache(capacity int) *configCache {
	return &configCache{
		capacity: capacity,
		entries:  make(map[string]*GeneratedAvatar, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (c *configCache) get(key string) (*GeneratedAvatar, bool) {
	av, ok := c.entries[key]
	return av, ok
}

// put stores av under key. When the insert pushes the cache past capacity it
// returns the evicted avatar so the engine can drop its secondary indexes.
func (c *configCache) put(key string, av *GeneratedAvatar) (evicted *GeneratedAvatar, wasEvicted bool) {
	if _, exists := c.entries[key]; exists {
		c.entries[key] = av
		return nil, false
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		evicted = c.entries[oldest]
		delete(c.entries, oldest)
		c.evictions++
		wasEvicted = true
	}

	c.entries[key] = av
	c.order = append(c.order, key)
	return evicted, wasEvicted
}

func (c *configCache) delete(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *configCache) len() int { return len(c.entries) }
