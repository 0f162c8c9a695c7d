package shardpool

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// resultCache is a bounded per-worker LRU, grounded on
// faiss_cache.py/hash_cache.py's PickleMemo: keyed by the query vector
// plus the radius-or-k search parameter, it drops the least recently
// used entry once capacity is exceeded. Process-local; no cross-worker
// coordination needed.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[[32]byte]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key        [32]byte
	distances  []float32
	ids        []int64
}

func newResultCache(capacity int) *resultCache {
	return &resultCache{
		capacity: capacity,
		entries:  make(map[[32]byte]*list.Element),
		order:    list.New(),
	}
}

func cacheKey(query []float32, param float32, isRadius bool) [32]byte {
	h := sha256.New()
	buf := make([]byte, 4)
	for _, v := range query {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		h.Write(buf)
	}
	binary.LittleEndian.PutUint32(buf, math.Float32bits(param))
	h.Write(buf)
	if isRadius {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c *resultCache) get(key [32]byte) ([]float32, []int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, nil, false
	}
	c.order.MoveToFront(el)
	e := el.Value.(*cacheEntry)
	return e.distances, e.ids, true
}

func (c *resultCache) put(key [32]byte, distances []float32, ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).distances = distances
		el.Value.(*cacheEntry).ids = ids
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, distances: distances, ids: ids})
	c.entries[key] = el
	if c.order.Len() > c.capacity {
		back := c.order.Back()
		if back != nil {
			c.order.Remove(back)
			delete(c.entries, back.Value.(*cacheEntry).key)
		}
	}
}
