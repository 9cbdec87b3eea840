package peer

import (
	"container/list"
	"fmt"
	"math/rand"

	"peerstreamer/internal/node"
	"peerstreamer/internal/proto"
)

const (
	DefaultCacheSize = 30
	DefaultViewSize  = 10
)

// Cache is a bounded set of peers kept youngest first. When full, the oldest
// entries are evicted.
type Cache struct {
	cap      int
	metaSize int
	hot      map[node.ID]*list.Element
	order    *list.List
}

type cacheEntry struct {
	id   node.ID
	meta []byte
	age  int
}

// NewCache returns an empty cache. capacity <= 0 means unbounded.
func NewCache(capacity int) *Cache {
	return &Cache{
		cap:      capacity,
		metaSize: -1,
		hot:      make(map[node.ID]*list.Element),
		order:    list.New(),
	}
}

func (c *Cache) Len() int {
	return len(c.hot)
}

func (c *Cache) Cap() int {
	return c.cap
}

func (c *Cache) Has(id node.ID) bool {
	_, ok := c.hot[id]
	return ok
}

// checkMeta pins the metadata size on first use.
func (c *Cache) checkMeta(meta []byte) error {
	if c.metaSize < 0 {
		c.metaSize = len(meta)
		return nil
	}
	if len(meta) != c.metaSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMetadataSize, len(meta), c.metaSize)
	}
	return nil
}

// Add inserts or refreshes a peer. An existing entry is only replaced by a
// younger copy. It reports whether the cache changed.
func (c *Cache) Add(id node.ID, meta []byte, age int) (bool, error) {
	if err := c.checkMeta(meta); err != nil {
		return false, err
	}
	if el, ok := c.hot[id]; ok {
		ent := el.Value.(*cacheEntry)
		if age >= ent.age {
			return false, nil
		}
		c.order.Remove(el)
		delete(c.hot, id)
	}
	ent := &cacheEntry{id: id, meta: cloneMeta(meta), age: age}
	c.hot[id] = c.insertByAge(ent)
	c.trim()
	return c.Has(id), nil
}

func (c *Cache) insertByAge(ent *cacheEntry) *list.Element {
	for el := c.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*cacheEntry).age > ent.age {
			return c.order.InsertBefore(ent, el)
		}
	}
	return c.order.PushBack(ent)
}

func (c *Cache) Remove(id node.ID) bool {
	el, ok := c.hot[id]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.hot, id)
	return true
}

// Resize changes the capacity, evicting the oldest entries if needed.
func (c *Cache) Resize(capacity int) {
	c.cap = capacity
	c.trim()
}

func (c *Cache) trim() {
	if c.cap <= 0 {
		return
	}
	for len(c.hot) > c.cap {
		el := c.order.Back()
		if el == nil {
			return
		}
		delete(c.hot, el.Value.(*cacheEntry).id)
		c.order.Remove(el)
	}
}

// Age increments the age of every entry.
func (c *Cache) Age() {
	for el := c.order.Front(); el != nil; el = el.Next() {
		el.Value.(*cacheEntry).age++
	}
}

// Random returns a uniformly chosen entry.
func (c *Cache) Random(rng *rand.Rand) (node.ID, bool) {
	if len(c.hot) == 0 {
		return node.ID{}, false
	}
	i := rng.Intn(len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		if i == 0 {
			return el.Value.(*cacheEntry).id, true
		}
		i--
	}
	return node.ID{}, false
}

func (c *Cache) IDs() []node.ID {
	out := make([]node.ID, 0, len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*cacheEntry).id)
	}
	return out
}

// Metadata concatenates entry metadata in IDs order.
func (c *Cache) Metadata() ([]byte, int) {
	size := c.metaSize
	if size < 0 {
		size = 0
	}
	out := make([]byte, 0, size*len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*cacheEntry).meta...)
	}
	return out, size
}

func (c *Cache) Entries() []proto.GossipEntry {
	return c.Youngest(len(c.hot))
}

// Youngest returns at most n entries, youngest first.
func (c *Cache) Youngest(n int) []proto.GossipEntry {
	if n > len(c.hot) {
		n = len(c.hot)
	}
	if n < 0 {
		n = 0
	}
	out := make([]proto.GossipEntry, 0, n)
	for el := c.order.Front(); el != nil && len(out) < n; el = el.Next() {
		ent := el.Value.(*cacheEntry)
		out = append(out, proto.GossipEntry{ID: ent.id, Age: ent.age, Meta: ent.meta})
	}
	return out
}

func cloneMeta(meta []byte) []byte {
	if meta == nil {
		return nil
	}
	out := make([]byte, len(meta))
	copy(out, meta)
	return out
}
