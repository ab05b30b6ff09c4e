package bisim

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/telemetry"
)

// #region key

type cacheKey struct {
	goal string
	a    string
	b    string
}

// newCacheKey orders the pair so (a, b) and (b, a) share an entry.
func newCacheKey(a, b, goal string) cacheKey {
	if b < a {
		a, b = b, a
	}
	return cacheKey{goal: goal, a: a, b: b}
}

func (k cacheKey) String() string {
	return k.goal + "\x00" + k.a + "\x00" + k.b
}

// #endregion key

// #region cache

// Cache memoises distances per (pair, goal). Concurrent misses on the same key
// collapse into one computation; the last write wins. Entries are only
// removed by InvalidateGoal or LRU eviction.
type Cache struct {
	entries *lru.Cache[cacheKey, float64]
	group   singleflight.Group
	gens    sync.Map // goal -> *atomic.Uint64
	metrics *telemetry.Metrics
}

// NewCache builds a cache holding at most size distances.
func NewCache(size int, metrics *telemetry.Metrics) (*Cache, error) {
	entries, err := lru.New[cacheKey, float64](size)
	if err != nil {
		return nil, fmt.Errorf("distance cache: %w", err)
	}
	return &Cache{entries: entries, metrics: metrics}, nil
}

func (c *Cache) generation(goal string) *atomic.Uint64 {
	v, _ := c.gens.LoadOrStore(goal, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// get looks up a distance and counts the hit or miss.
func (c *Cache) get(k cacheKey) (float64, bool) {
	d, ok := c.entries.Get(k)
	if ok {
		c.metrics.CacheHit()
	} else {
		c.metrics.CacheMiss()
	}
	return d, ok
}

// do runs compute once per key among concurrent callers and stores the result
// unless the goal was invalidated while it ran.
func (c *Cache) do(k cacheKey, compute func() (float64, error)) (float64, error) {
	v, err, _ := c.group.Do(k.String(), func() (any, error) {
		gen := c.generation(k.goal).Load()
		d, err := compute()
		if err != nil {
			return 0.0, err
		}
		if c.generation(k.goal).Load() == gen {
			c.entries.Add(k, d)
		}
		return d, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// InvalidateGoal drops every cached distance computed under goal and returns
// how many were removed.
func (c *Cache) InvalidateGoal(goal string) int {
	c.generation(goal).Add(1)
	removed := 0
	for _, k := range c.entries.Keys() {
		if k.goal == goal && c.entries.Remove(k) {
			removed++
		}
	}
	return removed
}

// Len reports the number of cached distances.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// #endregion cache
