// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package plancache memoizes serialized query plans per database.
//
// The cache is bounded by entry count, total memory and entry age. When a
// bound is exceeded the entries created first are evicted first. Every entry
// remembers the data sources its plan uses so that dropping or changing a
// collection removes exactly the plans that depend on it.
package plancache

import (
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/atomic"

	"github.com/featurebasedb/plantx/logger"
)

// Options bounds a Cache.
type Options struct {
	Enabled bool

	// MaxEntries is the maximum number of plans kept. Zero means unbounded.
	MaxEntries int

	// MaxMemoryUsage is the maximum total approximate size of all entries.
	// Zero means unbounded.
	MaxMemoryUsage int64

	// MaxEntrySize rejects single entries larger than this. Zero means no
	// per-entry limit.
	MaxEntrySize int64

	// InvalidationTime is how long a plan stays usable after it was
	// created. Zero means plans never expire.
	InvalidationTime time.Duration
}

// DefaultOptions returns the options a database's cache is created with.
func DefaultOptions() Options {
	return Options{
		Enabled:          true,
		MaxEntries:       128,
		MaxMemoryUsage:   8 << 20,
		MaxEntrySize:     2 << 20,
		InvalidationTime: 15 * time.Minute,
	}
}

// entry is a key/value pair held by the cache. seq breaks ties between
// entries created at the same instant.
type entry struct {
	key   *Key
	value *Value
	seq   uint64
}

func (e *entry) memoryUsage() int64 {
	return e.key.MemoryUsage() + e.value.MemoryUsage()
}

// Less orders entries oldest first for eviction.
func (e *entry) Less(than btree.Item) bool {
	o := than.(*entry)
	if !e.value.created.Equal(o.value.created) {
		return e.value.created.Before(o.value.created)
	}
	return e.seq < o.seq
}

// Cache is a concurrent plan cache. Lookups share a read lock; every
// structural change takes the write lock. Nothing expensive happens under
// either lock.
type Cache struct {
	mu sync.RWMutex

	opts Options

	entries      map[uint64][]*entry
	byDataSource map[string]map[*entry]struct{}
	order        *btree.BTree
	seq          uint64
	n            int

	// gen counts invalidations. Plans computed before an invalidation may
	// use data sources which no longer exist.
	gen uint64
	memoryUsage  int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	stores    atomic.Uint64
	rejected  atomic.Uint64
	evictions atomic.Uint64

	// Now returns the current time. Tests replace it.
	Now func() time.Time

	Logger  logger.Logger
	metrics *cacheMetrics
}

// New returns an empty cache bounded by opts.
func New(opts Options) *Cache {
	return &Cache{
		opts:         opts,
		entries:      make(map[uint64][]*entry),
		byDataSource: make(map[string]map[*entry]struct{}),
		order:        btree.New(8),
		Now:          time.Now,
		Logger:       logger.NopLogger,
		metrics:      nopCacheMetrics(),
	}
}

// Options returns the bounds the cache was created with.
func (c *Cache) Options() Options { return c.opts }

// Lookup returns the plan stored for key. Expired plans count as misses;
// they are removed by the next Store or Prune.
func (c *Cache) Lookup(key *Key) (*Value, bool) {
	if !c.opts.Enabled {
		return nil, false
	}
	now := c.Now()

	c.mu.RLock()
	e := c.find(key)
	c.mu.RUnlock()

	if e == nil || c.expired(e, now) {
		c.misses.Inc()
		c.metrics.misses.Inc()
		return nil, false
	}
	e.value.hits.Inc()
	c.hits.Inc()
	c.metrics.hits.Inc()
	return e.value, true
}

// Store adds the plan for key. It returns false without changing anything
// if key is already cached, if the entry is larger than MaxEntrySize, or if
// the cache is disabled. plan and dataSources are copied.
func (c *Cache) Store(key *Key, dataSources map[string]DataSource, plan []byte) bool {
	return c.store(key, dataSources, plan, 0, false)
}

// Generation returns the current invalidation generation. Capture it before
// resolving the data sources of a plan and pass it to StoreSince.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// StoreSince is Store, except that the plan is refused if anything was
// invalidated after generation gen.
func (c *Cache) StoreSince(gen uint64, key *Key, dataSources map[string]DataSource, plan []byte) bool {
	return c.store(key, dataSources, plan, gen, true)
}

func (c *Cache) store(key *Key, dataSources map[string]DataSource, plan []byte, gen uint64, checkGen bool) bool {
	if plan == nil {
		panic("plancache: storing a nil plan")
	}
	if !c.opts.Enabled {
		return false
	}

	now := c.Now()
	e := &entry{key: key, value: newValue(dataSources, plan, now)}
	size := e.memoryUsage()
	if c.opts.MaxEntrySize > 0 && size > c.opts.MaxEntrySize {
		c.reject(key, "entry of %d bytes exceeds the maximum entry size", size)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if checkGen && c.gen != gen {
		c.reject(key, "invalidated while planning")
		return false
	}
	if existing := c.find(key); existing != nil {
		if !c.expired(existing, now) {
			c.reject(key, "already cached")
			return false
		}
		c.remove(existing)
	}

	c.seq++
	e.seq = c.seq
	c.insert(e)
	c.stores.Inc()
	c.metrics.stores.Inc()

	c.applySizeConstraints(now)

	// A single entry bigger than MaxMemoryUsage evicts itself.
	return c.find(key) == e
}

func (c *Cache) reject(key *Key, format string, v ...interface{}) {
	c.rejected.Inc()
	c.metrics.rejected.Inc()
	c.Logger.Debugf("not caching plan %x: "+format, append([]interface{}{key.Hash()}, v...)...)
}

// Invalidate removes every plan which uses dataSourceID and returns how many
// were removed.
func (c *Cache) Invalidate(dataSourceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	set := c.byDataSource[dataSourceID]
	n := 0
	for e := range set {
		c.remove(e)
		n++
	}
	if n > 0 {
		c.metrics.invalidations.Add(float64(n))
		c.Logger.Debugf("invalidated %d plans using %s", n, dataSourceID)
	}
	return n
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	n := c.n
	c.entries = make(map[uint64][]*entry)
	c.byDataSource = make(map[string]map[*entry]struct{})
	c.order.Clear(false)
	c.n = 0
	c.memoryUsage = 0
	c.metrics.invalidations.Add(float64(n))
	c.metrics.memoryUsage.Set(0)
	c.metrics.entries.Set(0)
}

// Prune drops expired plans and returns how many were dropped.
func (c *Cache) Prune() int {
	now := c.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeExpired(now)
}

// Len returns the number of cached plans, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.n
}

// MemoryUsage returns the approximate size of all cached plans.
func (c *Cache) MemoryUsage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memoryUsage
}

// Stats are counters describing how the cache has been used.
type Stats struct {
	Entries     int    `json:"entries"`
	MemoryUsage int64  `json:"memoryUsage"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Stores      uint64 `json:"stores"`
	Rejected    uint64 `json:"rejected"`
	Evictions   uint64 `json:"evictions"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n, mem := c.n, c.memoryUsage
	c.mu.RUnlock()
	return Stats{
		Entries:     n,
		MemoryUsage: mem,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Stores:      c.stores.Load(),
		Rejected:    c.rejected.Load(),
		Evictions:   c.evictions.Load(),
	}
}

// applySizeConstraints evicts expired plans, then the oldest plans until
// both the entry and the memory bound hold. c.mu must be held for writing.
func (c *Cache) applySizeConstraints(now time.Time) {
	c.removeExpired(now)

	for c.overBudget() {
		oldest, ok := c.order.Min().(*entry)
		if !ok {
			break
		}
		c.remove(oldest)
		c.evictions.Inc()
		c.metrics.evictions.Inc()
	}
}

func (c *Cache) overBudget() bool {
	if c.n == 0 {
		return false
	}
	if c.opts.MaxEntries > 0 && c.n > c.opts.MaxEntries {
		return true
	}
	return c.opts.MaxMemoryUsage > 0 && c.memoryUsage > c.opts.MaxMemoryUsage
}

// removeExpired relies on the eviction order being creation order: it stops
// at the first entry that is still fresh.
func (c *Cache) removeExpired(now time.Time) int {
	if c.opts.InvalidationTime <= 0 {
		return 0
	}
	var stale []*entry
	c.order.Ascend(func(i btree.Item) bool {
		e := i.(*entry)
		if !c.expired(e, now) {
			return false
		}
		stale = append(stale, e)
		return true
	})
	for _, e := range stale {
		c.remove(e)
	}
	return len(stale)
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return c.opts.InvalidationTime > 0 && now.Sub(e.value.created) >= c.opts.InvalidationTime
}

func (c *Cache) find(key *Key) *entry {
	for _, e := range c.entries[key.Hash()] {
		if e.key.Equal(key) {
			return e
		}
	}
	return nil
}

func (c *Cache) insert(e *entry) {
	h := e.key.Hash()
	c.entries[h] = append(c.entries[h], e)
	for id := range e.value.dataSources {
		set, ok := c.byDataSource[id]
		if !ok {
			set = make(map[*entry]struct{})
			c.byDataSource[id] = set
		}
		set[e] = struct{}{}
	}
	c.order.ReplaceOrInsert(e)
	c.n++
	c.memoryUsage += e.memoryUsage()
	c.metrics.entries.Set(float64(c.n))
	c.metrics.memoryUsage.Set(float64(c.memoryUsage))
}

func (c *Cache) remove(e *entry) {
	h := e.key.Hash()
	bucket := c.entries[h]
	for i, other := range bucket {
		if other == e {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.entries, h)
	} else {
		c.entries[h] = bucket
	}

	for id := range e.value.dataSources {
		if set, ok := c.byDataSource[id]; ok {
			delete(set, e)
			if len(set) == 0 {
				delete(c.byDataSource, id)
			}
		}
	}
	c.order.Delete(e)
	c.n--
	c.memoryUsage -= e.memoryUsage()
	c.metrics.entries.Set(float64(c.n))
	c.metrics.memoryUsage.Set(float64(c.memoryUsage))
}
