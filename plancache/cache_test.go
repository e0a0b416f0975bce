// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package plancache_test

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurebasedb/plantx/plancache"
)

// clock is a settable time source for expiry tests.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(opts plancache.Options) (*plancache.Cache, *clock) {
	c := plancache.New(opts)
	clk := newClock()
	c.Now = clk.Now
	return c, clk
}

func sources(names ...string) map[string]plancache.DataSource {
	m := make(map[string]plancache.DataSource, len(names))
	for _, n := range names {
		m[n] = plancache.DataSource{Name: n, Level: plancache.AccessRead}
	}
	return m
}

func queryKey(i int) *plancache.Key {
	return plancache.NewKey(fmt.Sprintf("FOR d IN c%d RETURN d", i), nil, false, false)
}

func TestCache_StoreLookup(t *testing.T) {
	c, _ := newTestCache(plancache.DefaultOptions())
	k := queryKey(1)

	_, ok := c.Lookup(k)
	require.False(t, ok)

	plan := []byte("plan-1")
	require.True(t, c.Store(k, sources("c1"), plan))
	plan[0] = 'X' // the cache keeps its own copy

	v, ok := c.Lookup(plancache.NewKey(k.Query(), nil, false, false))
	require.True(t, ok)
	assert.Equal(t, "plan-1", string(v.Plan()))
	assert.Equal(t, uint64(1), v.Hits())
	assert.True(t, v.Uses("c1"))
	assert.False(t, v.Uses("c2"))

	t.Run("NoOverwrite", func(t *testing.T) {
		assert.False(t, c.Store(k, sources("c9"), []byte("plan-2")))
		v, ok := c.Lookup(k)
		require.True(t, ok)
		assert.Equal(t, "plan-1", string(v.Plan()))
		assert.Contains(t, v.DataSources(), "c1")
	})

	t.Run("NilPlanPanics", func(t *testing.T) {
		assert.Panics(t, func() { c.Store(queryKey(2), nil, nil) })
	})

	st := c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Stores)
	assert.Equal(t, uint64(1), st.Rejected)
}

func TestCache_Disabled(t *testing.T) {
	opts := plancache.DefaultOptions()
	opts.Enabled = false
	c, _ := newTestCache(opts)

	assert.False(t, c.Store(queryKey(1), nil, []byte("p")))
	_, ok := c.Lookup(queryKey(1))
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_MaxEntrySize(t *testing.T) {
	opts := plancache.DefaultOptions()
	opts.MaxEntrySize = 512
	c, _ := newTestCache(opts)

	assert.False(t, c.Store(queryKey(1), nil, make([]byte, 1024)))
	assert.True(t, c.Store(queryKey(2), nil, make([]byte, 16)))
	assert.Equal(t, 1, c.Len())
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(plancache.DefaultOptions())
	require.True(t, c.Store(queryKey(1), sources("users"), []byte("a")))
	require.True(t, c.Store(queryKey(2), sources("users", "orders"), []byte("b")))
	require.True(t, c.Store(queryKey(3), sources("orders"), []byte("c")))
	require.True(t, c.Store(queryKey(4), nil, []byte("d")))

	assert.Equal(t, 2, c.Invalidate("users"))
	assert.Equal(t, 0, c.Invalidate("users"))

	for i, exp := range []bool{false, false, true, true} {
		_, ok := c.Lookup(queryKey(i + 1))
		assert.Equal(t, exp, ok, "query %d", i+1)
	}
	for _, info := range c.Snapshot(nil) {
		for _, src := range info.DataSources {
			assert.NotEqual(t, "users", src.Name)
		}
	}

	before := c.MemoryUsage()
	assert.Equal(t, 1, c.Invalidate("orders"))
	assert.Less(t, c.MemoryUsage(), before)

	c.InvalidateAll()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.MemoryUsage())
	assert.Empty(t, c.Snapshot(nil))
}

// A plan computed before an invalidation may reference a dropped data
// source, so it is not stored.
func TestCache_StoreSince(t *testing.T) {
	c, _ := newTestCache(plancache.DefaultOptions())

	gen := c.Generation()
	require.True(t, c.StoreSince(gen, queryKey(1), sources("users"), []byte("a")))

	gen = c.Generation()
	assert.Equal(t, 0, c.Invalidate("orders"))
	assert.False(t, c.StoreSince(gen, queryKey(2), sources("orders"), []byte("b")))
	_, ok := c.Lookup(queryKey(2))
	assert.False(t, ok)

	gen = c.Generation()
	c.InvalidateAll()
	assert.False(t, c.StoreSince(gen, queryKey(3), nil, []byte("c")))

	require.True(t, c.StoreSince(c.Generation(), queryKey(3), nil, []byte("c")))
	assert.Equal(t, uint64(2), c.Stats().Rejected)
}

func TestCache_SizeConstraints(t *testing.T) {
	t.Run("MaxEntries", func(t *testing.T) {
		opts := plancache.DefaultOptions()
		opts.MaxEntries = 3
		c, clk := newTestCache(opts)

		for i := 0; i < 5; i++ {
			require.True(t, c.Store(queryKey(i), nil, []byte("p")))
			clk.Advance(time.Second)
			assert.LessOrEqual(t, c.Len(), 3)
		}
		// the two oldest are gone
		for i := 0; i < 5; i++ {
			_, ok := c.Lookup(queryKey(i))
			assert.Equal(t, i >= 2, ok, "query %d", i)
		}
		assert.Equal(t, uint64(2), c.Stats().Evictions)
	})

	t.Run("MaxMemoryUsage", func(t *testing.T) {
		opts := plancache.DefaultOptions()
		opts.MaxMemoryUsage = 4096
		opts.MaxEntrySize = 0
		c, _ := newTestCache(opts)

		for i := 0; i < 20; i++ {
			c.Store(queryKey(i), sources("c"), make([]byte, 700))
			assert.LessOrEqual(t, c.MemoryUsage(), opts.MaxMemoryUsage)
		}
		assert.Greater(t, c.Len(), 0)
		_, ok := c.Lookup(queryKey(19))
		assert.True(t, ok, "newest entry should survive")
	})

	t.Run("LargerThanCache", func(t *testing.T) {
		opts := plancache.DefaultOptions()
		opts.MaxMemoryUsage = 256
		opts.MaxEntrySize = 0
		c, _ := newTestCache(opts)

		assert.False(t, c.Store(queryKey(1), nil, make([]byte, 1024)))
		assert.Equal(t, 0, c.Len())
	})
}

func TestCache_Expiry(t *testing.T) {
	opts := plancache.DefaultOptions()
	opts.InvalidationTime = time.Minute
	c, clk := newTestCache(opts)

	require.True(t, c.Store(queryKey(1), nil, []byte("old")))
	clk.Advance(30 * time.Second)
	require.True(t, c.Store(queryKey(2), nil, []byte("young")))

	_, ok := c.Lookup(queryKey(1))
	assert.True(t, ok)

	clk.Advance(45 * time.Second)
	_, ok = c.Lookup(queryKey(1))
	assert.False(t, ok, "expired plan is a miss")
	_, ok = c.Lookup(queryKey(2))
	assert.True(t, ok)

	// an expired plan can be replaced
	require.True(t, c.Store(queryKey(1), nil, []byte("new")))
	v, ok := c.Lookup(queryKey(1))
	require.True(t, ok)
	assert.Equal(t, "new", string(v.Plan()))

	clk.Advance(time.Hour)
	assert.Equal(t, 2, c.Prune())
	assert.Equal(t, 0, c.Len())
}

func TestCache_Snapshot(t *testing.T) {
	c, clk := newTestCache(plancache.DefaultOptions())
	k1, err := plancache.CreateCacheKey("FOR d IN @@c RETURN d", map[string]interface{}{"@c": "users", "v": 1}, plancache.QueryOptions{FullCount: true})
	require.NoError(t, err)
	require.True(t, c.Store(k1, map[string]plancache.DataSource{
		"users": {Name: "users", Level: plancache.AccessRead},
		"audit": {Name: "audit", Level: plancache.AccessWrite},
	}, []byte("secret plan body")))
	clk.Advance(time.Second)
	require.True(t, c.Store(queryKey(2), sources("orders"), []byte("p")))
	c.Lookup(k1)

	all := c.Snapshot(nil)
	require.Len(t, all, 2)
	got := all[0]
	exp := plancache.EntryInfo{
		Hash:          k1.Hash(),
		Query:         k1.Query(),
		QueryHash:     k1.QueryHash(),
		BindVars:      json.RawMessage(`{"@c":"users"}`),
		FullCount:     true,
		ForceOneShard: false,
		Created:       newClock().Now(),
		Hits:          1,
		MemoryUsage:   got.MemoryUsage,
		DataSources: []plancache.DataSource{
			{Name: "audit", Level: plancache.AccessWrite},
			{Name: "users", Level: plancache.AccessRead},
		},
	}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected entry (-want +got):\n%s", diff)
	}

	onlyOrders := c.Snapshot(func(_ *plancache.Key, v *plancache.Value) bool { return v.Uses("orders") })
	require.Len(t, onlyOrders, 1)
	assert.Equal(t, queryKey(2).Query(), onlyOrders[0].Query)

	var buf bytes.Buffer
	require.NoError(t, c.WriteTo(&buf, nil))
	assert.NotContains(t, buf.String(), "secret plan body")
	assert.Contains(t, buf.String(), `"level":"write"`)

	// snapshots don't count as hits
	v, _ := c.Lookup(k1)
	assert.Equal(t, uint64(2), v.Hits())
}

func TestCache_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := plancache.NewMetrics()
	require.NoError(t, m.Register(reg))

	c, _ := newTestCache(plancache.DefaultOptions())
	c.Instrument(m, "shop")
	c.Store(queryKey(1), sources("users"), []byte("p"))
	c.Lookup(queryKey(1))
	c.Lookup(queryKey(2))
	c.Invalidate("users")

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			require.Equal(t, "shop", metric.GetLabel()[0].GetValue())
			if metric.Counter != nil {
				values[mf.GetName()] = metric.GetCounter().GetValue()
			} else {
				values[mf.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["plantx_plan_cache_"+plancache.MetricHits])
	assert.Equal(t, 1.0, values["plantx_plan_cache_"+plancache.MetricMisses])
	assert.Equal(t, 1.0, values["plantx_plan_cache_"+plancache.MetricStores])
	assert.Equal(t, 1.0, values["plantx_plan_cache_"+plancache.MetricInvalidations])
	assert.Equal(t, 0.0, values["plantx_plan_cache_"+plancache.MetricEntries])

	m.Forget("shop")
	families, err = reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.Empty(t, mf.GetMetric())
	}
}

func TestCache_Concurrent(t *testing.T) {
	opts := plancache.DefaultOptions()
	opts.MaxEntries = 16
	c, _ := newTestCache(opts)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := queryKey((g * 7) + i%32)
				if _, ok := c.Lookup(k); !ok {
					c.Store(k, sources(fmt.Sprintf("c%d", i%4)), []byte("plan"))
				}
				if i%50 == 0 {
					c.Invalidate(fmt.Sprintf("c%d", g%4))
				}
				_ = c.Snapshot(nil)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
}
