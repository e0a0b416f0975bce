// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package plancache

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricHits          = "hits_total"
	MetricMisses        = "misses_total"
	MetricStores        = "stores_total"
	MetricRejected      = "rejected_total"
	MetricEvictions     = "evictions_total"
	MetricInvalidations = "invalidations_total"
	MetricMemoryUsage   = "memory_usage_bytes"
	MetricEntries       = "entries"
)

const (
	metricNamespace = "plantx"
	metricSubsystem = "plan_cache"
)

// Metrics holds the plan cache collectors of every database, labelled by
// database name.
type Metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	stores        *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	memoryUsage   *prometheus.GaugeVec
	entries       *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      name,
			Help:      help,
		}, []string{"database"})
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Subsystem: metricSubsystem,
			Name:      name,
			Help:      help,
		}, []string{"database"})
	}
	return &Metrics{
		hits:          counter(MetricHits, "Plan cache lookups which found a plan."),
		misses:        counter(MetricMisses, "Plan cache lookups which found nothing usable."),
		stores:        counter(MetricStores, "Plans added to the cache."),
		rejected:      counter(MetricRejected, "Plans the cache declined to store."),
		evictions:     counter(MetricEvictions, "Plans evicted to satisfy the size bounds."),
		invalidations: counter(MetricInvalidations, "Plans removed by invalidation."),
		memoryUsage:   gauge(MetricMemoryUsage, "Approximate size of all cached plans."),
		entries:       gauge(MetricEntries, "Number of cached plans."),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.hits, m.misses, m.stores, m.rejected,
		m.evictions, m.invalidations, m.memoryUsage, m.entries,
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Forget drops the series of a database which no longer exists.
func (m *Metrics) Forget(database string) {
	m.hits.DeleteLabelValues(database)
	m.misses.DeleteLabelValues(database)
	m.stores.DeleteLabelValues(database)
	m.rejected.DeleteLabelValues(database)
	m.evictions.DeleteLabelValues(database)
	m.invalidations.DeleteLabelValues(database)
	m.memoryUsage.DeleteLabelValues(database)
	m.entries.DeleteLabelValues(database)
}

type cacheMetrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	stores        prometheus.Counter
	rejected      prometheus.Counter
	evictions     prometheus.Counter
	invalidations prometheus.Counter
	memoryUsage   prometheus.Gauge
	entries       prometheus.Gauge
}

func (m *Metrics) forDatabase(database string) *cacheMetrics {
	return &cacheMetrics{
		hits:          m.hits.WithLabelValues(database),
		misses:        m.misses.WithLabelValues(database),
		stores:        m.stores.WithLabelValues(database),
		rejected:      m.rejected.WithLabelValues(database),
		evictions:     m.evictions.WithLabelValues(database),
		invalidations: m.invalidations.WithLabelValues(database),
		memoryUsage:   m.memoryUsage.WithLabelValues(database),
		entries:       m.entries.WithLabelValues(database),
	}
}

// nopCacheMetrics are unregistered collectors, so an uninstrumented cache
// doesn't need nil checks.
func nopCacheMetrics() *cacheMetrics {
	return NewMetrics().forDatabase("")
}

// Instrument reports the cache's activity to m under the database label.
// Call it before the cache is shared.
func (c *Cache) Instrument(m *Metrics, database string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m.forDatabase(database)
	c.metrics.entries.Set(float64(c.n))
	c.metrics.memoryUsage.Set(float64(c.memoryUsage))
}
