// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package transaction

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricStarted   = "started_total"
	MetricCommitted = "committed_total"
	MetricAborted   = "aborted_total"
	MetricRunning   = "running"
)

type managerMetrics struct {
	started   prometheus.Counter
	committed prometheus.Counter
	aborted   prometheus.Counter
	running   prometheus.Gauge
}

func newManagerMetrics() *managerMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plantx",
			Subsystem: "transactions",
			Name:      name,
			Help:      help,
		})
	}
	return &managerMetrics{
		started:   counter(MetricStarted, "Managed transactions begun."),
		committed: counter(MetricCommitted, "Managed transactions committed."),
		aborted:   counter(MetricAborted, "Managed transactions aborted."),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plantx",
			Subsystem: "transactions",
			Name:      MetricRunning,
			Help:      "Managed transactions currently running.",
		}),
	}
}

// RegisterMetrics adds the manager's collectors to reg.
func (m *Manager) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.metrics.started, m.metrics.committed, m.metrics.aborted, m.metrics.running} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
