// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package runtime is the transact driver: it takes parsed scripts
// through compile, evaluate and materialize, owns the running-query
// registry, trigger execution and event callbacks, and exposes the
// engine the public package wraps.
package runtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus instruments of the engine. Registration
// happens once per process on the default registerer; multiple Db
// handles share the instruments.
type metrics struct {
	queriesRun       *prometheus.CounterVec
	queryDuration    prometheus.Histogram
	rowsMaterialized prometheus.Counter
	triggerFailures  prometheus.Counter
	callbacksDropped prometheus.Counter
}

var (
	metricsOnce sync.Once
	sharedMeter *metrics
)

func meter() *metrics {
	metricsOnce.Do(func() {
		sharedMeter = &metrics{
			queriesRun: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "krakdb",
				Name:      "queries_total",
				Help:      "Scripts executed, by kind and outcome.",
			}, []string{"kind", "outcome"}),
			queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "krakdb",
				Name:      "query_duration_seconds",
				Help:      "Wall time of query evaluation.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12),
			}),
			rowsMaterialized: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "krakdb",
				Name:      "rows_materialized_total",
				Help:      "Rows written into stored relations by queries.",
			}),
			triggerFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "krakdb",
				Name:      "trigger_failures_total",
				Help:      "Trigger scripts that failed after commit.",
			}),
			callbacksDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "krakdb",
				Name:      "callbacks_dropped_total",
				Help:      "Callback events dropped because the channel was closed or full.",
			}),
		}
		prometheus.MustRegister(
			sharedMeter.queriesRun,
			sharedMeter.queryDuration,
			sharedMeter.rowsMaterialized,
			sharedMeter.triggerFailures,
			sharedMeter.callbacksDropped,
		)
	})
	return sharedMeter
}

// Collectors exposes the engine's instruments for embedders running
// their own registries.
func Collectors() []prometheus.Collector {
	m := meter()
	return []prometheus.Collector{
		m.queriesRun, m.queryDuration, m.rowsMaterialized,
		m.triggerFailures, m.callbacksDropped,
	}
}
