// Package metrics declares the prometheus collectors for the
// directory-metadata read pipeline, grounded on the package-level
// var block + sync.Once registration pattern seen in storage
// committee node metrics (storageWorkerLastFullRound and friends,
// registered once via prometheusOnce.Do(...)).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CacheHits counts OpenDirCache.Read calls that returned FOUND.
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dirread_cache_hits_total",
		Help: "Number of OpenDirCache reads resolved from a resident entry.",
	})

	// CacheMisses counts OpenDirCache.Read calls that triggered a new
	// factory invocation.
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dirread_cache_misses_total",
		Help: "Number of OpenDirCache reads that created a new entry.",
	})

	// CacheCoalesced counts reads that joined an already in-flight
	// creation instead of starting their own.
	CacheCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dirread_cache_coalesced_total",
		Help: "Number of OpenDirCache reads that waited on an in-flight creation.",
	})

	// KVSBatchSize observes how many distinct keys (requests for the
	// same path counted once) land in each KVS multi-get batch.
	KVSBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dirread_kvs_batch_size",
		Help:    "Number of keys combined into a single KVS multi-get call.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// KVSBatchLatency observes the wall-clock time of one KVS
	// multi-get round trip.
	KVSBatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dirread_kvs_batch_latency_seconds",
		Help:    "Latency of a single KVS multi-get call.",
		Buckets: prometheus.DefBuckets,
	})

	// KVSFailures counts per-key KVS failures by cause.
	KVSFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dirread_kvs_failures_total",
		Help: "Per-key KVS failures, labeled by failure cause.",
	}, []string{"cause"})

	// ReconciliationQueueLength tracks the live size of the
	// reconciliation registry.
	ReconciliationQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dirread_reconciliation_queue_length",
		Help: "Current number of paths flagged for reconciliation.",
	})

	// WriteBackAttempts counts write-back attempts by outcome.
	WriteBackAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dirread_writeback_attempts_total",
		Help: "Write-back attempts, labeled by outcome (completed/failed).",
	}, []string{"outcome"})

	collectors = []prometheus.Collector{
		CacheHits,
		CacheMisses,
		CacheCoalesced,
		KVSBatchSize,
		KVSBatchLatency,
		KVSFailures,
		ReconciliationQueueLength,
		WriteBackAttempts,
	}

	registerOnce sync.Once
)

// MustRegister registers every collector in this package with reg.
// Safe to call more than once; only the first call has effect.
func MustRegister(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(collectors...)
	})
}
