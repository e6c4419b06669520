// Package metrics holds the Prometheus collectors of the archive core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreTotal counts store operations by result (created, duplicate, error).
	StoreTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_store_total",
		Help: "Total store operations by result",
	}, []string{"result"})

	// StoreDuration tracks store latency
	StoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archive_store_duration_seconds",
		Help:    "Store duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	})

	// StoreConflicts counts transactions retried after a natural key conflict
	StoreConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_store_conflicts_total",
		Help: "Total store transactions retried after a conflict",
	})

	// HierarchyCreated counts patients, studies and series created by stores
	HierarchyCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_hierarchy_created_total",
		Help: "Total hierarchy nodes created by level",
	}, []string{"level"})

	// QueryTotal counts queries by level and result
	QueryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_query_total",
		Help: "Total queries by level and result",
	}, []string{"level", "result"})

	// QueryMatches tracks the number of rows returned per query
	QueryMatches = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archive_query_matches",
		Help:    "Rows returned per query",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"level"})

	// LocateDuration tracks locate latency
	LocateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archive_locate_duration_seconds",
		Help:    "Locate duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	// KeyCacheLookups counts code and issuer key cache lookups by result
	KeyCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_key_cache_lookups_total",
		Help: "Code and issuer key cache lookups by result",
	}, []string{"result"}) // "hit" or "miss"
)
