// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the prometheus collectors shared by the transactional
// layer, the formula algebra, the cache supervisor and the planner.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "bitplan"

const (
	MetricTxnCommits           = "txn_commits_total"
	MetricTxnRollbacks         = "txn_rollbacks_total"
	MetricTxnLayersMerged      = "txn_layers_merged_total"
	MetricFormulaComputations  = "formula_computations_total"
	MetricCacheHits            = "cache_hits_total"
	MetricCacheMisses          = "cache_misses_total"
	MetricCacheEvictions       = "cache_evictions_total"
	MetricPlannerStrategy      = "planner_strategy_total"
	MetricPlannerDuration      = "planner_duration_seconds"
	MetricPlannerEmptyShortcut = "planner_empty_shortcut_total"
)

var CounterTxnCommits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricTxnCommits,
		Help:      "Number of committed transactions.",
	},
)

var CounterTxnRollbacks = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricTxnRollbacks,
		Help:      "Number of rolled back transactions.",
	},
)

var CounterTxnLayersMerged = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricTxnLayersMerged,
		Help:      "Number of transactional layers merged into new versions at commit.",
	},
)

var CounterFormulaComputations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricFormulaComputations,
		Help:      "Number of formula results materialized, by operator.",
	},
	[]string{
		"operator",
	},
)

var CounterCacheHits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCacheHits,
		Help:      "Formulas substituted by an already memoized equivalent.",
	},
)

var CounterCacheMisses = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCacheMisses,
		Help:      "Formulas analysed without a memoized equivalent.",
	},
)

var CounterCacheEvictions = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCacheEvictions,
		Help:      "Memoized formulas dropped from the cache.",
	},
)

var CounterPlannerStrategy = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricPlannerStrategy,
		Help:      "Executed query plans, by execution strategy.",
	},
	[]string{
		"strategy",
	},
)

var CounterPlannerEmptyShortcut = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricPlannerEmptyShortcut,
		Help:      "Queries answered with an empty plan because no index scope applied.",
	},
)

var HistogramPlannerDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricPlannerDuration,
		Help:      "Time spent in each planner state.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	},
	[]string{
		"state",
	},
)

func init() {
	prometheus.MustRegister(CounterTxnCommits)
	prometheus.MustRegister(CounterTxnRollbacks)
	prometheus.MustRegister(CounterTxnLayersMerged)
	prometheus.MustRegister(CounterFormulaComputations)
	prometheus.MustRegister(CounterCacheHits)
	prometheus.MustRegister(CounterCacheMisses)
	prometheus.MustRegister(CounterCacheEvictions)
	prometheus.MustRegister(CounterPlannerStrategy)
	prometheus.MustRegister(CounterPlannerEmptyShortcut)
	prometheus.MustRegister(HistogramPlannerDuration)
}
