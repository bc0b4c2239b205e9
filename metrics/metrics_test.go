// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package metrics_test

import (
	"testing"

	"github.com/featurebasedb/bitplan/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestMetrics_Registered(t *testing.T) {
	metrics.CounterPlannerStrategy.WithLabelValues("standard").Add(0)
	metricFams, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, metricName := range []string{
		"bitplan_txn_commits_total",
		"bitplan_txn_rollbacks_total",
		"bitplan_txn_layers_merged_total",
		"bitplan_cache_hits_total",
		"bitplan_cache_misses_total",
		"bitplan_planner_strategy_total",
	} {
		if metricExists(metricName, metricFams) {
			continue
		}
		t.Fatalf("metric does not exist: %s", metricName)
	}
}

func TestMetrics_CounterVec(t *testing.T) {
	before := testutil.ToFloat64(metrics.CounterFormulaComputations.WithLabelValues("and"))
	metrics.CounterFormulaComputations.WithLabelValues("and").Inc()
	if got := testutil.ToFloat64(metrics.CounterFormulaComputations.WithLabelValues("and")); got != before+1 {
		t.Fatalf("got %v, want %v", got, before+1)
	}
}

func metricExists(metricName string, metricFams []*io_prometheus_client.MetricFamily) bool {
	for _, metricFam := range metricFams {
		if metricFam.GetName() == metricName {
			return true
		}
	}
	return false
}
