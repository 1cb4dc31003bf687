package ddrt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var opsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ddrt_operations_total",
	Help: "Total tree operations processed, by kind and outcome",
}, []string{"instance", "op", "outcome"})

var deltaKeysOut = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ddrt_delta_keys_published_total",
	Help: "Snapshot keys published to the CRDT after local mutations",
}, []string{"instance"})

var mergeDiffs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ddrt_merge_diffs_total",
	Help: "Remote CRDT diffs folded into the local snapshot",
}, []string{"instance"})

var mergeDiffKeys = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ddrt_merge_diff_keys_total",
	Help: "Snapshot keys touched by remote CRDT diffs",
}, []string{"instance"})

var leafCountGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ddrt_leaves",
	Help: "Leaves currently indexed",
}, []string{"instance"})

var queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ddrt_query_duration_seconds",
	Help:    "Overlap query latency",
	Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
}, []string{"instance"})
