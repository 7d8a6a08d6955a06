// Package metrics exposes the prometheus collectors the engine's slow paths
// report to: add_block outcomes, body-validation latency, and
// PreValidationPool queue depth.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// AddBlockOutcomes counts add_block results by outcome label (new_peak,
// added_as_orphan, invalid_block, already_have_block, disconnected_block).
var AddBlockOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "corechain",
		Subsystem: "chain",
		Name:      "add_block_outcomes_total",
		Help:      "Count of add_block results by outcome.",
	},
	[]string{"outcome"},
)

// BodyValidationDuration times the sequential body-validation critical
// section per block.
var BodyValidationDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "corechain",
		Subsystem: "chain",
		Name:      "body_validation_duration_seconds",
		Help:      "Latency of BodyValidator.Validate per block.",
		Buckets:   prometheus.DefBuckets,
	},
)

// PreValidationQueueDepth reports how many blocks are in the batch currently
// being pre-validated; it is set when a dispatch starts and reset to 0 when
// it returns.
var PreValidationQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "corechain",
		Subsystem: "prevalidate",
		Name:      "queue_depth",
		Help:      "Number of blocks in the pre-validation batch in progress.",
	},
)

// ReorgDepth records the number of blocks rolled back on each reorg.
var ReorgDepth = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "corechain",
		Subsystem: "chain",
		Name:      "reorg_depth_blocks",
		Help:      "Number of blocks rolled back by a reorg.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
	},
)

// Register adds every collector in this package to reg. Call once at
// startup; safe to call with prometheus.NewRegistry() in tests to avoid
// polluting the default global registry.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		AddBlockOutcomes,
		BodyValidationDuration,
		PreValidationQueueDepth,
		ReorgDepth,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
